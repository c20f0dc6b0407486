package strand

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leesper/holmes"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	h := holmes.Start()
	code := m.Run()
	h.Stop()
	os.Exit(code)
}

func availablePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startServer runs the engine on an ephemeral port and waits until it
// listens.
func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, int, chan error) {
	t.Helper()
	port := availablePort(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	s := NewServer(cfg, opts...)
	done := make(chan error, 1)
	go func() {
		done <- s.Start()
	}()
	require.Eventually(t, func() bool { return s.Addr() != nil },
		2*time.Second, 5*time.Millisecond)
	return s, port, done
}

func stopServer(t *testing.T, s *Server, done chan error) {
	t.Helper()
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func stringPacket(t *testing.T, s string) *Packet {
	t.Helper()
	p := NewPacket()
	require.NoError(t, p.WriteString(s))
	return p
}

func echoServer(t *testing.T, cfg Config) (*Server, int, chan error) {
	t.Helper()
	return startServer(t, cfg, OnMessageOption(func(p *Packet, c *Conn) {
		s, err := p.ReadString()
		require.NoError(t, err)
		require.NoError(t, c.Send(stringPacket(t, s)))
	}))
}

func TestServerEchoSingleString(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, port, done := echoServer(t, Config{MaxConns: 4})
	defer stopServer(t, s, done)

	echoed := make(chan string, 1)
	client := NewClient("127.0.0.1", port, 0,
		OnMessageOption(func(p *Packet, c *Conn) {
			msg, err := p.ReadString()
			require.NoError(t, err)
			echoed <- msg
		}))
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.NoError(t, client.Send(stringPacket(t, "hello")))
	select {
	case msg := <-echoed:
		require.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestServerSplitPacket(t *testing.T) {
	// two messages in a single socket write produce exactly two
	// callbacks, in order
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	received := make(chan string, 2)
	s, _, done := startServer(t, Config{MaxConns: 2},
		OnMessageOption(func(p *Packet, c *Conn) {
			msg, err := p.ReadString()
			require.NoError(t, err)
			received <- msg
		}))
	defer stopServer(t, s, done)

	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	a := stringPacket(t, "a")
	bc := stringPacket(t, "bc")
	wire := append(append([]byte{}, a.Bytes()...), bc.Bytes()...)
	a.Release()
	bc.Release()
	_, err = raw.Write(wire)
	require.NoError(t, err)

	require.Equal(t, "a", <-received)
	require.Equal(t, "bc", <-received)
	select {
	case extra := <-received:
		t.Fatalf("unexpected third message %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientMergedPacket(t *testing.T) {
	// one message delivered to the client in two TCP reads produces
	// exactly one callback
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		p := NewPacket()
		if err := p.WriteString("merged"); err != nil {
			return
		}
		wire := p.Bytes()
		conn.Write(wire[:3])
		time.Sleep(50 * time.Millisecond)
		conn.Write(wire[3:])
		p.Release()
	}()

	received := make(chan string, 2)
	port := ln.Addr().(*net.TCPAddr).Port
	client := NewClient("127.0.0.1", port, 0,
		OnMessageOption(func(p *Packet, c *Conn) {
			msg, err := p.ReadString()
			require.NoError(t, err)
			received <- msg
		}))
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.Equal(t, "merged", <-received)
	select {
	case extra := <-received:
		t.Fatalf("unexpected second message %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerOversizeRejection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var errKind atomic.Value
	closed := make(chan uuid.UUID, 1)
	s, port, done := startServer(t, Config{MaxConns: 4, BufferSize: 64},
		OnMessageOption(func(p *Packet, c *Conn) {
			s, err := p.ReadString()
			require.NoError(t, err)
			require.NoError(t, c.Send(stringPacket(t, s)))
		}),
		OnErrorOption(func(c *Conn, err error) {
			errKind.Store(err)
		}),
		OnCloseOption(func(c *Conn) {
			closed <- c.ID()
		}))
	defer stopServer(t, s, done)

	// a well-behaved client that must survive its neighbour's violation
	echoed := make(chan string, 1)
	good := NewClient("127.0.0.1", port, 64,
		OnMessageOption(func(p *Packet, c *Conn) {
			msg, err := p.ReadString()
			require.NoError(t, err)
			echoed <- msg
		}))
	require.NoError(t, good.Connect())
	defer good.Disconnect()

	bad, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer bad.Close()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 1024)
	_, err = bad.Write(hdr[:])
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("offender was not disconnected")
	}
	if stored := errKind.Load(); stored != nil {
		require.ErrorIs(t, stored.(error), ErrFrameTooLarge)
	}

	// the engine closed the offending socket
	require.Eventually(t, func() bool {
		bad.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		var b [1]byte
		_, err := bad.Read(b[:])
		return err != nil
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, good.Send(stringPacket(t, "still here")))
	require.Equal(t, "still here", <-echoed)
}

func TestServerMaxConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const maxConns = 4
	s, port, done := startServer(t, Config{MaxConns: maxConns},
		OnConnectOption(func(c *Conn) {
			require.NoError(t, c.Send(stringPacket(t, "welcome")))
		}))
	defer stopServer(t, s, done)

	welcomed := make(chan string, maxConns)
	clients := make([]*Client, 0, maxConns)
	for i := 0; i < maxConns; i++ {
		c := NewClient("127.0.0.1", port, 0,
			OnMessageOption(func(p *Packet, conn *Conn) {
				msg, err := p.ReadString()
				require.NoError(t, err)
				welcomed <- msg
			}))
		require.NoError(t, c.Connect())
		clients = append(clients, c)
	}
	for i := 0; i < maxConns; i++ {
		require.Equal(t, "welcome", <-welcomed)
	}
	require.Eventually(t, func() bool { return s.ConnsSize() == maxConns },
		2*time.Second, 10*time.Millisecond)
	require.Zero(t, s.arena.idle())

	// the fifth connects at the TCP layer but the engine hangs up on it
	fifth, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer fifth.Close()
	var b [1]byte
	fifth.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = fifth.Read(b[:])
	require.Error(t, err)

	// no arena window leaked on the refused connect
	require.Equal(t, maxConns, s.ConnsSize())
	require.Zero(t, s.arena.idle())

	for _, c := range clients {
		c.Disconnect()
	}
	require.Eventually(t, func() bool { return s.arena.idle() == maxConns },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, maxConns, s.readPool.len())
}

func TestServerOrdering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const total = 200
	var mu sync.Mutex
	var got []int32
	all := make(chan struct{})
	s, port, done := startServer(t, Config{MaxConns: 2},
		OnMessageOption(func(p *Packet, c *Conn) {
			v, err := p.ReadInt32()
			require.NoError(t, err)
			mu.Lock()
			got = append(got, v)
			if len(got) == total {
				close(all)
			}
			mu.Unlock()
		}))
	defer stopServer(t, s, done)

	client := NewClient("127.0.0.1", port, 0)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	for i := int32(0); i < total; i++ {
		p := NewPacket()
		require.NoError(t, p.WriteInt32(i))
		require.NoError(t, client.Send(p))
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d messages", len(got), total)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := int32(0); i < total; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestServerGracefulStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 10
	s, port, done := startServer(t, Config{MaxConns: n})

	var closes int32
	clients := make([]*Client, 0, n)
	for i := 0; i < n; i++ {
		c := NewClient("127.0.0.1", port, 0,
			OnCloseOption(func(conn *Conn) {
				atomic.AddInt32(&closes, 1)
			}))
		require.NoError(t, c.Connect())
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool { return s.ConnsSize() == n },
		2*time.Second, 10*time.Millisecond)

	stopServer(t, s, done)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&closes) == n },
		5*time.Second, 10*time.Millisecond)
	// exactly once each
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, n, atomic.LoadInt32(&closes))

	for _, c := range clients {
		c.Disconnect()
	}
}

func TestServerStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _, done := startServer(t, Config{MaxConns: 2})
	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	s.Stop()

	// a disposed engine never goes back to Running
	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)
}

func TestServerDisconnectClient(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, port, done := startServer(t, Config{MaxConns: 2})
	defer stopServer(t, s, done)

	closed := make(chan struct{})
	client := NewClient("127.0.0.1", port, 0,
		OnCloseOption(func(conn *Conn) {
			close(closed)
		}))
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.Eventually(t, func() bool { return s.ConnsSize() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, s.DisconnectClient(uuid.New()), ErrClientNotFound)

	id := s.Clients()[0].ID()
	require.NoError(t, s.DisconnectClient(id))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client close callback did not fire")
	}
	require.Eventually(t, func() bool { return s.ConnsSize() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServerBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 3
	s, port, done := startServer(t, Config{MaxConns: n})
	defer stopServer(t, s, done)

	received := make(chan string, n)
	clients := make([]*Client, 0, n)
	for i := 0; i < n; i++ {
		c := NewClient("127.0.0.1", port, 0,
			OnMessageOption(func(p *Packet, conn *Conn) {
				msg, err := p.ReadString()
				require.NoError(t, err)
				received <- msg
			}))
		require.NoError(t, c.Connect())
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool { return s.ConnsSize() == n },
		2*time.Second, 10*time.Millisecond)

	s.Broadcast(stringPacket(t, "all hands"))
	for i := 0; i < n; i++ {
		require.Equal(t, "all hands", <-received)
	}

	for _, c := range clients {
		c.Disconnect()
	}
}
