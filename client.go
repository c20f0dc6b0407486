package strand

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/leesper/holmes"
)

// Client is the outbound engine: it dials a server, runs the same framing
// machinery as the server engine over a single connection and submits sends
// through a one-record write pool, so a send op is always retired before
// the next one is armed. Message callbacks run inline on the connection's
// handler loop, in arrival order.
type Client struct {
	addr       string
	bufferSize int
	opts       options

	mu        sync.Mutex // guards following
	conn      *Conn
	sched     *scheduler
	arena     *Arena
	readPool  *opPool
	writePool *opPool
}

// NewClient returns a client for host:port which has not connected yet.
// bufferSize is the receive window; zero picks the default.
func NewClient(host string, port, bufferSize int, opt ...Option) *Client {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.processor == nil {
		opts.processor = LengthPrefixProcessor{}
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Client{
		addr:       fmt.Sprintf("%s:%d", host, port),
		bufferSize: bufferSize,
		opts:       opts,
	}
}

// Connect establishes the outbound socket and starts serving. With
// ReconnectOption the dial is retried with jittered exponential backoff
// until it succeeds. Connect may be called again after a disconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyRunning
	}
	if c.bufferSize <= c.opts.processor.HeaderSize() {
		return fmt.Errorf("%w: buffer size %d not above header size %d",
			ErrConfig, c.bufferSize, c.opts.processor.HeaderSize())
	}

	raw, err := c.dial()
	if err != nil {
		return err
	}

	c.arena = newArena(c.bufferSize, 1)
	c.readPool = newOpPool(opReceive, 1)
	c.writePool = newOpPool(opSend, 1)
	c.sched = newScheduler()

	readOp, err := c.readPool.pop()
	if err != nil {
		raw.Close()
		return err
	}
	if err = c.arena.checkout(readOp); err != nil {
		c.readPool.push(readOp)
		raw.Close()
		return err
	}

	conn := newConn(context.Background(), raw, readOp, c.opts.processor,
		c.writePool, c.sched, nil, c.retire, c.opts)
	c.conn = conn
	conn.start()
	return nil
}

func (c *Client) dial() (net.Conn, error) {
	if !c.opts.reconnect {
		return net.Dial("tcp", c.addr)
	}
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		raw, err := net.Dial("tcp", c.addr)
		if err == nil {
			return raw, nil
		}
		d := b.Duration()
		holmes.Errorf("dial %s error %v, retrying in %v", c.addr, err, d)
		time.Sleep(d)
	}
}

// retire returns the read op and window once the connection's loops have
// finished, and wakes any sender still blocked on the write pool.
func (c *Client) retire(conn *Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	arena, readPool, writePool, sched := c.arena, c.readPool, c.writePool, c.sched
	c.mu.Unlock()

	arena.checkin(conn.readOp)
	readPool.push(conn.readOp)
	writePool.close()
	sched.Stop()
}

// Send submits an outbound packet on the connection, taking ownership of
// it. Fails with ErrNotConnected before Connect or after a disconnect.
func (c *Client) Send(p *Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		p.Release()
		return ErrNotConnected
	}
	return conn.Send(p)
}

// Conn returns the live connection, nil when disconnected.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Disconnect tears the connection down and fires the close callback
// exactly once. A no-op when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
