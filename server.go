package strand

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/leesper/holmes"
)

type options struct {
	processor Processor
	onConnect onConnectFunc
	onMessage onMessageFunc
	onClose   onCloseFunc
	onError   onErrorFunc
	reconnect bool
}

// Option sets server or client options.
type Option func(*options)

// CustomProcessorOption returns an Option that will apply a custom framing
// Processor. On a server it overrides Config.Processor.
func CustomProcessorOption(p Processor) Option {
	return func(o *options) {
		o.processor = p
	}
}

// OnConnectOption returns an Option that will set a callback to call once a
// connection is established.
func OnConnectOption(cb func(*Conn)) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnMessageOption returns an Option that will set a callback to call on
// every complete inbound frame. It is invoked exactly once per frame, in
// arrival order on that connection.
func OnMessageOption(cb func(*Packet, *Conn)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCloseOption returns an Option that will set a callback to call once a
// connection is torn down.
func OnCloseOption(cb func(*Conn)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption returns an Option that will set a callback to call on
// abnormal connection termination.
func OnErrorOption(cb func(*Conn, error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// ReconnectOption returns an Option that makes a client redial with
// exponential backoff until the server is reachable.
func ReconnectOption() Option {
	return func(o *options) {
		o.reconnect = true
	}
}

// Engine states, forward-only.
const (
	stateCreated int32 = iota
	stateRunning
	stateStopping
	stateDisposed
)

// Server is the accept/receive/send engine serving framed TCP clients. All
// receive memory is allocated up front: one contiguous arena of
// BufferSize*MaxConns bytes partitioned into per-connection windows, plus
// MaxConns pre-armed read and write op records.
type Server struct {
	cfg  Config
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	conns   *ConnMap
	sched   *scheduler
	workers *workerPool
	wg      *sync.WaitGroup

	state int32

	arena     *Arena
	readPool  *opPool
	writePool *opPool

	mu  sync.Mutex // guards following
	lis net.Listener
}

// NewServer returns a new server which has not started to serve requests
// yet.
func NewServer(cfg Config, opt ...Option) *Server {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	s := &Server{
		cfg:   cfg,
		opts:  opts,
		conns: NewConnMap(),
		wg:    &sync.WaitGroup{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start validates the configuration, allocates the I/O resources, binds and
// listens, then serves accepts until Stop is called or a fatal engine error
// occurs. Configuration and invariant errors are returned synchronously.
func (s *Server) Start() error {
	if err := s.cfg.check(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&s.state, stateCreated, stateRunning) {
		return ErrAlreadyRunning
	}
	if s.opts.processor == nil {
		s.opts.processor = s.cfg.Processor
	}

	s.arena = newArena(s.cfg.BufferSize, s.cfg.MaxConns)
	s.readPool = newOpPool(opReceive, s.cfg.MaxConns)
	s.writePool = newOpPool(opSend, s.cfg.MaxConns)
	s.sched = newScheduler()
	s.workers = newWorkerPool(s.cfg.Workers)

	lis, err := listenTCP(s.cfg.Host, s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		s.dispose()
		return err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	holmes.Infof("server start, net %s addr %s", lis.Addr().Network(), lis.Addr().String())

	err = s.acceptLoop(lis)
	s.shutdown()
	return err
}

// Addr returns the listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// acceptLoop serves one accept at a time. Temporary accept errors are
// retried with jittered exponential backoff; the loop ends on Stop or a
// fatal error. No op record leaks on any error branch: resources are
// reserved only after a successful accept and released before refusing.
func (s *Server) acceptLoop(lis net.Listener) error {
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		rawConn, err := lis.Accept()
		if err != nil {
			if s.stopping() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				d := b.Duration()
				holmes.Errorf("accept error %v, retrying in %v", err, d)
				select {
				case <-time.After(d):
				case <-s.ctx.Done():
					return nil
				}
				continue
			}
			return err
		}
		b.Reset()
		if err = s.register(rawConn); err != nil {
			return err
		}
	}
}

// register reserves a read op and an arena window for the accepted socket,
// wires the connection and starts serving it. A socket that arrives past
// the connection cap is refused with nothing reserved.
func (s *Server) register(rawConn net.Conn) error {
	readOp, err := s.readPool.pop()
	if err != nil {
		s.refuse(rawConn, err)
		return nil
	}
	if err = s.arena.checkout(readOp); err != nil {
		s.readPool.push(readOp)
		s.refuse(rawConn, err)
		return nil
	}

	c := newConn(s.ctx, rawConn, readOp, s.opts.processor, s.writePool,
		s.sched, s.executeOn, s.retire, s.opts)
	if !s.conns.PutIfAbsent(c.ID(), c) {
		s.arena.checkin(readOp)
		s.readPool.push(readOp)
		rawConn.Close()
		return fmt.Errorf("%w: %v", ErrDuplicateIdentity, c.ID())
	}

	addTotalConn(1)
	s.wg.Add(1)
	c.start()
	holmes.Infof("accepted client %s, id %v, total %d", c.Name(), c.ID(), s.conns.Size())
	return nil
}

func (s *Server) refuse(rawConn net.Conn, err error) {
	holmes.Warnf("refusing %v: %v", rawConn.RemoteAddr(), err)
	rawConn.Close()
}

// executeOn routes a callback to the worker owning this connection, keeping
// per-connection ordering.
func (s *Server) executeOn(c *Conn, cb func()) {
	s.workers.Put(c.id, cb)
}

// retire runs after a connection's loops have finished: the registry entry,
// the read op and the arena window all return to the engine.
func (s *Server) retire(c *Conn, err error) {
	s.conns.Remove(c.id)
	s.arena.checkin(c.readOp)
	s.readPool.push(c.readOp)
	addTotalConn(-1)
	s.wg.Done()
}

// Stop transitions the engine to Stopping: the listener shuts, new accepts
// are refused and in-flight connections drain through the standard
// disconnect path. Start returns once draining completes. Calling Stop
// twice is safe and a no-op the second time.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.state, stateRunning, stateStopping) {
		return
	}
	holmes.Infof("server stopping")
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis != nil {
		lis.Close()
	}
	s.cancel()
}

// shutdown closes every live connection, waits for them to retire and
// disposes the engine resources.
func (s *Server) shutdown() {
	atomic.CompareAndSwapInt32(&s.state, stateRunning, stateStopping)
	s.cancel()
	for _, c := range s.conns.Values() {
		c.Close()
	}
	s.wg.Wait()
	s.dispose()
	holmes.Infof("server stopped")
}

func (s *Server) dispose() {
	if s.readPool != nil {
		s.readPool.close()
	}
	if s.writePool != nil {
		s.writePool.close()
	}
	if s.workers != nil {
		s.workers.Close()
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	atomic.StoreInt32(&s.state, stateDisposed)
}

func (s *Server) stopping() bool {
	return atomic.LoadInt32(&s.state) >= stateStopping
}

// DisconnectClient closes the identified connection and fires its close
// callback. Unknown identities fail with ErrClientNotFound.
func (s *Server) DisconnectClient(id uuid.UUID) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return ErrClientNotFound
	}
	c.Close()
	return nil
}

// Clients returns the live connections.
func (s *Server) Clients() []*Conn {
	return s.conns.Values()
}

// ConnsSize returns the number of live connections.
func (s *Server) ConnsSize() int {
	return s.conns.Size()
}

// Broadcast sends the packet bytes to every live connection. Each
// connection gets its own copy of the payload.
func (s *Server) Broadcast(p *Packet) {
	for _, c := range s.conns.Values() {
		if err := c.Send(p.Clone()); err != nil {
			holmes.Errorf("broadcast to %v: %v", c.ID(), err)
		}
	}
	p.Release()
}
