package strand

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leesper/holmes"
)

// Conn represents one framed TCP connection, on either side of the wire.
// The engine that accepted or dialed it binds the socket, a standing
// receive op with its arena window, and the submission hooks; the
// application talks to it through Send and the registered callbacks.
//
// Three go-routines serve a started connection: readLoop receives into the
// arena window and frames messages, handleLoop dispatches framed packets to
// the message callback, writeLoop drains the send queue. Exactly one
// receive is outstanding at any time and messages are delivered in arrival
// order.
type Conn struct {
	id   uuid.UUID
	raw  net.Conn
	opts options
	proc Processor

	readOp    *ioOp
	writePool *opPool
	sendCh    chan *ioOp
	handlerCh chan *Packet

	// execute runs message and timer callbacks; nil means inline on the
	// calling loop. The server engine supplies a worker-pool executor
	// keyed by the connection identity so ordering survives slow
	// handlers.
	execute  func(*Conn, func())
	teardown func(*Conn, error)
	sched    *scheduler

	once   sync.Once
	wg     *sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards following
	name    string
	pending []int64

	sendMu     sync.Mutex // guards submission vs the final drain
	sendClosed bool
}

// newConn returns a connection which has not started to serve yet. The
// identity is generated here and is stable for the connection's lifetime.
func newConn(parent context.Context, raw net.Conn, readOp *ioOp, proc Processor,
	writePool *opPool, sched *scheduler, execute func(*Conn, func()),
	teardown func(*Conn, error), opts options) *Conn {

	c := &Conn{
		id:        uuid.New(),
		raw:       raw,
		opts:      opts,
		proc:      proc,
		readOp:    readOp,
		writePool: writePool,
		sendCh:    make(chan *ioOp, sendQueueSize),
		handlerCh: make(chan *Packet, sendQueueSize),
		execute:   execute,
		teardown:  teardown,
		sched:     sched,
		wg:        &sync.WaitGroup{},
		pending:   []int64{},
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	c.name = raw.RemoteAddr().String()
	readOp.owner = c
	return c
}

// ID returns the connection identity, stable across its lifetime.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// SetName sets the name of the connection.
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Name returns the name of the connection.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// RemoteAddr returns the peer address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// start creates the serving go-routines and fires the connect callback.
func (c *Conn) start() {
	holmes.Infof("conn start, <%v -> %v>", c.raw.LocalAddr(), c.raw.RemoteAddr())
	if c.opts.onConnect != nil {
		c.opts.onConnect(c)
	}
	loopers := []func(){c.readLoop, c.writeLoop, c.handleLoop}
	for _, l := range loopers {
		looper := l
		c.wg.Add(1)
		go looper()
	}
}

// Send submits an outbound packet, taking ownership of it. The packet is
// written in one frame and released once fully drained. Send suspends only
// when the write pool itself is drained; a closed connection fails with
// ErrConnClosed and a full send queue with ErrWouldBlock.
func (c *Conn) Send(p *Packet) error {
	select {
	case <-c.ctx.Done():
		p.Release()
		return ErrConnClosed
	default:
	}
	op, err := c.writePool.popWait()
	if err != nil {
		p.Release()
		return err
	}
	op.bindSend(p, c)

	// once sendClosed is set the final drain has run or is about to; an
	// op must not slip into the queue behind it
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		p.Release()
		c.writePool.push(op)
		return ErrConnClosed
	}
	select {
	case c.sendCh <- op:
		c.sendMu.Unlock()
		return nil
	default:
		c.sendMu.Unlock()
		p.Release()
		c.writePool.push(op)
		return ErrWouldBlock
	}
}

// Close gracefully shuts the connection down. It blocks until the serving
// go-routines have finished and fires the close callback exactly once.
func (c *Conn) Close() {
	c.close(nil)
}

func (c *Conn) close(err error) {
	c.once.Do(func() {
		holmes.Infof("conn close, <%v -> %v>", c.raw.LocalAddr(), c.raw.RemoteAddr())
		if err != nil && c.opts.onError != nil {
			c.opts.onError(c, err)
		}

		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, id := range pending {
			cancelTimer(c.sched, id)
		}

		c.cancel()
		c.raw.Close()
		// wait for go-routines holding readLoop, writeLoop and handleLoop
		// to finish
		c.wg.Wait()

		// the loops are gone; refuse further submissions, then retire
		// whatever they left queued
		c.sendMu.Lock()
		c.sendClosed = true
		c.sendMu.Unlock()
		c.drainQueues()

		if c.teardown != nil {
			c.teardown(c, err)
		}
		if c.opts.onClose != nil {
			c.opts.onClose(c)
		}
	})
}

/* readLoop() blocking-reads into the connection's receive window, frames
complete messages off it and hands them to handleLoop. Any socket error,
peer close or framing violation ends the connection. */
func (c *Conn) readLoop() {
	var loopErr error
	defer func() {
		if p := recover(); p != nil {
			holmes.Errorf("panics: %v", p)
			printStack()
		}
		c.wg.Done()
		c.close(loopErr)
	}()

	asm := newAssembler(c.proc, c.readOp.buf)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		n, err := c.raw.Read(asm.writeWindow())
		if n > 0 {
			addTotalBytes(int64(n))
			if ferr := asm.advance(n, c.enqueue); ferr != nil {
				holmes.Errorf("framing error: %v", ferr)
				loopErr = ferr
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				loopErr = &SocketError{Op: "receive", Err: err}
			}
			return
		}
	}
}

// enqueue hands one framed packet to handleLoop, releasing it if the
// connection is going down.
func (c *Conn) enqueue(p *Packet) {
	select {
	case c.handlerCh <- p:
	case <-c.ctx.Done():
		p.Release()
	}
}

/* writeLoop() pops one send op at a time and drains it fully into the
socket, advancing the op's window on partial writes. The op record and its
packet are retired before the next op is taken. */
func (c *Conn) writeLoop() {
	var loopErr error
	defer func() {
		if p := recover(); p != nil {
			holmes.Errorf("panics: %v", p)
			printStack()
		}
		c.wg.Done()
		c.close(loopErr)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.sendCh:
			err := c.drain(op)
			op.pkt.Release()
			c.writePool.push(op)
			if err != nil {
				holmes.Errorf("error writing data %v", err)
				loopErr = &SocketError{Op: "send", Err: err}
				return
			}
		}
	}
}

// drain writes op's bytes until none remain.
func (c *Conn) drain(op *ioOp) error {
	for len(op.window()) > 0 {
		n, err := c.raw.Write(op.window())
		op.off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// drainQueues retires everything left in the send and handler queues once
// the loops are gone, so no op record or pooled buffer goes missing.
func (c *Conn) drainQueues() {
	for {
		select {
		case op := <-c.sendCh:
			op.pkt.Release()
			c.writePool.push(op)
		case p := <-c.handlerCh:
			p.Release()
		default:
			return
		}
	}
}

// handleLoop() routes framed packets to the executor.
func (c *Conn) handleLoop() {
	defer func() {
		if p := recover(); p != nil {
			holmes.Errorf("panics: %v", p)
			printStack()
		}
		c.wg.Done()
		c.close(nil)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-c.handlerCh:
			c.dispatch(p)
		}
	}
}

// dispatch runs the message callback for one packet, inline or on the
// engine's executor. Callback panics are contained: the connection stays
// open.
func (c *Conn) dispatch(p *Packet) {
	onMessage := c.opts.onMessage
	if onMessage == nil {
		holmes.Warnf("no onMessage callback for conn %v, dropping frame", c.id)
		p.Release()
		return
	}
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				holmes.Errorf("message handler panics: %v", r)
				printStack()
			}
			p.Release()
		}()
		onMessage(p, c)
		addTotalHandle()
	}
	if c.execute != nil {
		c.execute(c, run)
	} else {
		run()
	}
}

// RunAt runs a callback at the specified timestamp.
func (c *Conn) RunAt(timestamp time.Time, callback func(time.Time, *Conn)) int64 {
	id := runAt(c.sched, c, timestamp, callback)
	if id >= 0 {
		c.addPendingTimer(id)
	}
	return id
}

// RunAfter runs a callback right after the specified duration elapsed.
func (c *Conn) RunAfter(duration time.Duration, callback func(time.Time, *Conn)) int64 {
	id := runAfter(c.sched, c, duration, callback)
	if id >= 0 {
		c.addPendingTimer(id)
	}
	return id
}

// RunEvery runs a callback on every interval time.
func (c *Conn) RunEvery(interval time.Duration, callback func(time.Time, *Conn)) int64 {
	id := runEvery(c.sched, c, interval, callback)
	if id >= 0 {
		c.addPendingTimer(id)
	}
	return id
}

// CancelTimer cancels a timer with the specified ID.
func (c *Conn) CancelTimer(timerID int64) {
	cancelTimer(c.sched, timerID)
}

func (c *Conn) addPendingTimer(timerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending = append(c.pending, timerID)
	}
}

func cancelTimer(sched *scheduler, timerID int64) {
	if sched != nil {
		sched.Cancel(timerID)
	}
}

func runAt(sched *scheduler, c *Conn, ts time.Time, cb func(time.Time, *Conn)) int64 {
	if sched == nil {
		return -1
	}
	return sched.Add(ts, 0, NewOnTimeOut(c, cb))
}

func runAfter(sched *scheduler, c *Conn, d time.Duration, cb func(time.Time, *Conn)) int64 {
	return runAt(sched, c, time.Now().Add(d), cb)
}

func runEvery(sched *scheduler, c *Conn, d time.Duration, cb func(time.Time, *Conn)) int64 {
	if sched == nil {
		return -1
	}
	return sched.Add(time.Now().Add(d), d, NewOnTimeOut(c, cb))
}
