/* Worker pool is a pool of go-routines running for executing callbacks,
each connection's message handler is permanently hashed into one specified
worker to execute, so it is in-order from each connection's perspective. */
package strand

import (
	"time"

	"github.com/google/uuid"
)

type workerPool struct {
	workers   []*worker
	closeChan chan struct{}
}

func newWorkerPool(vol int) *workerPool {
	if vol <= 0 {
		vol = defaultWorkersNum
	}

	pool := &workerPool{
		workers:   make([]*worker, vol),
		closeChan: make(chan struct{}),
	}

	for i := range pool.workers {
		pool.workers[i] = newWorker(i, 1024, pool.closeChan)
	}

	return pool
}

// Put enqueues cb on the worker owning id. It blocks when that worker's
// queue is full rather than dropping or reordering the callback.
func (wp *workerPool) Put(id uuid.UUID, cb func()) {
	code := hashCode(id)
	wp.workers[code%uint32(len(wp.workers))].put(workerFunc(cb))
}

func (wp *workerPool) Close() {
	close(wp.closeChan)
}

type worker struct {
	index        int
	callbackChan chan workerFunc
	closeChan    chan struct{}
}

func newWorker(i int, c int, closeChan chan struct{}) *worker {
	w := &worker{
		index:        i,
		callbackChan: make(chan workerFunc, c),
		closeChan:    closeChan,
	}
	go w.start()
	return w
}

func (w *worker) start() {
	for {
		select {
		case <-w.closeChan:
			return
		case cb := <-w.callbackChan:
			before := time.Now()
			cb()
			addTotalTime(time.Since(before).Seconds())
		}
	}
}

func (w *worker) put(cb workerFunc) {
	select {
	case w.callbackChan <- cb:
	case <-w.closeChan:
	}
}
