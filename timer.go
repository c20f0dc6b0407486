package strand

import (
	"container/heap"
	"sync"
	"time"
)

const schedAccuracy = 5 * time.Millisecond

type timerQueue []*timerEntry

func (tq timerQueue) Len() int {
	return len(tq)
}

func (tq timerQueue) Less(i, j int) bool {
	return tq[i].expiration.Before(tq[j].expiration)
}

func (tq timerQueue) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
	tq[i].index = i
	tq[j].index = j
}

func (tq *timerQueue) Push(x interface{}) {
	n := len(*tq)
	entry := x.(*timerEntry)
	entry.index = n
	*tq = append(*tq, entry)
}

func (tq *timerQueue) Pop() interface{} {
	old := *tq
	n := len(old)
	entry := old[n-1]
	entry.index = -1
	*tq = old[0 : n-1]
	return entry
}

type timerEntry struct {
	id         int64
	expiration time.Time
	interval   time.Duration
	timeout    *OnTimeOut
	index      int // for container/heap
}

func (t *timerEntry) isRepeat() bool {
	return t.interval > 0
}

// scheduler runs timed connection callbacks, heartbeats typically. A fire
// routes through the owning connection's executor so it stays ordered with
// that connection's message handlers.
type scheduler struct {
	ticker *time.Ticker
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex // guards following
	timers timerQueue
	nextID int64
}

func newScheduler() *scheduler {
	s := &scheduler{
		ticker: time.NewTicker(schedAccuracy),
		quit:   make(chan struct{}),
		timers: make(timerQueue, 0),
	}
	heap.Init(&s.timers)
	go s.start()
	return s
}

// Add schedules timeout for when, repeating every interval if positive.
// It returns the timer ID used with Cancel.
func (s *scheduler) Add(when time.Time, interval time.Duration, timeout *OnTimeOut) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	heap.Push(&s.timers, &timerEntry{
		id:         id,
		expiration: when,
		interval:   interval,
		timeout:    timeout,
	})
	return id
}

// Cancel removes the timer with the given ID, a no-op when already fired
// or unknown.
func (s *scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.timers {
		if e.id == id {
			heap.Remove(&s.timers, i)
			return
		}
	}
}

func (s *scheduler) getExpired(now time.Time) []*timerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*timerEntry
	for s.timers.Len() > 0 {
		e := s.timers[0]
		if e.expiration.After(now) {
			break
		}
		heap.Pop(&s.timers)
		expired = append(expired, e)
		if e.isRepeat() {
			heap.Push(&s.timers, &timerEntry{
				id:         e.id,
				expiration: now.Add(e.interval),
				interval:   e.interval,
				timeout:    e.timeout,
			})
		}
	}
	return expired
}

func (s *scheduler) start() {
	for {
		select {
		case <-s.quit:
			s.ticker.Stop()
			return
		case now := <-s.ticker.C:
			for _, e := range s.getExpired(now) {
				s.fire(e, now)
			}
		}
	}
}

func (s *scheduler) fire(e *timerEntry, now time.Time) {
	t := e.timeout
	if t == nil || t.Callback == nil {
		return
	}
	owner := t.Owner
	if owner != nil && owner.execute != nil {
		owner.execute(owner, func() { t.Callback(now, owner) })
	} else {
		t.Callback(now, owner)
	}
}

// Stop ends the ticking go-routine. Safe to call twice.
func (s *scheduler) Stop() {
	s.once.Do(func() {
		close(s.quit)
	})
}
