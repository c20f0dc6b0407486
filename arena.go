package strand

import "sync"

// Arena hands out fixed-size windows of one contiguous buffer allocated up
// front. Total memory is exactly windowSize*count for the arena's lifetime;
// a live connection holds exactly one window and returned windows are
// recycled through a free-offset stack. Offsets are always multiples of the
// window size, so windows never alias.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	free   []int
	cursor int
}

func newArena(size, count int) *Arena {
	return &Arena{
		buf:  make([]byte, size*count),
		size: size,
		free: make([]int, 0, count),
	}
}

// checkout binds a window to op, preferring a recycled offset over the
// first-time cursor. Fails with ErrExhausted when every window is live.
func (a *Arena) checkout(op *ioOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var off int
	if n := len(a.free); n > 0 {
		off = a.free[n-1]
		a.free = a.free[:n-1]
	} else if a.cursor < len(a.buf) {
		off = a.cursor
		a.cursor += a.size
	} else {
		return ErrExhausted
	}
	op.bindWindow(a.buf[off:off+a.size], off)
	return nil
}

// checkin returns op's window to the free stack. A no-op for unbound ops.
func (a *Arena) checkin(op *ioOp) {
	if op.arenaOff < 0 {
		return
	}
	a.mu.Lock()
	a.free = append(a.free, op.arenaOff)
	a.mu.Unlock()
	op.unbindWindow()
}

// Cap returns the total number of bytes the arena owns.
func (a *Arena) Cap() int { return len(a.buf) }

// idle returns the number of windows available for checkout.
func (a *Arena) idle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free) + (len(a.buf)-a.cursor)/a.size
}
