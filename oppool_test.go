package strand

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpPoolUnderflow(t *testing.T) {
	p := newOpPool(opReceive, 2)
	require.Equal(t, 2, p.len())

	op1, err := p.pop()
	require.NoError(t, err)
	op2, err := p.pop()
	require.NoError(t, err)
	_, err = p.pop()
	require.ErrorIs(t, err, ErrExhausted)

	p.push(op1)
	p.push(op2)
	require.Equal(t, 2, p.len())
}

func TestOpPoolPushResets(t *testing.T) {
	p := newOpPool(opSend, 1)
	op, err := p.pop()
	require.NoError(t, err)

	pkt := NewPacket()
	require.NoError(t, pkt.WriteUint8(1))
	op.bindSend(pkt, nil)
	require.NotNil(t, op.pkt)
	require.NotEmpty(t, op.window())
	pkt.Release()

	p.push(op)
	require.Nil(t, op.pkt)
	require.Nil(t, op.buf)
	require.Equal(t, -1, op.arenaOff)
}

func TestOpPoolPopWaitBlocksUntilPush(t *testing.T) {
	p := newOpPool(opSend, 1)
	held, err := p.pop()
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan *ioOp, 1)
	go func() {
		defer wg.Done()
		op, err := p.popWait()
		require.NoError(t, err)
		got <- op
	}()

	select {
	case <-got:
		t.Fatal("popWait returned while the pool was empty")
	case <-time.After(20 * time.Millisecond):
	}

	p.push(held)
	wg.Wait()
	require.NotNil(t, <-got)
}

func TestOpPoolCloseWakesWaiters(t *testing.T) {
	p := newOpPool(opSend, 1)
	_, err := p.pop()
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.popWait()
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	p.close()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, <-errs, ErrConnClosed)
	}
}

func TestOpPoolSendWindowAdvance(t *testing.T) {
	op := &ioOp{kind: opSend, arenaOff: -1}
	pkt := NewPacket()
	require.NoError(t, pkt.WriteString("abcdef"))
	defer pkt.Release()

	op.bindSend(pkt, nil)
	total := len(op.window())
	op.off += 4
	require.Equal(t, total-4, len(op.window()), "partial sends advance the window")
}
