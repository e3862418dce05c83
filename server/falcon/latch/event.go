package latch

import (
	"context"
	"sync"
	"time"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// Event is a broadcast condition. Waiters snapshot the current channel while
// holding whatever mutex guards their predicate; Broadcast closes it.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Channel returns the channel closed by the next Broadcast.
func (e *Event) Channel() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Broadcast wakes every current waiter.
func (e *Event) Broadcast() {
	e.mu.Lock()
	if e.ch != nil {
		close(e.ch)
	}
	e.ch = make(chan struct{})
	e.mu.Unlock()
}

// WaitLocked releases locker, waits for a broadcast, and reacquires locker.
// The caller must hold locker. A zero timeout waits without limit.
func (e *Event) WaitLocked(ctx context.Context, locker sync.Locker, timeout time.Duration) error {
	ch := e.Channel()
	locker.Unlock()
	err := Wait(ctx, ch, timeout)
	locker.Lock()
	return err
}

// Wait blocks until ch is closed, ctx is done or timeout elapses.
func Wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return basic.NewError(basic.KindCancelled, "wait", err)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return basic.NewError(basic.KindCancelled, "wait", ctx.Err())
	case <-expired:
		return basic.ErrLockWaitTimeout
	}
}
