package latch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

func TestSyncObjectSharedExclusive(t *testing.T) {
	s := NewSyncObject("frame")
	s.Lock(basic.LockShared)
	s.Lock(basic.LockShared)
	assert.False(t, s.TryLock(basic.LockExclusive))

	s.Unlock()
	s.Unlock()
	assert.True(t, s.TryLock(basic.LockExclusive))
	assert.False(t, s.TryLock(basic.LockShared))

	s.Downgrade()
	shared, exclusive, _ := s.State()
	assert.Equal(t, 1, shared)
	assert.False(t, exclusive)
	assert.True(t, s.TryLock(basic.LockShared))
	s.Unlock()
	s.Unlock()
}

func TestSyncObjectTimeout(t *testing.T) {
	s := NewSyncObject("bucket")
	s.Lock(basic.LockShared)

	err := s.LockTimeout(context.Background(), basic.LockExclusive, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, basic.IsTimeout(err))

	// the abandoned exclusive waiter must not block readers
	assert.True(t, s.TryLock(basic.LockShared))
	_, _, waiters := s.State()
	assert.Equal(t, 0, waiters)
}

func TestSyncObjectCancel(t *testing.T) {
	s := NewSyncObject("mdl")
	s.Lock(basic.LockExclusive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.LockTimeout(ctx, basic.LockShared, 0) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, basic.IsCancelled(err))
	s.Unlock()
}

func TestExclusiveWaiterPreferred(t *testing.T) {
	s := NewSyncObject("writer")
	s.Lock(basic.LockShared)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Lock(basic.LockExclusive)
		s.Unlock()
	}()

	require.Eventually(t, func() bool {
		_, _, waiters := s.State()
		return waiters == 1
	}, time.Second, time.Millisecond)
	assert.False(t, s.TryLock(basic.LockShared))

	s.Unlock()
	wg.Wait()
	assert.True(t, s.TryLock(basic.LockShared))
	s.Unlock()
}

func TestEventWaitLocked(t *testing.T) {
	var mu sync.Mutex
	ev := NewEvent()
	ready := false

	go func() {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		ready = true
		mu.Unlock()
		ev.Broadcast()
	}()

	mu.Lock()
	for !ready {
		require.NoError(t, ev.WaitLocked(context.Background(), &mu, time.Second))
	}
	mu.Unlock()

	mu.Lock()
	err := ev.WaitLocked(context.Background(), &mu, 5*time.Millisecond)
	mu.Unlock()
	assert.ErrorIs(t, err, basic.ErrLockWaitTimeout)
}
