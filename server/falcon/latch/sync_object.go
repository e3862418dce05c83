package latch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// SyncObject 命名的共享/排他锁, 支持超时与取消.
// Pending exclusive requests block new shared grants.
type SyncObject struct {
	name string

	mu               sync.Mutex
	shared           int  // 共享持有者数量
	exclusive        bool // 是否排他持有
	exclusiveWaiters int  // 等待排他锁的数量
	event            Event
}

func NewSyncObject(name string) *SyncObject {
	return &SyncObject{name: name}
}

func (s *SyncObject) Name() string { return s.name }

func (s *SyncObject) grantable(mode basic.LockType) bool {
	if mode == basic.LockExclusive {
		return !s.exclusive && s.shared == 0
	}
	return !s.exclusive && s.exclusiveWaiters == 0
}

func (s *SyncObject) grant(mode basic.LockType) {
	if mode == basic.LockExclusive {
		s.exclusive = true
	} else {
		s.shared++
	}
}

// Lock blocks until the lock is granted in mode.
func (s *SyncObject) Lock(mode basic.LockType) {
	_ = s.LockTimeout(context.Background(), mode, 0)
}

// LockTimeout waits at most timeout (zero means forever) for the lock.
func (s *SyncObject) LockTimeout(ctx context.Context, mode basic.LockType, timeout time.Duration) error {
	if mode == basic.LockNone {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := false
	for {
		if s.grantable(mode) {
			if waiting {
				s.exclusiveWaiters--
			}
			s.grant(mode)
			return nil
		}
		if mode == basic.LockExclusive && !waiting {
			waiting = true
			s.exclusiveWaiters++
		}

		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return s.abandon(waiting, basic.ErrLockWaitTimeout)
			}
		}
		if err := s.event.WaitLocked(ctx, &s.mu, remaining); err != nil {
			if s.grantable(mode) {
				continue
			}
			return s.abandon(waiting, err)
		}
	}
}

func (s *SyncObject) abandon(waiting bool, err error) error {
	if waiting {
		s.exclusiveWaiters--
		// shared requests queued behind us may now proceed
		s.event.Broadcast()
	}
	return err
}

// TryLock grants the lock only if it is immediately available.
func (s *SyncObject) TryLock(mode basic.LockType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.grantable(mode) {
		return false
	}
	s.grant(mode)
	return true
}

// Unlock releases one hold, shared or exclusive.
func (s *SyncObject) Unlock() {
	s.mu.Lock()
	switch {
	case s.exclusive:
		s.exclusive = false
	case s.shared > 0:
		s.shared--
	default:
		s.mu.Unlock()
		panic(fmt.Sprintf("latch %s: unlock of unlocked object", s.name))
	}
	s.mu.Unlock()
	s.event.Broadcast()
}

// Downgrade turns an exclusive hold into a shared one.
func (s *SyncObject) Downgrade() {
	s.mu.Lock()
	if !s.exclusive {
		s.mu.Unlock()
		panic(fmt.Sprintf("latch %s: downgrade without exclusive hold", s.name))
	}
	s.exclusive = false
	s.shared++
	s.mu.Unlock()
	s.event.Broadcast()
}

// State reports the current holders, for diagnostics.
func (s *SyncObject) State() (shared int, exclusive bool, waiters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared, s.exclusive, s.exclusiveWaiters
}
