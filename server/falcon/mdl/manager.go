package mdl

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
)

const defaultBuckets = 256

// globalLock is the process-wide lock taken shared by backups and
// "flush tables with read lock". Upgradable and exclusive requests hold it
// in intention-exclusive mode.
type globalLock struct {
	shared             int
	sharedWaiters      int
	intentionExclusive int
}

// Manager MDL 管理器. All state is guarded by mu and every change that can
// unblock a waiter broadcasts event.
type Manager struct {
	mu      sync.Mutex
	event   latch.Event
	buckets []*lockEntry
	entries int
	global  globalLock
	timeout time.Duration
}

// NewManager creates a manager whose waits time out after lockWaitTimeout
// (zero waits forever).
func NewManager(lockWaitTimeout time.Duration) *Manager {
	return &Manager{
		buckets: make([]*lockEntry, defaultBuckets),
		timeout: lockWaitTimeout,
	}
}

func (m *Manager) bucketOf(hash uint64) int {
	return int(hash & uint64(len(m.buckets)-1))
}

func (m *Manager) find(key Key) *lockEntry {
	h := key.hash()
	for e := m.buckets[m.bucketOf(h)]; e != nil; e = e.next {
		if e.hash == h && e.key == key {
			return e
		}
	}
	return nil
}

func (m *Manager) findOrCreate(key Key) *lockEntry {
	if e := m.find(key); e != nil {
		return e
	}
	h := key.hash()
	slot := m.bucketOf(h)
	e := &lockEntry{key: key, hash: h, next: m.buckets[slot]}
	m.buckets[slot] = e
	m.entries++
	return e
}

// detach drops one reference and unlinks the entry when it was the last.
func (m *Manager) detach(e *lockEntry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	e.releaseCached()
	slot := m.bucketOf(e.hash)
	for p := &m.buckets[slot]; *p != nil; p = &(*p).next {
		if *p == e {
			*p = e.next
			m.entries--
			return
		}
	}
}

func needsIntention(t RequestType) bool {
	return t == SharedUpgradable || t == Exclusive
}

// NewContext creates the lock context of one connection. ctx carries the
// connection's cancellation; owner is an id shown by Lockers.
func (m *Manager) NewContext(ctx context.Context, owner uint64) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{mgr: m, ctx: ctx, owner: owner}
}

// TryExclusive grants req only if nobody has ever attached to its key. It
// never blocks and touches nothing but its own key.
func (m *Manager) TryExclusive(c *Context, req *Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.state != stateInitialized || m.global.shared > 0 || m.global.sharedWaiters > 0 {
		return false
	}
	if m.find(req.Key) != nil {
		return false
	}
	e := m.findOrCreate(req.Key)
	req.owner = c
	req.Type = Exclusive
	req.entry = e
	req.state = stateAcquired
	e.refs++
	e.activeExclusive = append(e.activeExclusive, req)
	m.global.intentionExclusive++
	c.requests = append(c.requests, req)
	return true
}

// GetCachedObject returns the object cached next to key.
func (m *Manager) GetCachedObject(key Key) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(key.normalized()); e != nil {
		return e.cached
	}
	return nil
}

// Lockers lists every request attached to key.
func (m *Manager) Lockers(key Key) []LockerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(key.normalized())
	if e == nil {
		return nil
	}
	var out []LockerInfo
	add := func(list []*Request, state string) {
		for _, r := range list {
			out = append(out, LockerInfo{Key: e.key, Owner: r.owner.owner, Type: r.Type, State: state})
		}
	}
	add(e.activeShared, "ACTIVE_SHARED")
	add(e.activeSharedUpgrade, "WAITING_UPGRADE")
	add(e.activeExclusive, "ACTIVE_EXCLUSIVE")
	add(e.waitingExclusive, "WAITING_EXCLUSIVE")
	return out
}

// Entries is the number of keys with attached requests.
func (m *Manager) Entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}

// checkEntries verifies that no key is held exclusively by one owner and
// shared by another.
func (m *Manager) checkEntries() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			for _, x := range e.activeExclusive {
				if hasOtherOwner(e.activeExclusive, x.owner) {
					return errors.Errorf("%s: exclusive holders with different owners", e.key)
				}
				if hasOtherOwner(e.activeShared, x.owner) || hasOtherOwner(e.activeSharedUpgrade, x.owner) {
					return errors.Errorf("%s: exclusive and shared by different owners", e.key)
				}
			}
		}
	}
	return nil
}

func (m *Manager) wait(c *Context) error {
	err := m.event.WaitLocked(c.ctx, &m.mu, m.timeout)
	if err != nil && logger.DebugEnabled(logger.DebugMDL) {
		logger.Debugf("mdl: owner %d gave up waiting: %v", c.owner, err)
	}
	return err
}

var errNotHeld = basic.Errorf(basic.KindInvalidState, "mdl", "lock not held by this context")
