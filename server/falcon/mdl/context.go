package mdl

import (
	"context"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// Context 每个连接的 MDL 上下文. A Context is used by one goroutine at a
// time.
type Context struct {
	mgr      *Manager
	ctx      context.Context
	owner    uint64
	requests []*Request // 已授予的请求
	global   bool

	// set when AcquireShared asks for a retry
	blockedOn     *Request
	blockedGlobal bool

	// Nudge is called, with the manager locked, when another context waits
	// for a lock this context holds. It must not call back into the manager.
	Nudge func()
}

// Owner 返回上下文所有者
func (c *Context) Owner() uint64 { return c.owner }

// Requests returns the granted requests.
func (c *Context) Requests() []*Request {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	return append([]*Request(nil), c.requests...)
}

func (c *Context) cancelled(op string) error {
	if err := c.ctx.Err(); err != nil {
		return basic.NewError(basic.KindCancelled, op, err)
	}
	return nil
}

// ownIntention counts this context's intention-exclusive holds.
func (c *Context) ownIntention() int {
	n := 0
	for _, r := range c.requests {
		if needsIntention(r.Type) {
			n++
		}
	}
	return n
}

func (c *Context) globalBlocks() bool {
	g := &c.mgr.global
	return !c.global && (g.shared > 0 || g.sharedWaiters > 0)
}

func (c *Context) sharedGrantable(e *lockEntry, req *Request) bool {
	if !e.sharedGrantable(c) {
		return false
	}
	if req.Type == SharedUpgradable {
		for _, r := range e.activeShared {
			if r.owner != c && r.Type == SharedUpgradable {
				return false
			}
		}
	}
	return true
}

// AcquireShared tries to grant a shared or shared-upgradable request. When
// it is blocked by an exclusive, an upgrader or the global lock, nothing is
// installed and retry is true: the caller must release every MDL lock it
// holds, call WaitForLocks and try again.
func (c *Context) AcquireShared(req *Request) (retry bool, err error) {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.state == stateAcquired {
		return false, nil
	}
	if err := c.cancelled("AcquireShared"); err != nil {
		return false, err
	}
	if req.Type == Exclusive {
		return false, basic.Errorf(basic.KindInvalidState, "AcquireShared", "%s is an exclusive request", req.Key)
	}
	req.owner = c
	if needsIntention(req.Type) && c.globalBlocks() {
		c.blockedGlobal = true
		return true, nil
	}

	e := m.findOrCreate(req.Key)
	if !c.sharedGrantable(e, req) {
		if e.refs == 0 {
			e.refs++
			m.detach(e)
		}
		c.blockedOn = req
		if logger.DebugEnabled(logger.DebugMDL) {
			logger.Debugf("mdl: owner %d backs off on %s", c.owner, req.Key)
		}
		return true, nil
	}

	e.refs++
	e.activeShared = append(e.activeShared, req)
	req.entry = e
	req.state = stateAcquired
	if needsIntention(req.Type) {
		m.global.intentionExclusive++
	}
	c.requests = append(c.requests, req)
	return false, nil
}

// WaitForLocks waits until the request that made AcquireShared ask for a
// retry could be granted. The caller holds no MDL locks.
func (c *Context) WaitForLocks() error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		c.blockedOn = nil
		c.blockedGlobal = false
	}()
	for {
		ready := true
		if c.blockedGlobal && c.globalBlocks() {
			ready = false
		}
		if req := c.blockedOn; req != nil {
			if e := m.find(req.Key); e != nil && !c.sharedGrantable(e, req) {
				ready = false
			}
		}
		if ready {
			return nil
		}
		if err := m.wait(c); err != nil {
			return err
		}
	}
}

func (c *Context) nudgeHolders(e *lockEntry, nudged map[*Context]bool) {
	for _, list := range [][]*Request{e.activeShared, e.activeSharedUpgrade, e.activeExclusive} {
		for _, r := range list {
			if r.owner != c && !nudged[r.owner] {
				nudged[r.owner] = true
				if r.owner.Nudge != nil {
					r.owner.Nudge()
				}
			}
		}
	}
}

// AcquireExclusive grants every request exclusively, all at once. Pending
// requests block new shared requests on their keys. On cancellation or
// timeout every pending request is removed and reset.
func (c *Context) AcquireExclusive(reqs ...*Request) error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := c.cancelled("AcquireExclusive"); err != nil {
		return err
	}
	for c.globalBlocks() {
		if err := m.wait(c); err != nil {
			return err
		}
	}

	var pending []*Request
	for _, req := range reqs {
		if req.state == stateAcquired {
			if req.Type == Exclusive {
				continue
			}
			return basic.Errorf(basic.KindInvalidState, "AcquireExclusive", "%s is held shared, use Upgrade", req.Key)
		}
		e := m.findOrCreate(req.Key)
		e.refs++
		e.waitingExclusive = append(e.waitingExclusive, req)
		req.owner = c
		req.Type = Exclusive
		req.entry = e
		req.state = statePending
		m.global.intentionExclusive++
		pending = append(pending, req)
	}
	if len(pending) == 0 {
		return nil
	}

	nudged := make(map[*Context]bool)
	for {
		grantable := true
		for _, req := range pending {
			if !req.entry.exclusiveGrantable(c) {
				grantable = false
				c.nudgeHolders(req.entry, nudged)
			}
		}
		if grantable {
			break
		}
		if err := m.wait(c); err != nil {
			for _, req := range pending {
				e := req.entry
				e.waitingExclusive, _ = removeRequest(e.waitingExclusive, req)
				m.global.intentionExclusive--
				m.detach(e)
				req.reset()
			}
			m.event.Broadcast()
			return err
		}
	}

	for _, req := range pending {
		e := req.entry
		e.waitingExclusive, _ = removeRequest(e.waitingExclusive, req)
		e.activeExclusive = append(e.activeExclusive, req)
		e.releaseCached()
		req.state = stateAcquired
		c.requests = append(c.requests, req)
	}
	if logger.DebugEnabled(logger.DebugMDL) {
		logger.Debugf("mdl: owner %d acquired %d exclusive locks", c.owner, len(pending))
	}
	return nil
}

func (c *Context) held(key Key) *Request {
	key = key.normalized()
	for _, r := range c.requests {
		if r.Key == key && r.state == stateAcquired {
			return r
		}
	}
	return nil
}

// Upgrade turns this context's shared request on key into an exclusive
// one. While it waits no new shared request is granted on key.
func (c *Context) Upgrade(key Key) error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	req := c.held(key)
	if req == nil {
		return errNotHeld
	}
	if req.Type == Exclusive {
		return nil
	}
	if err := c.cancelled("Upgrade"); err != nil {
		return err
	}
	if req.Type == Shared {
		for c.globalBlocks() {
			if err := m.wait(c); err != nil {
				return err
			}
		}
		m.global.intentionExclusive++
	}
	from := req.Type

	e := req.entry
	e.activeShared, _ = removeRequest(e.activeShared, req)
	e.activeSharedUpgrade = append(e.activeSharedUpgrade, req)
	nudged := make(map[*Context]bool)
	for !e.exclusiveGrantable(c) {
		c.nudgeHolders(e, nudged)
		if err := m.wait(c); err != nil {
			e.activeSharedUpgrade, _ = removeRequest(e.activeSharedUpgrade, req)
			e.activeShared = append(e.activeShared, req)
			if from == Shared {
				m.global.intentionExclusive--
			}
			m.event.Broadcast()
			return err
		}
	}
	e.activeSharedUpgrade, _ = removeRequest(e.activeSharedUpgrade, req)
	e.activeExclusive = append(e.activeExclusive, req)
	req.Type = Exclusive
	e.releaseCached()
	return nil
}

// Downgrade turns every exclusive request into a shared-upgradable one.
func (c *Context) Downgrade() {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, req := range c.requests {
		if req.Type != Exclusive {
			continue
		}
		e := req.entry
		e.activeExclusive, _ = removeRequest(e.activeExclusive, req)
		e.activeShared = append(e.activeShared, req)
		req.Type = SharedUpgradable
		changed = true
	}
	if changed {
		m.event.Broadcast()
	}
}

// release detaches one granted request. Caller holds the manager mutex.
func (c *Context) release(req *Request) {
	m := c.mgr
	e := req.entry
	var wasShared bool
	e.activeShared, wasShared = removeRequest(e.activeShared, req)
	if !wasShared {
		var upgrading bool
		e.activeSharedUpgrade, upgrading = removeRequest(e.activeSharedUpgrade, req)
		wasShared = upgrading
		if !upgrading {
			e.activeExclusive, _ = removeRequest(e.activeExclusive, req)
		}
	}
	if needsIntention(req.Type) {
		m.global.intentionExclusive--
	}
	if wasShared && len(e.activeShared) == 0 && len(e.activeSharedUpgrade) == 0 {
		e.releaseCached()
	}
	m.detach(e)
	req.reset()
}

// ReleaseAll releases every lock of this context, the global lock included.
func (c *Context) ReleaseAll() {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range c.requests {
		c.release(req)
	}
	c.requests = nil
	if c.global {
		m.global.shared--
		c.global = false
	}
	m.event.Broadcast()
}

// ReleaseExclusives releases only the exclusive requests.
func (c *Context) ReleaseExclusives() {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := c.requests[:0]
	for _, req := range c.requests {
		if req.Type == Exclusive {
			c.release(req)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(c.requests); i++ {
		c.requests[i] = nil
	}
	c.requests = kept
	m.event.Broadcast()
}

// Release releases a single granted request.
func (c *Context) Release(req *Request) {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range c.requests {
		if r == req {
			c.release(req)
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			m.event.Broadcast()
			return
		}
	}
}

// SetCachedObject stores obj next to key. The context must hold key
// exclusively or shared-upgradable. release fires when the object is
// replaced, when the key is next acquired exclusively, or when its last
// shared holder leaves.
func (c *Context) SetCachedObject(key Key, obj interface{}, release func(interface{})) error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	req := c.held(key)
	if req == nil || !needsIntention(req.Type) {
		return errNotHeld
	}
	req.entry.releaseCached()
	req.entry.cached = obj
	req.entry.release = release
	return nil
}

// AcquireGlobalShared blocks until no other context holds an
// upgradable or exclusive lock, then holds the global lock shared.
func (c *Context) AcquireGlobalShared() error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.global {
		return nil
	}
	m.global.sharedWaiters++
	for m.global.intentionExclusive-c.ownIntention() > 0 {
		if err := m.wait(c); err != nil {
			m.global.sharedWaiters--
			m.event.Broadcast()
			return err
		}
	}
	m.global.sharedWaiters--
	m.global.shared++
	c.global = true
	return nil
}

// ReleaseGlobalShared 释放全局共享锁
func (c *Context) ReleaseGlobalShared() {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.global {
		return
	}
	m.global.shared--
	c.global = false
	m.event.Broadcast()
}
