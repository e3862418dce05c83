package engine

import (
	"context"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mdl"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
)

// Connection is one host session: at most one open transaction and the
// metadata locks the session holds.
type Connection struct {
	e     *Engine
	id    uint64
	ctx   context.Context
	mdl   *mdl.Context
	trans *mvcc.Transaction

	noWait bool
}

// Connect opens a session. ctx bounds every wait of the session.
func (e *Engine) Connect(ctx context.Context) *Connection {
	if ctx == nil {
		ctx = context.Background()
	}
	id := atomic.AddUint64(&e.connIds, 1)
	return &Connection{e: e, id: id, ctx: ctx, mdl: e.mdl.NewContext(ctx, id)}
}

func (c *Connection) Id() uint64 { return c.id }

// Transaction returns the open transaction, or nil.
func (c *Connection) Transaction() *mvcc.Transaction { return c.trans }

// SetNoWait makes writers of the session fail at once on a locked row.
func (c *Connection) SetNoWait(noWait bool) {
	c.noWait = noWait
	if c.trans != nil {
		c.trans.SetNoWait(noWait)
	}
}

// Begin starts a transaction at the given isolation level.
func (c *Connection) Begin(isolation basic.Isolation) error {
	if c.trans != nil {
		return basic.Errorf(basic.KindInvalidState, "Begin", "connection %d already runs transaction %d", c.id, c.trans.Id)
	}
	c.trans = c.e.mvcc.Begin(c.ctx, isolation)
	c.trans.SetNoWait(c.noWait)
	return nil
}

func (c *Connection) current(op string) (*mvcc.Transaction, error) {
	if c.trans == nil {
		return nil, basic.Errorf(basic.KindInvalidState, op, "connection %d has no transaction", c.id)
	}
	return c.trans, nil
}

// Commit commits the open transaction. On failure the transaction stays
// open and must be rolled back.
func (c *Connection) Commit() error {
	t, err := c.current("Commit")
	if err != nil {
		return err
	}
	if err := t.Commit(); err != nil {
		return err
	}
	c.trans = nil
	return nil
}

// Rollback undoes the open transaction. Without one it does nothing.
func (c *Connection) Rollback() error {
	t := c.trans
	if t == nil {
		return nil
	}
	c.trans = nil
	return t.Rollback()
}

// Prepare is the first phase of a two-phase commit under branch id xid.
func (c *Connection) Prepare(xid []byte) error {
	t, err := c.current("Prepare")
	if err != nil {
		return err
	}
	return t.Prepare(xid)
}

func (c *Connection) SetSavepoint() (int32, error) {
	t, err := c.current("SetSavepoint")
	if err != nil {
		return 0, err
	}
	return t.SetSavepoint()
}

func (c *Connection) ReleaseSavepoint(id int32) error {
	t, err := c.current("ReleaseSavepoint")
	if err != nil {
		return err
	}
	return t.ReleaseSavepoint(id)
}

// RollbackToSavepoint undoes the changes made since savepoint id.
func (c *Connection) RollbackToSavepoint(id int32) error {
	t, err := c.current("RollbackToSavepoint")
	if err != nil {
		return err
	}
	return t.RollbackSavepoint(id)
}

// Kill interrupts every wait of the open transaction.
func (c *Connection) Kill() {
	if t := c.trans; t != nil {
		t.Kill()
	}
}

// AcquireMetadata takes a metadata lock on key. A shared request that
// has to back off releases every lock the session holds, waits, and tries
// again; the caller re-acquires what it released.
func (c *Connection) AcquireMetadata(key mdl.Key, typ mdl.RequestType) (*mdl.Request, error) {
	req := mdl.NewRequest(key, typ)
	if typ == mdl.Exclusive {
		return req, c.mdl.AcquireExclusive(req)
	}
	for {
		retry, err := c.mdl.AcquireShared(req)
		if err != nil {
			return nil, err
		}
		if !retry {
			return req, nil
		}
		if held := len(c.mdl.Requests()); held > 0 {
			logger.Warnf("connection %d backs off on %s, releasing %d metadata locks", c.id, key, held)
		}
		c.mdl.ReleaseAll()
		if err := c.mdl.WaitForLocks(); err != nil {
			return nil, err
		}
	}
}

func (c *Connection) ReleaseMetadata(req *mdl.Request) { c.mdl.Release(req) }

// UpgradeMetadata turns the session's shared-upgradable lock on key into
// an exclusive one.
func (c *Connection) UpgradeMetadata(key mdl.Key) error { return c.mdl.Upgrade(key) }

func (c *Connection) DowngradeMetadata() { c.mdl.Downgrade() }

func (c *Connection) ReleaseExclusiveMetadata() { c.mdl.ReleaseExclusives() }

func (c *Connection) SetCachedObject(key mdl.Key, obj interface{}, release func(interface{})) error {
	return c.mdl.SetCachedObject(key, obj, release)
}

func (c *Connection) GetCachedObject(key mdl.Key) interface{} {
	return c.e.mdl.GetCachedObject(key)
}

// AcquireGlobalShared blocks schema changes of other sessions.
func (c *Connection) AcquireGlobalShared() error { return c.mdl.AcquireGlobalShared() }

func (c *Connection) ReleaseGlobalShared() { c.mdl.ReleaseGlobalShared() }

// Close rolls back the open transaction and drops every metadata lock.
func (c *Connection) Close() error {
	err := c.Rollback()
	c.mdl.ReleaseAll()
	c.mdl.ReleaseGlobalShared()
	return err
}
