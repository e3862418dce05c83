package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/conf"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mdl"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

func testConfig(dir string) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataDir = dir
	cfg.SerialLogDir = filepath.Join(dir, "log")
	cfg.PageSize = 4096
	cfg.PageCacheSize = 256
	cfg.SectorCount = 8
	cfg.SerialLogBlockSize = 65536
	cfg.SerialLogWindowSize = 262144
	cfg.SerialLogFileSize = 4 << 20
	cfg.SerialLogFsync = false
	cfg.CheckpointInterval = 0
	cfg.ScavengeInterval = 0
	cfg.CycleInterval = 10 * time.Millisecond
	cfg.LockWaitTimeout = 2 * time.Second
	return cfg
}

func openEngine(t *testing.T, cfg *conf.Cfg) *Engine {
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// crash stops e the way a killed process would: nothing is checkpointed
// and dirty pages are lost.
func crash(e *Engine) {
	if atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		e.halt()
	}
}

func order(id, qty int64) tuple.Row {
	return tuple.Row{tuple.Int(id), tuple.Int(qty)}
}

func createOrders(t *testing.T, e *Engine) *Table {
	tbl, err := e.CreateTable("shop", "Orders", "")
	require.NoError(t, err)
	return tbl
}

func begin(t *testing.T, e *Engine, iso basic.Isolation) *Connection {
	c := e.Connect(context.Background())
	require.NoError(t, c.Begin(iso))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func insertCommitted(t *testing.T, e *Engine, tbl *Table, rows ...tuple.Row) []basic.RecordNumber {
	c := begin(t, e, basic.ConsistentRead)
	var rns []basic.RecordNumber
	for _, r := range rows {
		rn, err := c.Insert(tbl, r)
		require.NoError(t, err)
		rns = append(rns, rn)
	}
	require.NoError(t, c.Commit())
	return rns
}

func TestInsertCommitRead(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)

	c := begin(t, e, basic.ConsistentRead)
	rn, err := c.Insert(tbl, order(1, 10))
	require.NoError(t, err)
	assert.Equal(t, basic.RecordNumber(0), rn)
	require.NoError(t, c.Commit())

	r := begin(t, e, basic.ConsistentRead)
	row, err := r.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 10), row)

	_, err = r.Fetch(tbl, 1)
	assert.True(t, basic.IsKind(err, basic.KindRecordNotFound))
}

func TestNegativeRecordNumber(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)
	insertCommitted(t, e, tbl, order(1, 10))

	c := begin(t, e, basic.ConsistentRead)
	for _, rn := range []basic.RecordNumber{-1, -5, -1 << 31} {
		_, err := c.Fetch(tbl, rn)
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound), "fetch %d: %v", rn, err)
		_, err = c.FetchForUpdate(tbl, rn)
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound), "fetch for update %d: %v", rn, err)
		err = c.Update(tbl, rn, order(1, 1))
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound), "update %d: %v", rn, err)
		err = c.Delete(tbl, rn)
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound), "delete %d: %v", rn, err)
	}

	row, err := c.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 10), row)
	require.NoError(t, c.Commit())
}

func TestDirtyReadDenied(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)
	insertCommitted(t, e, tbl, order(1, 10))

	w := begin(t, e, basic.ConsistentRead)
	require.NoError(t, w.Update(tbl, 0, order(1, 11)))

	for _, iso := range []basic.Isolation{basic.ReadCommitted, basic.ConsistentRead} {
		r := begin(t, e, iso)
		row, err := r.Fetch(tbl, 0)
		require.NoError(t, err)
		assert.Equal(t, order(1, 10), row, "isolation %v", iso)
	}

	own, err := w.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 11), own)
}

func TestWriteWriteConflict(t *testing.T) {
	t.Run("不等待", func(t *testing.T) {
		e := openEngine(t, testConfig(t.TempDir()))
		tbl := createOrders(t, e)
		insertCommitted(t, e, tbl, order(1, 10))

		t1 := begin(t, e, basic.ConsistentRead)
		require.NoError(t, t1.Update(tbl, 0, order(1, 11)))

		t2 := begin(t, e, basic.ConsistentRead)
		t2.SetNoWait(true)
		err := t2.Update(tbl, 0, order(1, 12))
		require.Error(t, err)
		assert.True(t, mvcc.IsLocked(err))
		assert.True(t, basic.IsConflict(err))

		require.NoError(t, t1.Rollback())
		require.NoError(t, t2.Update(tbl, 0, order(1, 12)))
		require.NoError(t, t2.Commit())

		r := begin(t, e, basic.ConsistentRead)
		row, err := r.Fetch(tbl, 0)
		require.NoError(t, err)
		assert.Equal(t, order(1, 12), row)
	})

	t.Run("wait for rollback", func(t *testing.T) {
		e := openEngine(t, testConfig(t.TempDir()))
		tbl := createOrders(t, e)
		insertCommitted(t, e, tbl, order(1, 10))

		t1 := begin(t, e, basic.ConsistentRead)
		require.NoError(t, t1.Update(tbl, 0, order(1, 11)))

		t2 := begin(t, e, basic.ConsistentRead)
		done := make(chan error, 1)
		go func() { done <- t2.Update(tbl, 0, order(1, 12)) }()

		select {
		case err := <-done:
			t.Fatalf("update returned before the holder finished: %v", err)
		case <-time.After(100 * time.Millisecond):
		}
		require.NoError(t, t1.Rollback())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("update still waiting after rollback")
		}
		require.NoError(t, t2.Commit())

		r := begin(t, e, basic.ReadCommitted)
		row, err := r.Fetch(tbl, 0)
		require.NoError(t, err)
		assert.Equal(t, order(1, 12), row)
	})

	t.Run("holder commits", func(t *testing.T) {
		e := openEngine(t, testConfig(t.TempDir()))
		tbl := createOrders(t, e)
		insertCommitted(t, e, tbl, order(1, 10))

		t2 := begin(t, e, basic.ConsistentRead)
		_, err := t2.Fetch(tbl, 0)
		require.NoError(t, err)

		t1 := begin(t, e, basic.ConsistentRead)
		require.NoError(t, t1.Update(tbl, 0, order(1, 11)))
		require.NoError(t, t1.Commit())

		// t2's snapshot predates t1's commit
		err = t2.Update(tbl, 0, order(1, 12))
		assert.True(t, basic.IsConflict(err))
	})
}

func TestRollbackToSavepoint(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)

	c := begin(t, e, basic.ConsistentRead)
	rn, err := c.Insert(tbl, order(1, 10))
	require.NoError(t, err)
	require.Equal(t, basic.RecordNumber(0), rn)

	sp, err := c.SetSavepoint()
	require.NoError(t, err)
	rn, err = c.Insert(tbl, order(2, 20))
	require.NoError(t, err)
	require.Equal(t, basic.RecordNumber(1), rn)
	require.NoError(t, c.Update(tbl, 0, order(1, 15)))

	require.NoError(t, c.RollbackToSavepoint(sp))
	_, err = c.Fetch(tbl, 1)
	assert.True(t, basic.IsKind(err, basic.KindRecordNotFound))
	row, err := c.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 10), row)
	require.NoError(t, c.Commit())

	r := begin(t, e, basic.ConsistentRead)
	rows, err := r.Scan(tbl, "", Range{})
	require.NoError(t, err)
	assert.Equal(t, []tuple.Row{order(1, 10)}, rows.Rows())

	assert.Error(t, c.RollbackToSavepoint(sp), "no transaction is open")
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e := openEngine(t, cfg)
	tbl := createOrders(t, e)

	insertCommitted(t, e, tbl, order(1, 10))

	t2 := e.Connect(context.Background())
	require.NoError(t, t2.Begin(basic.ConsistentRead))
	rn, err := t2.Insert(tbl, order(2, 20))
	require.NoError(t, err)
	require.Equal(t, basic.RecordNumber(1), rn)

	crash(e)

	e = openEngine(t, cfg)
	tbl, err = e.Table("shop", "orders")
	require.NoError(t, err)

	r := begin(t, e, basic.ConsistentRead)
	row, err := r.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 10), row)
	_, err = r.Fetch(tbl, 1)
	assert.True(t, basic.IsKind(err, basic.KindRecordNotFound))

	// the engine keeps working after recovery
	rns := insertCommitted(t, e, tbl, order(3, 30))
	r2 := begin(t, e, basic.ReadCommitted)
	row, err = r2.Fetch(tbl, rns[0])
	require.NoError(t, err)
	assert.Equal(t, order(3, 30), row)
}

func TestReopenKeepsCatalog(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e := openEngine(t, cfg)

	_, err := e.CreateTableSpace("users", "users.fts")
	require.NoError(t, err)
	tbl, err := e.CreateTable("shop", "accounts", "users")
	require.NoError(t, err)
	_, err = e.CreateIndex("shop", "accounts", "by_qty", []int{1}, false)
	require.NoError(t, err)
	insertCommitted(t, e, tbl, order(1, 10), order(2, 20), order(3, 5))
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	info, err := e.GetInfo("SHOP", "ACCOUNTS")
	require.NoError(t, err)
	assert.Equal(t, "accounts", info.Name)
	assert.Equal(t, 3, info.Records)
	require.Len(t, info.Indexes, 1)
	assert.Equal(t, "by_qty", info.Indexes[0].Name)
	assert.Equal(t, []int{1}, info.Indexes[0].Columns)
	assert.Equal(t, 3, info.Indexes[0].Entries)

	tbl, err = e.Table("shop", "accounts")
	require.NoError(t, err)
	r := begin(t, e, basic.ConsistentRead)
	cur, err := r.Scan(tbl, "by_qty", Range{})
	require.NoError(t, err)
	assert.Equal(t, []tuple.Row{order(3, 5), order(1, 10), order(2, 20)}, cur.Rows())

	// new ids do not collide with the ones handed out before
	other, err := e.CreateTable("shop", "other", "")
	require.NoError(t, err)
	assert.NotEqual(t, tbl.Id, other.Id)
}

func TestCreateTableErrors(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	createOrders(t, e)

	_, err := e.CreateTable("SHOP", "orders", "")
	assert.True(t, basic.IsKind(err, basic.KindTableExists))

	_, err = e.CreateTable("shop", "x", "nowhere")
	assert.True(t, basic.IsKind(err, basic.KindTableSpaceNotFound))

	_, err = e.Table("shop", "missing")
	assert.True(t, basic.IsKind(err, basic.KindTableNotFound))
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e := openEngine(t, cfg)
	tbl := createOrders(t, e)
	_, err := e.CreateIndex("shop", "orders", "by_id", []int{0}, true)
	require.NoError(t, err)
	insertCommitted(t, e, tbl, order(1, 10))

	err = e.DropTable("shop", "orders", false)
	assert.True(t, basic.IsKind(err, basic.KindTableNotEmpty))

	require.NoError(t, e.DropTable("shop", "orders", true))
	_, err = e.Table("shop", "orders")
	assert.True(t, basic.IsKind(err, basic.KindTableNotFound))

	c := begin(t, e, basic.ConsistentRead)
	_, err = c.Insert(tbl, order(2, 20))
	assert.True(t, basic.IsKind(err, basic.KindTableNotFound))
	require.NoError(t, c.Rollback())

	e.gopher.Drain()
	again := createOrders(t, e)
	r := begin(t, e, basic.ConsistentRead)
	cur, err := r.Scan(again, "", Range{})
	require.NoError(t, err)
	assert.Zero(t, cur.Len())
	require.NoError(t, r.Commit())

	_, err = e.CreateTable("shop", "empty", "")
	require.NoError(t, err)
	require.NoError(t, e.DropTable("shop", "empty", false))
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	_, err = e.Table("shop", "empty")
	assert.True(t, basic.IsKind(err, basic.KindTableNotFound))
	tbl, err = e.Table("shop", "orders")
	require.NoError(t, err)
	assert.Equal(t, again.Id, tbl.Id)
	assert.Empty(t, tbl.Indexes())
}

func TestUniqueIndex(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)
	_, err := e.CreateIndex("shop", "orders", "by_id", []int{0}, true)
	require.NoError(t, err)
	insertCommitted(t, e, tbl, order(1, 10))

	t.Run("已提交的重复键", func(t *testing.T) {
		c := begin(t, e, basic.ConsistentRead)
		_, err := c.Insert(tbl, order(1, 20))
		assert.True(t, basic.IsDuplicateKey(err))
		require.NoError(t, c.Rollback())
	})

	t.Run("pending duplicate", func(t *testing.T) {
		t1 := begin(t, e, basic.ConsistentRead)
		_, err := t1.Insert(tbl, order(2, 5))
		require.NoError(t, err)

		t2 := begin(t, e, basic.ConsistentRead)
		_, err = t2.Insert(tbl, order(2, 6))
		assert.True(t, basic.IsConflict(err))

		require.NoError(t, t1.Rollback())
		_, err = t2.Insert(tbl, order(2, 6))
		require.NoError(t, err)
		require.NoError(t, t2.Commit())
	})

	t.Run("update onto an existing key", func(t *testing.T) {
		c := begin(t, e, basic.ConsistentRead)
		err := c.Update(tbl, 0, order(2, 10))
		assert.True(t, basic.IsDuplicateKey(err))
		// keeping its own key is fine
		require.NoError(t, c.Update(tbl, 0, order(1, 99)))
		require.NoError(t, c.Commit())
	})

	t.Run("deleted key is free", func(t *testing.T) {
		c := begin(t, e, basic.ConsistentRead)
		require.NoError(t, c.Delete(tbl, 0))
		require.NoError(t, c.Commit())

		c2 := begin(t, e, basic.ConsistentRead)
		_, err := c2.Insert(tbl, order(1, 1))
		require.NoError(t, err)
		require.NoError(t, c2.Commit())
	})

	t.Run("build over duplicates", func(t *testing.T) {
		_, err := e.CreateIndex("shop", "orders", "by_qty", []int{1}, false)
		require.NoError(t, err)
		insertCommitted(t, e, tbl, order(7, 1))
		_, err = e.CreateIndex("shop", "orders", "uq_qty", []int{1}, true)
		assert.True(t, basic.IsDuplicateKey(err))
		assert.Nil(t, tbl.Index("uq_qty"))

		_, err = e.CreateIndex("shop", "orders", "by_qty", []int{1}, false)
		assert.True(t, basic.IsKind(err, basic.KindInvalidState))
	})
}

func TestIndexScan(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)
	_, err := e.CreateIndex("shop", "orders", "by_qty", []int{1}, false)
	require.NoError(t, err)
	insertCommitted(t, e, tbl, order(1, 30), order(2, 10), order(3, 20), order(4, 10))

	scan := func(c *Connection, r Range) []tuple.Row {
		cur, err := c.Scan(tbl, "by_qty", r)
		require.NoError(t, err)
		return cur.Rows()
	}

	reader := begin(t, e, basic.ConsistentRead)
	assert.Equal(t, []tuple.Row{order(2, 10), order(4, 10)}, scan(reader, Equal(tuple.Int(10))))
	assert.Equal(t, []tuple.Row{order(3, 20), order(1, 30)}, scan(reader, Range{Lower: tuple.Row{tuple.Int(15)}}))
	assert.Equal(t, []tuple.Row{order(2, 10), order(4, 10)}, scan(reader, Range{Upper: tuple.Row{tuple.Int(20)}}))
	assert.Equal(t, []tuple.Row{order(2, 10), order(4, 10), order(3, 20)},
		scan(reader, Range{Upper: tuple.Row{tuple.Int(20)}, Inclusive: true}))

	writer := begin(t, e, basic.ConsistentRead)
	require.NoError(t, writer.Update(tbl, 0, order(1, 5)))
	assert.Equal(t, []tuple.Row{order(1, 5), order(2, 10), order(4, 10), order(3, 20)}, scan(writer, Range{}))
	assert.Equal(t, []tuple.Row{order(2, 10), order(4, 10), order(3, 20), order(1, 30)}, scan(reader, Range{}))
	require.NoError(t, writer.Commit())
	e.gopher.Drain()

	fresh := begin(t, e, basic.ReadCommitted)
	assert.Equal(t, []tuple.Row{order(1, 5), order(2, 10), order(4, 10), order(3, 20)}, scan(fresh, Range{}))
	assert.Empty(t, scan(fresh, Equal(tuple.Int(30))))
	// the old snapshot still sees the old key
	assert.Equal(t, []tuple.Row{order(1, 30)}, scan(reader, Equal(tuple.Int(30))))

	_, err = fresh.Scan(tbl, "nope", Range{})
	assert.True(t, basic.IsKind(err, basic.KindIndexNotFound))

	require.NoError(t, e.DropIndex("shop", "orders", "by_qty"))
	_, err = fresh.Scan(tbl, "by_qty", Range{})
	assert.True(t, basic.IsKind(err, basic.KindIndexNotFound))
	err = e.DropIndex("shop", "orders", "by_qty")
	assert.True(t, basic.IsKind(err, basic.KindIndexNotFound))
}

func TestIndexKeyOverflow(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl, err := e.CreateTable("shop", "notes", "")
	require.NoError(t, err)
	_, err = e.CreateIndex("shop", "notes", "by_body", []int{0}, false)
	require.NoError(t, err)

	c := begin(t, e, basic.ConsistentRead)
	big := make([]byte, 4096)
	_, err = c.Insert(tbl, tuple.Row{tuple.Bytes(big)})
	assert.True(t, basic.IsKind(err, basic.KindIndexOverflow))
}

func TestTableSpaces(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, testConfig(dir))

	row, err := e.CreateTableSpace("users", "users.fts")
	require.NoError(t, err)
	assert.NotEqual(t, basic.SystemTableSpaceId, row.Id)
	_, err = e.CreateTableSpace("users", "users2.fts")
	assert.True(t, basic.IsKind(err, basic.KindTableSpaceExists))

	var names []string
	for _, r := range e.TableSpaces() {
		names = append(names, r.Filename)
	}
	assert.Contains(t, names, "users.fts")

	tbl, err := e.CreateTable("shop", "accounts", "users")
	require.NoError(t, err)
	assert.Equal(t, row.Id, tbl.Space)
	insertCommitted(t, e, tbl, order(1, 10))

	err = e.DropTableSpace("users")
	assert.True(t, basic.IsKind(err, basic.KindInvalidState))

	require.NoError(t, e.DropTable("shop", "accounts", true))
	require.NoError(t, e.DropTableSpace("users"))
	e.spaces.WaitDrops()
	_, err = os.Stat(filepath.Join(dir, "users.fts"))
	assert.True(t, os.IsNotExist(err))

	err = e.DropTableSpace("users")
	assert.True(t, basic.IsKind(err, basic.KindTableSpaceNotFound))
}

func TestInDoubt(t *testing.T) {
	prepare := func(t *testing.T, cfg *conf.Cfg) {
		e := openEngine(t, cfg)
		tbl := createOrders(t, e)
		insertCommitted(t, e, tbl, order(1, 10))

		c := e.Connect(context.Background())
		require.NoError(t, c.Begin(basic.ConsistentRead))
		rn, err := c.Insert(tbl, order(7, 70))
		require.NoError(t, err)
		require.Equal(t, basic.RecordNumber(1), rn)
		require.NoError(t, c.Prepare([]byte("xa-1")))
		crash(e)
	}

	t.Run("提交", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		prepare(t, cfg)

		e := openEngine(t, cfg)
		doubt := e.InDoubt()
		require.Len(t, doubt, 1)
		assert.Equal(t, []byte("xa-1"), doubt[0].Xid)
		assert.Equal(t, 1, e.Info().InDoubt)

		tbl, err := e.Table("shop", "orders")
		require.NoError(t, err)
		r := begin(t, e, basic.ReadCommitted)
		_, err = r.Fetch(tbl, 1)
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound))

		// the prepared record number stays reserved
		rns := insertCommitted(t, e, tbl, order(8, 80))
		assert.NotEqual(t, basic.RecordNumber(1), rns[0])

		assert.Error(t, e.CommitInDoubt([]byte("xa-2")))
		require.NoError(t, e.CommitInDoubt([]byte("xa-1")))
		assert.Empty(t, e.InDoubt())

		row, err := r.Fetch(tbl, 1)
		require.NoError(t, err)
		assert.Equal(t, order(7, 70), row)
		require.NoError(t, r.Commit())
		require.NoError(t, e.Close())

		e = openEngine(t, cfg)
		assert.Empty(t, e.InDoubt())
		tbl, err = e.Table("shop", "orders")
		require.NoError(t, err)
		r = begin(t, e, basic.ConsistentRead)
		row, err = r.Fetch(tbl, 1)
		require.NoError(t, err)
		assert.Equal(t, order(7, 70), row)
	})

	t.Run("回滚", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		prepare(t, cfg)

		e := openEngine(t, cfg)
		require.Len(t, e.InDoubt(), 1)
		require.NoError(t, e.RollbackInDoubt([]byte("xa-1")))
		assert.Empty(t, e.InDoubt())
		assert.Error(t, e.RollbackInDoubt([]byte("xa-1")))

		tbl, err := e.Table("shop", "orders")
		require.NoError(t, err)
		r := begin(t, e, basic.ConsistentRead)
		_, err = r.Fetch(tbl, 1)
		assert.True(t, basic.IsKind(err, basic.KindRecordNotFound))
		require.NoError(t, r.Commit())
		require.NoError(t, e.Close())

		e = openEngine(t, cfg)
		assert.Empty(t, e.InDoubt())
	})
}

func TestCheckpointThenCrash(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	tbl := createOrders(t, e)
	insertCommitted(t, e, tbl, order(1, 10), order(2, 20))
	e.gopher.Drain()
	require.NoError(t, e.Checkpoint())

	c := begin(t, e, basic.ConsistentRead)
	require.NoError(t, c.Update(tbl, 1, order(2, 21)))
	require.NoError(t, c.Delete(tbl, 0))
	require.NoError(t, c.Commit())
	crash(e)

	e = openEngine(t, cfg)
	tbl, err := e.Table("shop", "orders")
	require.NoError(t, err)
	r := begin(t, e, basic.ConsistentRead)
	cur, err := r.Scan(tbl, "", Range{})
	require.NoError(t, err)
	assert.Equal(t, []tuple.Row{order(2, 21)}, cur.Rows())

	info := e.Info()
	assert.Equal(t, 1, info.Tables)
	assert.Zero(t, info.InDoubt)
	assert.NotEmpty(t, info.TableSpaces)
}

func TestCheckpointDuringIndexChurn(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	tbl := createOrders(t, e)
	_, err := e.CreateIndex("shop", "orders", "by_qty", []int{1}, false)
	require.NoError(t, err)
	const rows = 16
	var initial []tuple.Row
	for i := int64(0); i < rows; i++ {
		initial = append(initial, order(i, i))
	}
	rns := insertCommitted(t, e, tbl, initial...)

	stop := make(chan struct{})
	failed := make(chan error, 1)
	done := make(chan struct{})
	var checkpoints int32
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := e.Checkpoint(); err != nil {
				failed <- err
				return
			}
			atomic.AddInt32(&checkpoints, 1)
		}
	}()

	final := make(map[basic.RecordNumber]int64)
	for round := int64(1); round <= 20; round++ {
		c := begin(t, e, basic.ConsistentRead)
		for i, rn := range rns {
			qty := round*100 + int64(i)
			require.NoError(t, c.Update(tbl, rn, order(int64(i), qty)))
			final[rn] = qty
		}
		require.NoError(t, c.Commit())
	}
	close(stop)
	<-done
	select {
	case err := <-failed:
		t.Fatalf("checkpoint: %v", err)
	default:
	}
	assert.Positive(t, atomic.LoadInt32(&checkpoints))
	crash(e)

	e = openEngine(t, cfg)
	tbl, err = e.Table("shop", "orders")
	require.NoError(t, err)
	r := begin(t, e, basic.ReadCommitted)
	for i, rn := range rns {
		cur, err := r.Scan(tbl, "by_qty", Equal(tuple.Int(final[rn])))
		require.NoError(t, err)
		assert.Equal(t, []tuple.Row{order(int64(i), final[rn])}, cur.Rows(), "record %d", rn)
	}
	cur, err := r.Scan(tbl, "by_qty", Range{})
	require.NoError(t, err)
	assert.Len(t, cur.Rows(), rows)
}

func TestPostCommitFailureHalts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	tbl := createOrders(t, e)

	c := begin(t, e, basic.ConsistentRead)
	_, err := c.Insert(tbl, order(1, 10))
	require.NoError(t, err)
	e.afterCommit(c.Transaction(), func(basic.TransId) error {
		return errors.New("disk went away")
	})
	require.NoError(t, c.Commit())

	require.Eventually(t, e.Halted, 5*time.Second, 10*time.Millisecond)
	err = e.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk went away")
	assert.Equal(t, err, e.Fault())

	// 提交记录已在日志中, 重启后恢复
	e = openEngine(t, cfg)
	assert.NoError(t, e.Fault())
	tbl, err = e.Table("shop", "orders")
	require.NoError(t, err)
	r := begin(t, e, basic.ConsistentRead)
	row, err := r.Fetch(tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, order(1, 10), row)
}

func TestConnectionTransactions(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	tbl := createOrders(t, e)
	c := e.Connect(context.Background())
	defer c.Close()

	assert.True(t, basic.IsKind(c.Commit(), basic.KindInvalidState))
	_, err := c.Insert(tbl, order(1, 1))
	assert.True(t, basic.IsKind(err, basic.KindInvalidState))
	assert.NoError(t, c.Rollback())

	require.NoError(t, c.Begin(basic.ReadCommitted))
	assert.Error(t, c.Begin(basic.ReadCommitted))
	assert.NotNil(t, c.Transaction())
	require.NoError(t, c.Commit())
	assert.Nil(t, c.Transaction())
}

func TestMetadataLocks(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	key := mdl.TableKey("shop", "orders")

	c1 := e.Connect(context.Background())
	c2 := e.Connect(context.Background())
	defer c2.Close()

	req, err := c1.AcquireMetadata(key, mdl.SharedUpgradable)
	require.NoError(t, err)
	require.NoError(t, c1.SetCachedObject(key, "definition", nil))
	assert.Equal(t, "definition", c2.GetCachedObject(key))

	done := make(chan error, 1)
	go func() {
		_, err := c2.AcquireMetadata(key, mdl.Exclusive)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("exclusive lock granted beside a shared one: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c1.ReleaseMetadata(req)
	require.NoError(t, c1.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive lock not granted")
	}
	c2.ReleaseExclusiveMetadata()
}
