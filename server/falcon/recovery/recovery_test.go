package recovery

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
)

type fakeApplier struct {
	loads   int
	dropped map[basic.TableSpaceId]bool
	records []*serial_log.UpdateRecords
	indexes []*serial_log.UpdateIndex
	deletes []*serial_log.DeleteIndex
}

func (a *fakeApplier) LoadTableSpaces(dropped map[basic.TableSpaceId]bool) error {
	a.loads++
	a.dropped = dropped
	return nil
}

func (a *fakeApplier) ApplyRecords(rec *serial_log.UpdateRecords) error {
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeApplier) ApplyIndex(rec *serial_log.UpdateIndex) error {
	a.indexes = append(a.indexes, rec)
	return nil
}

func (a *fakeApplier) DropIndex(rec *serial_log.DeleteIndex) error {
	a.deletes = append(a.deletes, rec)
	return nil
}

func (a *fakeApplier) transIds() []basic.TransId {
	var ids []basic.TransId
	for _, r := range a.records {
		ids = append(ids, r.TransId)
	}
	return ids
}

type env struct {
	log    *serial_log.SerialLog
	bp     *buffer_pool.BufferPool
	spaces *tablespace.Manager
	system *tablespace.TableSpace
	once   sync.Once
}

func open(t *testing.T, dir string) *env {
	sl, err := serial_log.Open(serial_log.Config{Dir: filepath.Join(dir, "log"), BlockSize: 4096, WindowSize: 16384, FileSize: 1 << 20})
	require.NoError(t, err)
	spaces := tablespace.NewManager(tablespace.Config{Dir: dir, PageSize: 1024, Checksums: true}, sl)
	bp, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{PageSize: 1024, Frames: 64, Writers: 1, Resolver: spaces, Log: sl})
	require.NoError(t, err)
	spaces.SetPool(bp)
	system, _, err := spaces.OpenSystem("master.fts")
	require.NoError(t, err)
	e := &env{log: sl, bp: bp, spaces: spaces, system: system}
	t.Cleanup(e.crash)
	return e
}

// crash stops everything without writing dirty pages.
func (e *env) crash() {
	e.once.Do(func() {
		e.bp.Close()
		_ = e.spaces.Close()
		_ = e.log.Close()
	})
}

func appendAll(t *testing.T, sl *serial_log.SerialLog, recs ...serial_log.Record) {
	for _, rec := range recs {
		_, _, err := sl.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, sl.Flush(sl.End()))
}

func update(tid basic.TransId, rn basic.RecordNumber, sp int32, data string) *serial_log.UpdateRecords {
	return &serial_log.UpdateRecords{
		TransId: tid, TableId: 1,
		Records: []serial_log.RecordData{{RecordNumber: rn, SavepointId: sp, Data: []byte(data)}},
	}
}

func TestTransactionOutcomes(t *testing.T) {
	dir := t.TempDir()
	first := open(t, dir)
	appendAll(t, first.log,
		&serial_log.BeginTransaction{TransId: 5},
		update(5, 1, 0, "five"),
		&serial_log.BeginTransaction{TransId: 6},
		update(6, 2, 0, "six"),
		&serial_log.Commit{TransId: 6},
		&serial_log.TransactionComplete{TransId: 6},
		update(7, 3, 0, "seven"),
		update(8, 4, 0, "eight"),
		&serial_log.Prepare{TransId: 8, Xid: []byte("xa-8")},
		update(9, 5, 0, "nine"),
		&serial_log.Rollback{TransId: 9},
		&serial_log.UpdateIndex{TransId: 5, IndexId: 3, Final: true, Entries: []serial_log.IndexEntry{{RecordNumber: 1, Key: []byte("k")}}},
		&serial_log.Commit{TransId: 5},
		&serial_log.Prepare{TransId: 11},
		&serial_log.Commit{TransId: 11},
		update(11, 7, 0, "late"),
		&serial_log.DeleteIndex{TransId: 12, IndexId: 4},
		&serial_log.Commit{TransId: 12},
	)
	first.crash()

	second := open(t, dir)
	apply := &fakeApplier{}
	res, err := NewDriver(second.log, second.spaces, second.bp, apply).Run()
	require.NoError(t, err)

	assert.Equal(t, 1, apply.loads)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, 1, res.RolledBack)
	assert.Equal(t, 1, res.Incomplete)
	assert.Equal(t, basic.TransId(13), res.NextTransId)

	// 5 committed before 11, 6 completed before the crash
	assert.Equal(t, []basic.TransId{5, 11}, apply.transIds())
	require.Len(t, apply.indexes, 1)
	assert.Equal(t, int32(3), apply.indexes[0].IndexId)
	require.Len(t, apply.deletes, 1)

	require.Len(t, res.InDoubt, 1)
	assert.Equal(t, basic.TransId(8), res.InDoubt[0].TransId)
	assert.Equal(t, []byte("xa-8"), res.InDoubt[0].Xid)
	require.Len(t, res.InDoubt[0].Records, 1)

	t.Run("checkpoint keeps in-doubt records", func(t *testing.T) {
		second.crash()
		third := open(t, dir)
		apply := &fakeApplier{}
		res, err := NewDriver(third.log, third.spaces, third.bp, apply).Run()
		require.NoError(t, err)
		assert.Empty(t, apply.records)
		require.Len(t, res.InDoubt, 1)
		assert.Equal(t, basic.TransId(8), res.InDoubt[0].TransId)
		assert.Equal(t, basic.TransId(13), res.NextTransId)
	})
}

func TestSavepointRollbackFiltersRecords(t *testing.T) {
	dir := t.TempDir()
	first := open(t, dir)
	appendAll(t, first.log,
		update(3, 1, 0, "base"),
		&serial_log.Savepoint{TransId: 3, SavepointId: 1},
		&serial_log.UpdateRecords{TransId: 3, TableId: 1, Chilled: true, Records: []serial_log.RecordData{
			{RecordNumber: 2, SavepointId: 1, Data: []byte("gone")},
			{RecordNumber: 1, SavepointId: 0, Data: []byte("kept")},
		}},
		&serial_log.SavepointRollback{TransId: 3, SavepointId: 1},
		update(3, 4, 2, "after"),
		&serial_log.Commit{TransId: 3},
	)
	first.crash()

	second := open(t, dir)
	apply := &fakeApplier{}
	_, err := NewDriver(second.log, second.spaces, second.bp, apply).Run()
	require.NoError(t, err)

	var rns []basic.RecordNumber
	for _, r := range apply.records {
		for _, rd := range r.Records {
			rns = append(rns, rd.RecordNumber)
		}
	}
	assert.Equal(t, []basic.RecordNumber{1, 1, 4}, rns)
}

func TestPageRedo(t *testing.T) {
	dir := t.TempDir()
	first := open(t, dir)
	require.NoError(t, first.bp.FlushAll())

	space := first.system.Space()
	block, err := space.AllocPage(basic.PageData, 2)
	require.NoError(t, err)
	pn := block.GetPageNo()
	copy(block.Frame[300:], "after the crash")
	require.NoError(t, space.Log(block, 2))
	first.bp.Release(block, basic.LockExclusive)
	require.NoError(t, first.log.Flush(first.log.End()))
	first.crash()

	second := open(t, dir)
	_, err = NewDriver(second.log, second.spaces, second.bp, &fakeApplier{}).Run()
	require.NoError(t, err)

	block, err = second.bp.Fetch(basic.SystemTableSpaceId, pn, basic.PageData, basic.LockShared)
	require.NoError(t, err)
	assert.Equal(t, "after the crash", string(block.Frame[300:315]))
	second.bp.Release(block, basic.LockShared)
	assert.NoError(t, second.system.Space().Validate())

	t.Run("二次恢复", func(t *testing.T) {
		second.crash()
		third := open(t, dir)
		res, err := NewDriver(third.log, third.spaces, third.bp, &fakeApplier{}).Run()
		require.NoError(t, err)
		assert.Zero(t, res.Pages)
	})
}

func TestTableSpaceRedo(t *testing.T) {
	dir := t.TempDir()
	first := open(t, dir)
	appendAll(t, first.log,
		&serial_log.CreateTableSpace{Id: 1, Name: "gone", Filename: "gone.fts", Kind: basic.TableSpaceData},
		&serial_log.CreateTableSpace{Id: 2, Name: "kept", Filename: "kept.fts", Kind: basic.TableSpaceData},
		&serial_log.DropTableSpace{Id: 1},
	)
	first.crash()

	second := open(t, dir)
	apply := &fakeApplier{}
	_, err := NewDriver(second.log, second.spaces, second.bp, apply).Run()
	require.NoError(t, err)
	assert.Equal(t, map[basic.TableSpaceId]bool{1: true}, apply.dropped)
	ts, err := second.spaces.FindTableSpace("kept")
	require.NoError(t, err)
	assert.Equal(t, basic.TableSpaceId(2), ts.Id)
	assert.NoFileExists(t, filepath.Join(dir, "gone.fts"))
}

func TestEmptyLog(t *testing.T) {
	e := open(t, t.TempDir())
	apply := &fakeApplier{}
	res, err := NewDriver(e.log, e.spaces, e.bp, apply).Run()
	require.NoError(t, err)
	assert.Equal(t, 1, apply.loads)
	assert.Equal(t, basic.TransId(1), res.NextTransId)
	assert.Empty(t, res.InDoubt)
}
