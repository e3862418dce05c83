package engine

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/recovery"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
)

// IndexInfo 索引信息
type IndexInfo struct {
	Name    string
	Columns []int
	Unique  bool
	Entries int
}

// TableInfo 表信息
type TableInfo struct {
	Schema     string
	Name       string
	Id         int32
	TableSpace string
	Slot       int
	Records    int   // committed records in the section
	Versions   int64 // record chains in memory
	Memory     int64
	Indexes    []IndexInfo
}

// GetInfo describes one table.
func (e *Engine) GetInfo(schema, name string) (*TableInfo, error) {
	tbl, err := e.Table(schema, name)
	if err != nil {
		return nil, err
	}
	info := &TableInfo{
		Schema:   tbl.Schema,
		Name:     tbl.Name,
		Id:       tbl.Id,
		Slot:     tbl.Slot(),
		Versions: tbl.data.Versions(),
		Memory:   tbl.data.Memory(),
	}
	if ts, err := e.spaces.GetTableSpace(tbl.Space); err == nil {
		info.TableSpace = ts.Name
	}
	if info.Records, err = tbl.sec.Count(); err != nil {
		return nil, err
	}
	for _, idx := range tbl.Indexes() {
		n, err := idx.tree.Count()
		if err != nil {
			return nil, errors.Wrapf(err, "index %s", idx.Name)
		}
		info.Indexes = append(info.Indexes, IndexInfo{Name: idx.Name, Columns: idx.Columns, Unique: idx.Unique, Entries: n})
	}
	return info, nil
}

// Info 引擎状态
type Info struct {
	BufferPool   buffer_pool.BufferPoolStats
	SerialLog    serial_log.Stats
	Transactions mvcc.Stats
	Cycles       cycle.Stats
	TableSpaces  []tablespace.Row
	Tables       int
	InDoubt      int
	MDLEntries   int

	GopherPending   int
	GopherSubmitted uint64
	GopherCompleted uint64
	GopherFailed    uint64

	SectorHits   uint64
	SectorMisses uint64
	Backlogged   int64
}

func (e *Engine) Info() Info {
	info := Info{
		BufferPool:    e.bp.Stats(),
		SerialLog:     e.log.Stats(),
		Transactions:  e.mvcc.Stats(),
		Cycles:        e.cycles.Stats(),
		TableSpaces:   e.spaces.Enumerate(),
		Tables:        len(e.Tables()),
		InDoubt:       len(e.InDoubt()),
		MDLEntries:    e.mdl.Entries(),
		GopherPending: e.gopher.Pending(),
	}
	info.GopherSubmitted, info.GopherCompleted, info.GopherFailed = e.gopher.Stats()
	if e.sectors != nil {
		info.SectorHits, info.SectorMisses = e.sectors.Stats()
	}
	if e.backlog != nil {
		info.Backlogged = e.backlog.Len()
	}
	return info
}

// Checkpoint writes every dirty page and records the log offset from which
// recovery has to start.
func (e *Engine) Checkpoint() error {
	if e.bp.IOErrorState() {
		return basic.Errorf(basic.KindIOError, "Checkpoint", "the page cache has failed writes")
	}
	var end basic.VirtualOffset
	e.bp.Settled(func() { end = e.log.End() })
	oldest := e.mvcc.OldestLogOffset()
	e.doubtMu.Lock()
	for _, d := range e.inDoubt {
		if oldest == 0 || d.First < oldest {
			oldest = d.First
		}
	}
	e.doubtMu.Unlock()
	if oldest == 0 || oldest > end {
		oldest = end
	}
	if err := e.bp.FlushAll(); err != nil {
		return errors.Wrap(err, "checkpoint flush")
	}
	if err := e.log.Checkpoint(oldest, e.mvcc.NextTransId()); err != nil {
		return err
	}
	if logger.DebugEnabled(logger.DebugSerialLog) {
		logger.Debugf("checkpoint at %d, recovery starts at %d", end, oldest)
	}
	return nil
}

// InDoubtTransaction is a prepared transaction found at recovery.
type InDoubtTransaction struct {
	TransId basic.TransId
	Xid     []byte
}

// InDoubt lists the prepared transactions waiting for the host's
// decision.
func (e *Engine) InDoubt() []InDoubtTransaction {
	e.doubtMu.Lock()
	defer e.doubtMu.Unlock()
	out := make([]InDoubtTransaction, len(e.inDoubt))
	for i, d := range e.inDoubt {
		out[i] = InDoubtTransaction{TransId: d.TransId, Xid: d.Xid}
	}
	return out
}

func (e *Engine) findInDoubt(op string, xid []byte) (*recovery.InDoubt, error) {
	e.doubtMu.Lock()
	defer e.doubtMu.Unlock()
	for _, d := range e.inDoubt {
		if bytes.Equal(d.Xid, xid) {
			return d, nil
		}
	}
	return nil, basic.Errorf(basic.KindInvalidState, op, "no transaction in doubt with xid %q", xid)
}

func (e *Engine) forgetInDoubt(d *recovery.InDoubt) {
	e.doubtMu.Lock()
	defer e.doubtMu.Unlock()
	for i, cur := range e.inDoubt {
		if cur == d {
			e.inDoubt = append(e.inDoubt[:i], e.inDoubt[i+1:]...)
			return
		}
	}
}

func (e *Engine) logDurably(rec serial_log.Record) error {
	_, end, err := e.log.Append(rec)
	if err != nil {
		return err
	}
	return e.log.Flush(end)
}

// CommitInDoubt commits the recovered prepared transaction with branch id
// xid and writes its changes into the tables.
func (e *Engine) CommitInDoubt(xid []byte) error {
	d, err := e.findInDoubt("CommitInDoubt", xid)
	if err != nil {
		return err
	}
	if err := e.logDurably(&serial_log.Commit{TransId: d.TransId}); err != nil {
		return errors.Wrapf(err, "commit transaction %d", d.TransId)
	}
	apply := newReplayer(e, true)
	for _, rec := range d.Records {
		if err := recovery.Apply(apply, rec); err != nil {
			return errors.Wrapf(err, "apply transaction %d", d.TransId)
		}
	}
	e.releaseInDoubt(d, true)
	if _, _, err := e.log.Append(&serial_log.TransactionComplete{TransId: d.TransId}); err != nil {
		return err
	}
	e.forgetInDoubt(d)
	logger.WithFields(logrus.Fields{"trans": d.TransId, "xid": string(xid)}).Info("in-doubt transaction committed")
	return nil
}

// RollbackInDoubt discards the recovered prepared transaction with branch
// id xid.
func (e *Engine) RollbackInDoubt(xid []byte) error {
	d, err := e.findInDoubt("RollbackInDoubt", xid)
	if err != nil {
		return err
	}
	if err := e.logDurably(&serial_log.Rollback{TransId: d.TransId}); err != nil {
		return errors.Wrapf(err, "roll back transaction %d", d.TransId)
	}
	e.releaseInDoubt(d, false)
	e.forgetInDoubt(d)
	logger.WithFields(logrus.Fields{"trans": d.TransId, "xid": string(xid)}).Info("in-doubt transaction rolled back")
	return nil
}

// releaseInDoubt hands the record numbers an in-doubt transaction reserved
// back to their tables. After a commit only deleted ones are free.
func (e *Engine) releaseInDoubt(d *recovery.InDoubt, committed bool) {
	forEachRecord(d, func(space basic.TableSpaceId, id int32, rd serial_log.RecordData) {
		if committed && !rd.Deleted {
			return
		}
		tbl := e.mvcc.Table(space, id)
		if tbl == nil {
			return
		}
		if err := tbl.Unreserve(rd.RecordNumber); err != nil {
			logger.Warnf("release record %d of %s: %v", rd.RecordNumber, tbl.Name, err)
		}
	})
}
