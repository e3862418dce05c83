package recovery

import (
	"sort"
	"time"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
)

// Applier writes replayed changes into the table spaces. The engine
// implements it on its catalog.
type Applier interface {
	// LoadTableSpaces opens the table spaces the catalog lists, once the
	// system table space is redone.
	LoadTableSpaces(dropped map[basic.TableSpaceId]bool) error
	ApplyRecords(rec *serial_log.UpdateRecords) error
	ApplyIndex(rec *serial_log.UpdateIndex) error
	DropIndex(rec *serial_log.DeleteIndex) error
}

// Log is the part of the serial log recovery reads and marks.
type Log interface {
	Append(rec serial_log.Record) (start, end basic.VirtualOffset, err error)
	Scan(from basic.VirtualOffset, fn func(off basic.VirtualOffset, rec serial_log.Record) error) error
	Checkpoint(oldest basic.VirtualOffset, nextTransId basic.TransId) error
	End() basic.VirtualOffset
}

type transState int

const (
	transActive transState = iota
	transPrepared
	transCommitted
	transRolledBack
	transComplete
)

type transInfo struct {
	id        basic.TransId
	state     transState
	xid       []byte
	first     basic.VirtualOffset
	commitSeq int
	records   []serial_log.Record
}

// InDoubt is a prepared transaction that neither committed nor rolled back.
// Records are its changes, replayable once the host decides.
type InDoubt struct {
	TransId basic.TransId
	Xid     []byte
	First   basic.VirtualOffset
	Records []serial_log.Record
}

// Result 恢复结果
type Result struct {
	Start       basic.VirtualOffset
	End         basic.VirtualOffset
	NextTransId basic.TransId
	Pages       int
	Replayed    int
	RolledBack  int
	Incomplete  int
	InDoubt     []*InDoubt
}

type entry struct {
	off basic.VirtualOffset
	rec serial_log.Record
}

// Driver rebuilds the engine state from the serial log. It runs once,
// before any user transaction starts.
type Driver struct {
	log    Log
	spaces *tablespace.Manager
	bp     *buffer_pool.BufferPool
	apply  Applier
}

func NewDriver(log Log, spaces *tablespace.Manager, bp *buffer_pool.BufferPool, apply Applier) *Driver {
	return &Driver{log: log, spaces: spaces, bp: bp, apply: apply}
}

// Run executes the scan, redo and replay passes, then writes a checkpoint.
func (d *Driver) Run() (*Result, error) {
	began := time.Now()
	entries, res, err := d.scan()
	if err != nil {
		return nil, jerrors.Annotatef(err, "recovery scan")
	}
	if len(entries) == 0 {
		logger.Infof("recovery: serial log is empty, nothing to redo")
		if err := d.apply.LoadTableSpaces(nil); err != nil {
			return nil, jerrors.Annotatef(err, "load table spaces")
		}
		return res, nil
	}
	order := d.analyze(entries, res)

	if err := d.redo(entries, res); err != nil {
		logger.Errorf("recovery: page redo failed: %s", jerrors.ErrorStack(err))
		return nil, err
	}
	replayed, err := d.replay(order, res)
	if err != nil {
		logger.Errorf("recovery: replay failed: %s", jerrors.ErrorStack(err))
		return nil, err
	}

	if err := d.bp.FlushAll(); err != nil {
		return nil, jerrors.Annotatef(err, "recovery flush")
	}
	// replayed work is on disk now, a later recovery must not redo it
	for _, id := range replayed {
		if _, _, err := d.log.Append(&serial_log.TransactionComplete{TransId: id}); err != nil {
			return nil, jerrors.Annotatef(err, "complete transaction %d", id)
		}
	}
	oldest := d.log.End()
	for _, t := range res.InDoubt {
		if t.First < oldest {
			oldest = t.First
		}
	}
	if err := d.log.Checkpoint(oldest, res.NextTransId); err != nil {
		return nil, jerrors.Annotatef(err, "recovery checkpoint")
	}
	logger.Infof("recovery: log %d..%d, %d pages redone, %d transactions replayed, %d rolled back, %d incomplete, %d in doubt in %v",
		res.Start, res.End, res.Pages, res.Replayed, res.RolledBack, res.Incomplete, len(res.InDoubt), time.Since(began))
	return res, nil
}

// scan reads the log from the last checkpoint on.
func (d *Driver) scan() ([]entry, *Result, error) {
	res := &Result{NextTransId: 1}
	var all []entry
	var ckOffset, ckOldest basic.VirtualOffset
	err := d.log.Scan(0, func(off basic.VirtualOffset, rec serial_log.Record) error {
		if ck, ok := rec.(*serial_log.Checkpoint); ok {
			ckOffset, ckOldest = off, ck.Oldest
			if ck.NextTransId > res.NextTransId {
				res.NextTransId = ck.NextTransId
			}
		}
		all = append(all, entry{off: off, rec: rec})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	start := ckOldest
	if start == 0 || start > ckOffset {
		start = ckOffset
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].off >= start })
	entries := all[i:]
	res.Start = start
	if n := len(all); n > 0 {
		res.End = all[n-1].off
	}
	if logger.DebugEnabled(logger.DebugRecovery) {
		logger.Debugf("recovery: %d records in the log, %d from offset %d", len(all), len(entries), start)
	}
	return entries, res, nil
}

// analyze builds the state of every transaction that wrote to the log.
func (d *Driver) analyze(entries []entry, res *Result) []*transInfo {
	trans := make(map[basic.TransId]*transInfo)
	get := func(id basic.TransId, off basic.VirtualOffset) *transInfo {
		t := trans[id]
		if t == nil {
			t = &transInfo{id: id, first: off}
			trans[id] = t
		}
		if id >= res.NextTransId {
			res.NextTransId = id + 1
		}
		return t
	}

	seq := 0
	for _, e := range entries {
		tr, ok := e.rec.(serial_log.TransRecord)
		if !ok {
			continue
		}
		t := get(tr.Trans(), e.off)
		switch r := e.rec.(type) {
		case *serial_log.Prepare:
			t.state = transPrepared
			t.xid = r.Xid
		case *serial_log.Commit:
			t.state = transCommitted
			seq++
			t.commitSeq = seq
		case *serial_log.Rollback:
			t.state = transRolledBack
		case *serial_log.TransactionComplete:
			t.state = transComplete
			t.records = nil
		case *serial_log.SavepointRollback:
			t.records = dropSavepoints(t.records, r.SavepointId)
		case *serial_log.UpdateRecords, *serial_log.UpdateIndex, *serial_log.DeleteIndex:
			if t.state != transComplete {
				t.records = append(t.records, e.rec)
			}
		}
	}

	var order []*transInfo
	for _, t := range trans {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.commitSeq != b.commitSeq {
			return a.commitSeq < b.commitSeq
		}
		return a.id < b.id
	})
	return order
}

// dropSavepoints removes the record images written at or after savepoint
// id, which a later partial rollback discarded.
func dropSavepoints(recs []serial_log.Record, id int32) []serial_log.Record {
	out := recs[:0]
	for _, rec := range recs {
		ur, ok := rec.(*serial_log.UpdateRecords)
		if !ok {
			out = append(out, rec)
			continue
		}
		kept := make([]serial_log.RecordData, 0, len(ur.Records))
		for _, rd := range ur.Records {
			if rd.SavepointId < id {
				kept = append(kept, rd)
			}
		}
		if len(kept) == 0 {
			continue
		}
		cp := *ur
		cp.Records = kept
		out = append(out, &cp)
	}
	return out
}

func pageImage(rec serial_log.Record) (basic.TableSpaceId, basic.PageNumber, []byte, bool) {
	switch r := rec.(type) {
	case *serial_log.IndexPage:
		return r.TableSpace, r.Page, r.Image, true
	case *serial_log.InventoryPage:
		return r.TableSpace, r.Page, r.Image, true
	case *serial_log.DataPage:
		return r.TableSpace, r.Page, r.Image, true
	}
	return 0, 0, nil, false
}

// redo restores the table-space map, then page images: the system table
// space first so the catalog can name every other file.
func (d *Driver) redo(entries []entry, res *Result) error {
	var spaceRecs []serial_log.Record
	for _, e := range entries {
		switch e.rec.(type) {
		case *serial_log.CreateTableSpace, *serial_log.DropTableSpace:
			spaceRecs = append(spaceRecs, e.rec)
		}
	}
	dropped, err := d.spaces.Replay(spaceRecs)
	if err != nil {
		return jerrors.Annotatef(err, "replay table spaces")
	}

	redoPages := func(system bool) error {
		for _, e := range entries {
			ts, pn, image, ok := pageImage(e.rec)
			if !ok || (ts == basic.SystemTableSpaceId) != system || dropped[ts] {
				continue
			}
			if _, err := d.spaces.GetTableSpace(ts); err != nil {
				if logger.DebugEnabled(logger.DebugRecovery) {
					logger.Debugf("recovery: skip page %d:%d of a missing table space", ts, pn)
				}
				continue
			}
			applied, err := pages.RedoImage(d.bp, ts, pn, image, e.off)
			if err != nil {
				return jerrors.Annotatef(err, "redo page %d:%d at %d", ts, pn, e.off)
			}
			if applied {
				res.Pages++
			}
		}
		return nil
	}
	if err := redoPages(true); err != nil {
		return err
	}
	if err := d.apply.LoadTableSpaces(dropped); err != nil {
		return jerrors.Annotatef(err, "load table spaces")
	}
	return redoPages(false)
}

// replay applies committed transactions that never completed, in commit
// order, and collects the in-doubt ones.
func (d *Driver) replay(order []*transInfo, res *Result) ([]basic.TransId, error) {
	var replayed []basic.TransId
	for _, t := range order {
		switch t.state {
		case transCommitted:
			for _, rec := range t.records {
				if err := Apply(d.apply, rec); err != nil {
					return nil, jerrors.Annotatef(err, "replay transaction %d", t.id)
				}
			}
			replayed = append(replayed, t.id)
			res.Replayed++
		case transRolledBack:
			res.RolledBack++
		case transActive:
			res.Incomplete++
		case transPrepared:
			res.InDoubt = append(res.InDoubt, &InDoubt{TransId: t.id, Xid: t.xid, First: t.first, Records: t.records})
		}
	}
	sort.Slice(res.InDoubt, func(i, j int) bool { return res.InDoubt[i].TransId < res.InDoubt[j].TransId })
	return replayed, nil
}

// Apply hands one transaction record to a.
func Apply(a Applier, rec serial_log.Record) error {
	switch r := rec.(type) {
	case *serial_log.UpdateRecords:
		return a.ApplyRecords(r)
	case *serial_log.UpdateIndex:
		return a.ApplyIndex(r)
	case *serial_log.DeleteIndex:
		return a.DropIndex(r)
	}
	return nil
}
