package mvcc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
)

type snapshotEntry struct {
	state    *TransState
	id       basic.TransId
	observed basic.TransactionState
}

type indexKey struct {
	space basic.TableSpaceId
	id    int32
}

type indexRef struct {
	di  *index.DeferredIndex
	key []byte
}

type refKey struct {
	di  *index.DeferredIndex
	key string
	rn  basic.RecordNumber
}

// txnRecord is one version written by the transaction, in write order.
type txnRecord struct {
	table   *Table
	version *RecordVersion
	keys    []indexRef
}

type savepointFrame struct {
	id    int32
	start int // len(records) when the savepoint was set
}

type recKey struct {
	table *Table
	rn    basic.RecordNumber
}

// relState is how a writer relates to the owner of a chain head.
type relState int

const (
	relUs relState = iota
	relCommittedVisible
	relCommittedInvisible
	relActive
	relWasActive
)

// Transaction 事务. A transaction is driven by one goroutine at a time.
type Transaction struct {
	mgr       *Manager
	state     *TransState
	Id        basic.TransId
	Isolation basic.Isolation

	ctx    context.Context
	cancel context.CancelFunc
	noWait bool

	snapshot []snapshotEntry // sorted by id
	oldest   basic.TransId

	mu            sync.Mutex
	records       []*txnRecord
	savepoints    []savepointFrame
	nextSavepoint int32
	indexes       map[indexKey]*index.DeferredIndex
	indexOrder    []*index.DeferredIndex
	indexRefs     map[refKey]int
	backlogged    map[*Table]*roaring.Bitmap

	unchilled  int64
	hasChilled bool
	prepared   bool
	xid        []byte
	sealed     bool // no more spilling to the backlog

	firstOffset uint64
	begunInLog  int32
}

func (t *Transaction) State() *TransState { return t.state }

func (t *Transaction) Status() basic.TransactionState { return t.state.State() }

func (t *Transaction) Context() context.Context { return t.ctx }

// Kill cancels every current and future wait of the transaction.
func (t *Transaction) Kill() { t.cancel() }

// SetNoWait makes writers fail at once instead of waiting for row owners.
func (t *Transaction) SetNoWait(noWait bool) { t.noWait = noWait }

func (t *Transaction) Xid() []byte { return t.xid }

// FirstLogOffset is where the transaction's first log record starts, or 0.
func (t *Transaction) FirstLogOffset() basic.VirtualOffset {
	return basic.VirtualOffset(atomic.LoadUint64(&t.firstOffset))
}

// InSnapshot reports whether id was active when t began.
func (t *Transaction) InSnapshot(id basic.TransId) bool {
	i := sort.Search(len(t.snapshot), func(i int) bool { return t.snapshot[i].id >= id })
	return i < len(t.snapshot) && t.snapshot[i].id == id
}

func (t *Transaction) checkActive(op string) error {
	if s := t.state.State(); s != basic.TransActive {
		return basic.Errorf(basic.KindInvalidState, op, "transaction %d is %s", t.Id, s)
	}
	return nil
}

// visible decides whether a reader in t sees v.
func (t *Transaction) visible(v *RecordVersion) bool {
	ts := v.Trans()
	if ts == nil || ts == t.state {
		return true
	}
	switch t.Isolation {
	case basic.ReadUncommitted:
		return true
	case basic.ReadCommitted, basic.WriteCommitted:
		return ts.Committed()
	}
	if ts.Id > t.Id || t.InSnapshot(ts.Id) {
		return false
	}
	return ts.Committed()
}

func (t *Transaction) relativeState(v *RecordVersion) (relState, *TransState) {
	ts := v.Trans()
	if ts == nil {
		return relCommittedVisible, nil
	}
	if ts == t.state {
		return relUs, ts
	}
	switch s := ts.State(); {
	case ts.Committed():
		if t.Isolation.UsesSnapshot() && (ts.Id > t.Id || t.InSnapshot(ts.Id)) {
			return relCommittedInvisible, ts
		}
		return relCommittedVisible, ts
	case s == basic.TransRolledBack:
		return relWasActive, ts
	}
	return relActive, ts
}

// waitFor blocks until other finishes. The cycle lock is dropped for the
// duration of the wait.
func (t *Transaction) waitFor(other *TransState, cl *cycle.CycleLock) error {
	t.state.waitingFor.Store(other)
	defer t.state.waitingFor.Store(nil)
	if other.waitsOn(t.state) {
		return basic.Errorf(basic.KindDeadlock, "wait", "transaction %d waiting for %d", t.Id, other.Id)
	}
	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d waits for %d", t.Id, other.Id)
	}
	cl.Unlock()
	err := latch.Wait(t.ctx, other.Done(), t.mgr.cfg.LockWaitTimeout)
	cl.Relock()
	return err
}

func (t *Transaction) currentSavepoint() int32 {
	if n := len(t.savepoints); n > 0 {
		return t.savepoints[n-1].id
	}
	return 0
}

func (t *Transaction) addRecord(tbl *Table, v *RecordVersion) {
	t.mu.Lock()
	t.records = append(t.records, &txnRecord{table: tbl, version: v})
	t.mu.Unlock()
	if v.kind == versionData {
		atomic.AddInt64(&t.unchilled, v.size)
	}
}

func (t *Transaction) append(rec serial_log.Record) (basic.VirtualOffset, basic.VirtualOffset, error) {
	if atomic.CompareAndSwapInt32(&t.begunInLog, 0, 1) {
		start, _, err := t.mgr.log.Append(&serial_log.BeginTransaction{TransId: t.Id})
		if err != nil {
			atomic.StoreInt32(&t.begunInLog, 0)
			return 0, 0, err
		}
		atomic.CompareAndSwapUint64(&t.firstOffset, 0, uint64(start))
	}
	start, end, err := t.mgr.log.Append(rec)
	if err != nil {
		return 0, 0, err
	}
	atomic.CompareAndSwapUint64(&t.firstOffset, 0, uint64(start))
	return start, end, nil
}

// AddIndexEntry queues key → rn for the index of tbl identified by
// (indexId, version).
func (t *Transaction) AddIndexEntry(tbl *Table, indexId, version int32, key []byte, rn basic.RecordNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := indexKey{space: tbl.TableSpace, id: indexId}
	di := t.indexes[k]
	if di == nil {
		di = index.NewDeferredIndex(tbl.TableSpace, indexId, version)
		t.indexes[k] = di
		t.indexOrder = append(t.indexOrder, di)
	}
	di.Add(key, rn)
	if t.indexRefs == nil {
		t.indexRefs = make(map[refKey]int)
	}
	t.indexRefs[refKey{di: di, key: string(key), rn: rn}]++
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.table == tbl && r.version.Number == rn {
			r.keys = append(r.keys, indexRef{di: di, key: key})
			break
		}
	}
}

// DeferredIndexes returns the batches in creation order.
func (t *Transaction) DeferredIndexes() []*index.DeferredIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*index.DeferredIndex(nil), t.indexOrder...)
}

// DeferredIndex returns the batch for (space, indexId), or nil.
func (t *Transaction) DeferredIndex(space basic.TableSpaceId, indexId int32) *index.DeferredIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexes[indexKey{space: space, id: indexId}]
}

// SetSavepoint pushes a savepoint frame and returns its id.
func (t *Transaction) SetSavepoint() (int32, error) {
	if err := t.checkActive("SetSavepoint"); err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.nextSavepoint++
	id := t.nextSavepoint
	t.savepoints = append(t.savepoints, savepointFrame{id: id, start: len(t.records)})
	chilled := t.hasChilled
	t.mu.Unlock()
	if chilled {
		if _, _, err := t.append(&serial_log.Savepoint{TransId: t.Id, SavepointId: id}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (t *Transaction) findSavepoint(id int32) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].id == id {
			return i
		}
	}
	return -1
}

// ReleaseSavepoint folds the savepoint and every later one into the
// enclosing frame.
func (t *Transaction) ReleaseSavepoint(id int32) error {
	if err := t.checkActive("ReleaseSavepoint"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.findSavepoint(id)
	if i < 0 {
		return basic.Errorf(basic.KindInvalidState, "ReleaseSavepoint", "no savepoint %d", id)
	}
	var prev int32
	if i > 0 {
		prev = t.savepoints[i-1].id
	}
	for _, r := range t.records[t.savepoints[i].start:] {
		atomic.StoreInt32(&r.version.savepoint, prev)
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

// RollbackSavepoint undoes every version written since savepoint id was
// set. The savepoint itself stays in place.
func (t *Transaction) RollbackSavepoint(id int32) error {
	if err := t.checkActive("RollbackSavepoint"); err != nil {
		return err
	}
	t.mu.Lock()
	i := t.findSavepoint(id)
	if i < 0 {
		t.mu.Unlock()
		return basic.Errorf(basic.KindInvalidState, "RollbackSavepoint", "no savepoint %d", id)
	}
	frame := t.savepoints[i]
	undo := t.records[frame.start:]
	t.records = t.records[:frame.start:frame.start]
	t.savepoints = t.savepoints[:i+1]
	chilled := t.hasChilled
	t.mu.Unlock()

	var firstErr error
	for j := len(undo) - 1; j >= 0; j-- {
		r := undo[j]
		if err := r.table.undo(t, r.version); err != nil && firstErr == nil {
			firstErr = err
		}
		t.dropIndexRefs(r)
	}
	if firstErr != nil {
		return firstErr
	}
	if chilled {
		if _, _, err := t.append(&serial_log.SavepointRollback{TransId: t.Id, SavepointId: id}); err != nil {
			return err
		}
	}
	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d rolled back %d versions to savepoint %d", t.Id, len(undo), id)
	}
	return nil
}

// dropIndexRefs removes the deferred entries a rolled back version added,
// unless a surviving version added the same entry.
func (t *Transaction) dropIndexRefs(r *txnRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ref := range r.keys {
		k := refKey{di: ref.di, key: string(ref.key), rn: r.version.Number}
		if t.indexRefs[k]--; t.indexRefs[k] <= 0 {
			delete(t.indexRefs, k)
			ref.di.Remove(ref.key, r.version.Number)
		}
	}
}

// newestVersions returns the last version written per record, in record
// order within each table.
func (t *Transaction) newestVersions() []*txnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[recKey]bool, len(t.records))
	var out []*txnRecord
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		k := recKey{table: r.table, rn: r.version.Number}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.table != b.table {
			if a.table.TableSpace != b.table.TableSpace {
				return a.table.TableSpace < b.table.TableSpace
			}
			return a.table.Id < b.table.Id
		}
		return a.version.Number < b.version.Number
	})
	return out
}

func (t *Transaction) hasWrites() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if !r.version.IsLock() {
			return true
		}
	}
	for _, di := range t.indexOrder {
		if di.Len() > 0 || di.Chilled() {
			return true
		}
	}
	return false
}

// logChanges writes the newest image of every record and the deferred
// index batches to the serial log.
func (t *Transaction) logChanges() error {
	limit := t.mgr.log.MaxRecordSize()
	var (
		cur  *Table
		recs []serial_log.RecordData
	)
	flush := func() error {
		if cur == nil || len(recs) == 0 {
			return nil
		}
		tmpl := serial_log.UpdateRecords{TransId: t.Id, TableSpace: cur.TableSpace, TableId: cur.Id}
		for _, rec := range serial_log.SplitUpdateRecords(tmpl, recs, limit) {
			if _, _, err := t.append(rec); err != nil {
				return err
			}
		}
		recs = nil
		return nil
	}
	for _, r := range t.newestVersions() {
		v := r.version
		if v.IsLock() || v.Chilled() {
			continue
		}
		if r.table != cur {
			if err := flush(); err != nil {
				return err
			}
			cur = r.table
		}
		rd := serial_log.RecordData{RecordNumber: v.Number, SavepointId: v.Savepoint(), Deleted: v.Deleted()}
		if !v.Deleted() {
			rd.Data = v.Data()
		}
		recs = append(recs, rd)
	}
	if err := flush(); err != nil {
		return err
	}

	for _, di := range t.DeferredIndexes() {
		if di.Chilled() {
			continue
		}
		entries := di.Entries()
		if len(entries) == 0 {
			continue
		}
		tmpl := serial_log.UpdateIndex{TableSpace: di.TableSpace, TransId: t.Id, IndexId: di.IndexId, Version: di.Version}
		for _, rec := range serial_log.SplitUpdateIndex(tmpl, toLogEntries(entries), limit) {
			if _, _, err := t.append(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func toLogEntries(entries []index.Entry) []serial_log.IndexEntry {
	out := make([]serial_log.IndexEntry, len(entries))
	for i, e := range entries {
		out[i] = serial_log.IndexEntry{RecordNumber: e.RecordNumber, Key: e.Key, Delete: e.Delete}
	}
	return out
}

// removeLockStubs unlinks the row locks the transaction still holds.
func (t *Transaction) removeLockStubs() {
	for _, r := range t.newestVersions() {
		if r.version.IsLock() {
			r.table.unlink(r.version)
		}
	}
}

// Commit makes the transaction's changes durable and visible.
func (t *Transaction) Commit() error {
	s := t.state.State()
	if s != basic.TransActive && s != basic.TransLimbo {
		return basic.Errorf(basic.KindInvalidState, "Commit", "transaction %d is %s", t.Id, s)
	}
	t.mu.Lock()
	t.savepoints = nil
	t.sealed = true
	t.mu.Unlock()
	if err := t.reloadBacklog(); err != nil {
		return err
	}

	writes := t.hasWrites()
	if writes {
		if !t.prepared {
			if err := t.logChanges(); err != nil {
				return errors.Wrapf(err, "commit trans %d", t.Id)
			}
		}
		_, end, err := t.append(&serial_log.Commit{TransId: t.Id})
		if err != nil {
			return errors.Wrapf(err, "commit trans %d", t.Id)
		}
		if err := t.mgr.log.Flush(end); err != nil {
			return errors.Wrapf(err, "commit trans %d", t.Id)
		}
	}
	t.removeLockStubs()

	atomic.StoreUint64(&t.state.commitNo, atomic.AddUint64(&t.mgr.commitSeq, 1))
	t.state.setState(basic.TransCommitted)
	t.mgr.endActive(t, writes)
	t.releaseSnapshot()
	atomic.AddUint64(&t.mgr.commits, 1)
	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d committed, commit no %d", t.Id, t.state.CommitNo())
	}

	if !writes {
		t.state.setState(basic.TransAvailable)
		t.cancel()
		return nil
	}
	if h := t.mgr.handler; h != nil {
		h(t)
		return nil
	}
	if err := t.WriteRecords(); err != nil {
		return err
	}
	return t.Complete()
}

// Prepare logs every change plus the branch id and moves the transaction
// to limbo, where only Commit or Rollback may follow.
func (t *Transaction) Prepare(xid []byte) error {
	if err := t.checkActive("Prepare"); err != nil {
		return err
	}
	t.mu.Lock()
	t.savepoints = nil
	t.sealed = true
	t.mu.Unlock()
	if err := t.reloadBacklog(); err != nil {
		return err
	}
	if err := t.logChanges(); err != nil {
		return errors.Wrapf(err, "prepare trans %d", t.Id)
	}
	_, end, err := t.append(&serial_log.Prepare{TransId: t.Id, Xid: xid})
	if err != nil {
		return errors.Wrapf(err, "prepare trans %d", t.Id)
	}
	if err := t.mgr.log.Flush(end); err != nil {
		return errors.Wrapf(err, "prepare trans %d", t.Id)
	}
	t.prepared = true
	t.xid = append([]byte(nil), xid...)
	t.state.setState(basic.TransLimbo)
	return nil
}

// Rollback undoes every version the transaction wrote.
func (t *Transaction) Rollback() error {
	switch s := t.state.State(); s {
	case basic.TransRolledBack:
		return nil
	case basic.TransCommitted, basic.TransAvailable:
		return basic.Errorf(basic.KindInvalidState, "Rollback", "transaction %d is %s", t.Id, s)
	}
	t.mu.Lock()
	recs := t.records
	t.records = nil
	t.savepoints = nil
	t.sealed = true
	t.indexes = make(map[indexKey]*index.DeferredIndex)
	t.indexOrder = nil
	t.indexRefs = nil
	t.mu.Unlock()

	var firstErr error
	for i := len(recs) - 1; i >= 0; i-- {
		if err := recs[i].table.undo(t, recs[i].version); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.backlogged = nil

	if t.prepared || t.hasChilled {
		if _, _, err := t.append(&serial_log.Rollback{TransId: t.Id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.state.setState(basic.TransRolledBack)
	t.mgr.endActive(t, false)
	t.releaseSnapshot()
	t.cancel()
	atomic.AddUint64(&t.mgr.rollbacks, 1)
	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d rolled back %d versions", t.Id, len(recs))
	}
	return firstErr
}

func (t *Transaction) releaseSnapshot() {
	for _, e := range t.snapshot {
		e.state.release()
	}
	t.snapshot = nil
}

// WriteRecords stores the newest image of every written record in its
// table's section.
func (t *Transaction) WriteRecords() error {
	for _, r := range t.newestVersions() {
		if err := r.table.persist(t, r.version); err != nil {
			return errors.Wrapf(err, "write record %d of table %d", r.version.Number, r.table.Id)
		}
	}
	return nil
}

// Complete records that all post-commit work is done and makes the
// transaction available for purge.
func (t *Transaction) Complete() error {
	_, _, err := t.append(&serial_log.TransactionComplete{TransId: t.Id})
	t.state.setState(basic.TransAvailable)
	t.cancel()
	return err
}

// commitInPlace detaches the versions from their transaction so that
// readers treat them as base records.
func (t *Transaction) commitInPlace() {
	t.mu.Lock()
	recs := t.records
	t.records = nil
	t.indexes = nil
	t.indexOrder = nil
	t.indexRefs = nil
	t.mu.Unlock()
	for _, r := range recs {
		r.version.trans.Store(nil)
	}
}

// Chill writes the in-memory images of the transaction to the serial log
// and drops them from memory.
func (t *Transaction) Chill() error {
	freed, err := t.chillRecords()
	if err != nil {
		return err
	}

	// deferred index batches follow the records
	limit := t.mgr.log.MaxRecordSize()
	for _, di := range t.DeferredIndexes() {
		if di.Chilled() || di.Len() == 0 {
			continue
		}
		tmpl := serial_log.UpdateIndex{TableSpace: di.TableSpace, TransId: t.Id, IndexId: di.IndexId, Version: di.Version}
		var first, last basic.VirtualOffset
		for _, rec := range serial_log.SplitUpdateIndex(tmpl, toLogEntries(di.Entries()), limit) {
			start, end, err := t.append(rec)
			if err != nil {
				return err
			}
			if first == 0 {
				first = start
			}
			last = end
		}
		di.Chill(first, last)
	}
	atomic.AddUint64(&t.mgr.chilled, 1)
	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d chilled %d bytes", t.Id, freed)
	}
	return nil
}

// chillRecords holds mu throughout so the scavenger cannot spill a version
// that is being chilled.
func (t *Transaction) chillRecords() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byTable := make(map[*Table][]*RecordVersion)
	var order []*Table
	for _, r := range t.records {
		v := r.version
		if v.kind != versionData || v.Data() == nil {
			continue
		}
		if _, ok := byTable[r.table]; !ok {
			order = append(order, r.table)
		}
		byTable[r.table] = append(byTable[r.table], v)
	}

	limit := t.mgr.log.MaxRecordSize()
	var freed int64
	for _, tbl := range order {
		versions := byTable[tbl]
		recs := make([]serial_log.RecordData, len(versions))
		for i, v := range versions {
			recs[i] = serial_log.RecordData{RecordNumber: v.Number, SavepointId: v.Savepoint(), Data: v.Data()}
		}
		tmpl := serial_log.UpdateRecords{TransId: t.Id, TableSpace: tbl.TableSpace, TableId: tbl.Id, Chilled: true}
		next := 0
		for _, rec := range serial_log.SplitUpdateRecords(tmpl, recs, limit) {
			start, _, err := t.append(rec)
			if err != nil {
				return freed, err
			}
			for slot := range rec.Records {
				v := versions[next]
				v.chill(start, slot)
				tbl.charge(-v.size)
				freed += v.size
				next++
			}
		}
		t.hasChilled = true
	}
	atomic.StoreInt64(&t.unchilled, 0)
	return freed, nil
}

func (t *Transaction) maybeChill() error {
	th := t.mgr.cfg.ChillThreshold
	if th <= 0 || atomic.LoadInt64(&t.unchilled) < th {
		return nil
	}
	return t.Chill()
}

// thaw returns v's image, reading it back from the serial log when it was
// chilled.
func (m *Manager) thaw(tbl *Table, v *RecordVersion) ([]byte, error) {
	if d := v.Data(); d != nil || !v.Chilled() {
		return d, nil
	}
	rec, _, err := m.log.ReadRecord(v.ChilledAt())
	if err != nil {
		return nil, err
	}
	ur, ok := rec.(*serial_log.UpdateRecords)
	slot := int(atomic.LoadInt32(&v.chillSlot))
	if !ok || slot >= len(ur.Records) || ur.Records[slot].RecordNumber != v.Number {
		return nil, basic.Errorf(basic.KindCorruption, "thaw", "record %d not found at log offset %d", v.Number, v.ChilledAt())
	}
	data := ur.Records[slot].Data
	if data == nil {
		data = []byte{}
	}
	if v.thaw(data) {
		tbl.charge(v.size)
	}
	return v.Data(), nil
}

// thawIndex reads a chilled batch back from the serial log.
func (t *Transaction) thawIndex(di *index.DeferredIndex) error {
	if !di.Chilled() {
		return nil
	}
	var entries []index.Entry
	for off := di.Start; off < di.End; {
		rec, next, err := t.mgr.log.ReadRecord(off)
		if err != nil {
			return err
		}
		if ui, ok := rec.(*serial_log.UpdateIndex); ok && ui.TransId == t.Id && ui.IndexId == di.IndexId {
			for _, e := range ui.Entries {
				entries = append(entries, index.Entry{Key: e.Key, RecordNumber: e.RecordNumber, Delete: e.Delete})
			}
		}
		off = next
	}
	di.Thaw(entries)
	return nil
}

// ThawIndexes reloads every chilled deferred index batch.
func (t *Transaction) ThawIndexes() error {
	for _, di := range t.DeferredIndexes() {
		if err := t.thawIndex(di); err != nil {
			return err
		}
	}
	return nil
}

// reloadBacklog brings every spilled version back into its record tree.
func (t *Transaction) reloadBacklog() error {
	t.mu.Lock()
	spilled := t.backlogged
	t.backlogged = nil
	t.mu.Unlock()
	for tbl, rns := range spilled {
		it := rns.Iterator()
		for it.HasNext() {
			if _, err := tbl.reload(basic.RecordNumber(it.Next())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transaction) forgetBacklogged(tbl *Table, rn basic.RecordNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bm := t.backlogged[tbl]; bm != nil {
		bm.Remove(uint32(rn))
	}
}
