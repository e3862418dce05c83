package mvcc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/section"
)

// LockedError reports a row held by another active transaction when the
// caller chose not to wait.
type LockedError struct {
	RecordNumber basic.RecordNumber
	Owner        basic.TransId
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("record %d locked by transaction %d", e.RecordNumber, e.Owner)
}

func (e *LockedError) Unwrap() error { return basic.ErrConflictingUpdate }

// IsLocked 检查是否为行锁冲突
func IsLocked(err error) bool {
	var le *LockedError
	return errors.As(err, &le)
}

const maxWasActiveRetries = 10000

// Table is the in-memory face of one table: the version chains of its
// records over the committed images in its section.
type Table struct {
	Id         int32
	TableSpace basic.TableSpaceId
	Name       string

	mgr     *Manager
	section *section.Section
	records *RecordTree

	numMu sync.Mutex
	free  *roaring.Bitmap
	next  basic.RecordNumber

	// lock order: backlogMu before any leaf lock
	backlogMu  sync.Mutex
	backlogged map[basic.RecordNumber]*RecordVersion

	memory int64

	// OnPrune receives the image of a version no reader can reach anymore.
	OnPrune func(rn basic.RecordNumber, image []byte)
	// OnRetire receives the image of a retired tombstone. The record number
	// is reused only after release is called.
	OnRetire func(rn basic.RecordNumber, image []byte, release func())
}

// OpenTable attaches the table stored in sec and registers it.
func (m *Manager) OpenTable(space basic.TableSpaceId, id int32, name string, sec *section.Section) (*Table, error) {
	used, err := sec.RecordNumbers()
	if err != nil {
		return nil, errors.Wrapf(err, "open table %s", name)
	}
	tbl := &Table{
		Id:         id,
		TableSpace: space,
		Name:       name,
		mgr:        m,
		section:    sec,
		records:    NewRecordTree(),
		free:       roaring.New(),
		backlogged: make(map[basic.RecordNumber]*RecordVersion),
	}
	if !used.IsEmpty() {
		tbl.next = basic.RecordNumber(used.Maximum()) + 1
		tbl.free.AddRange(0, uint64(tbl.next))
		tbl.free.AndNot(used)
	}
	m.RegisterTable(tbl)
	logger.WithFields(map[string]interface{}{
		"table": name, "space": space, "records": used.GetCardinality(), "holes": tbl.free.GetCardinality(),
	}).Debug("table opened")
	return tbl, nil
}

func (tbl *Table) Section() *section.Section { return tbl.section }

// Memory is the number of bytes of images cached for the table.
func (tbl *Table) Memory() int64 { return atomic.LoadInt64(&tbl.memory) }

// Versions is the number of record chains held in memory.
func (tbl *Table) Versions() int64 { return tbl.records.Len() }

func (tbl *Table) charge(delta int64) {
	atomic.AddInt64(&tbl.memory, delta)
	tbl.mgr.charge(delta)
}

func (tbl *Table) allocNumber() basic.RecordNumber {
	tbl.numMu.Lock()
	defer tbl.numMu.Unlock()
	if !tbl.free.IsEmpty() {
		n := tbl.free.Minimum()
		tbl.free.Remove(n)
		return basic.RecordNumber(n)
	}
	rn := tbl.next
	tbl.next++
	return rn
}

func (tbl *Table) releaseNumber(rn basic.RecordNumber) {
	tbl.numMu.Lock()
	tbl.free.Add(uint32(rn))
	tbl.numMu.Unlock()
}

// Reserve keeps rn away from inserts, e.g. for a row an in-doubt
// transaction wrote.
func (tbl *Table) Reserve(rn basic.RecordNumber) {
	tbl.numMu.Lock()
	defer tbl.numMu.Unlock()
	tbl.free.Remove(uint32(rn))
	for tbl.next <= rn {
		if tbl.next < rn {
			tbl.free.Add(uint32(tbl.next))
		}
		tbl.next++
	}
}

// Unreserve hands a reserved number back unless the section holds a row there.
func (tbl *Table) Unreserve(rn basic.RecordNumber) error {
	data, err := tbl.section.Fetch(rn)
	if err != nil {
		return err
	}
	if data != nil {
		return nil
	}
	if v := tbl.records.Fetch(rn); v != nil {
		v.unpin()
		return nil
	}
	tbl.releaseNumber(rn)
	return nil
}

// NextRecordNumber is the number the next insert gets when no hole is free.
func (tbl *Table) NextRecordNumber() basic.RecordNumber {
	tbl.numMu.Lock()
	defer tbl.numMu.Unlock()
	return tbl.next
}

// fetchHead returns rn's chain head pinned, loading the committed image
// from the section when the chain is not in memory. nil means no record.
func (tbl *Table) fetchHead(rn basic.RecordNumber) (*RecordVersion, error) {
	if rn < 0 {
		return nil, nil
	}
	for {
		if v := tbl.records.Fetch(rn); v != nil {
			return v, nil
		}
		reloaded, err := tbl.reload(rn)
		if err != nil {
			return nil, err
		}
		if reloaded {
			continue
		}
		data, err := tbl.section.Fetch(rn)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, nil
		}
		base := newBaseVersion(rn, data)
		if tbl.records.Store(rn, nil, base) {
			tbl.charge(base.size)
		}
	}
}

// reload moves a spilled version back into the record tree.
func (tbl *Table) reload(rn basic.RecordNumber) (bool, error) {
	tbl.backlogMu.Lock()
	defer tbl.backlogMu.Unlock()
	v := tbl.backlogged[rn]
	if v == nil {
		return false, nil
	}
	tk := tableKey{space: tbl.TableSpace, id: tbl.Id}
	e, found, err := tbl.mgr.backlog.load(tk, rn)
	if err != nil {
		return false, err
	}
	if !found {
		return false, basic.Errorf(basic.KindCorruption, "reload", "record %d of table %s missing from backlog", rn, tbl.Name)
	}
	v.thaw(e.data)
	if err := tbl.mgr.backlog.delete(tk, rn); err != nil {
		return false, err
	}
	delete(tbl.backlogged, rn)
	tbl.records.Store(rn, nil, v)
	tbl.charge(v.size)
	return true, nil
}

// effective skips lock stubs.
func effective(v *RecordVersion) *RecordVersion {
	for v != nil && v.IsLock() {
		v = v.Prior()
	}
	return v
}

// Fetch returns the image of rn that t sees.
func (tbl *Table) Fetch(t *Transaction, rn basic.RecordNumber) ([]byte, error) {
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	head, err := tbl.fetchHead(rn)
	if err != nil || head == nil {
		if err == nil {
			err = basic.ErrRecordNotFound
		}
		return nil, err
	}
	defer head.unpin()
	for v := head; v != nil; v = v.Prior() {
		if v.IsLock() || !t.visible(v) {
			continue
		}
		if v.Deleted() {
			return nil, basic.ErrRecordNotFound
		}
		return tbl.mgr.thaw(tbl, v)
	}
	return nil, basic.ErrRecordNotFound
}

// lockHead returns rn's head pinned once t may write on top of it.
func (tbl *Table) lockHead(t *Transaction, cl *cycle.CycleLock, rn basic.RecordNumber) (*RecordVersion, error) {
	for retry := 0; ; retry++ {
		head, err := tbl.fetchHead(rn)
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, basic.ErrRecordNotFound
		}

		var rel relState
		var owner *TransState
		for v := head; v != nil; v = v.Prior() {
			rel, owner = t.relativeState(v)
			if !v.IsLock() || rel == relActive || rel == relWasActive {
				break
			}
		}

		switch rel {
		case relUs, relCommittedVisible:
			if e := effective(head); e == nil || e.Deleted() {
				head.unpin()
				return nil, basic.ErrRecordNotFound
			}
			return head, nil
		case relCommittedInvisible:
			head.unpin()
			return nil, basic.Errorf(basic.KindConflictingUpdate, "update", "record %d of %s changed by transaction %d", rn, tbl.Name, owner.Id)
		case relWasActive:
			head.unpin()
			if retry > maxWasActiveRetries {
				return nil, basic.Errorf(basic.KindConflictingUpdate, "update", "record %d of %s still held by rolled back transaction %d", rn, tbl.Name, owner.Id)
			}
			runtime.Gosched()
		case relActive:
			head.unpin()
			if t.noWait {
				return nil, &LockedError{RecordNumber: rn, Owner: owner.Id}
			}
			if err := t.waitFor(owner, cl); err != nil {
				return nil, err
			}
		}
	}
}

// install puts a new version of t on top of rn's chain.
func (tbl *Table) install(t *Transaction, cl *cycle.CycleLock, rn basic.RecordNumber, kind versionKind, data []byte) (*RecordVersion, []byte, error) {
	for {
		head, err := tbl.lockHead(t, cl, rn)
		if err != nil {
			return nil, nil, err
		}
		prev := effective(head)
		image, err := tbl.mgr.thaw(tbl, prev)
		if err != nil {
			head.unpin()
			return nil, nil, err
		}
		if kind == versionDeleted {
			data = image
		}
		v := newVersion(rn, t.state, kind, data, t.currentSavepoint())
		v.prior.Store(head)
		ok := tbl.records.Store(rn, head, v)
		head.unpin()
		if ok {
			tbl.charge(v.size)
			t.addRecord(tbl, v)
			return v, image, nil
		}
	}
}

// Insert stores a new record and returns its number.
func (tbl *Table) Insert(t *Transaction, data []byte) (basic.RecordNumber, error) {
	if err := t.checkActive("Insert"); err != nil {
		return basic.NoRecordNumber, err
	}
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	image := append(make([]byte, 0, len(data)), data...)
	for {
		rn := tbl.allocNumber()
		v := newVersion(rn, t.state, versionData, image, t.currentSavepoint())
		if tbl.records.Store(rn, nil, v) {
			tbl.charge(v.size)
			t.addRecord(tbl, v)
			return rn, t.maybeChill()
		}
		logger.Warnf("table %s: record number %d handed out while in use", tbl.Name, rn)
	}
}

// Update replaces the image of rn and returns the image it replaced.
func (tbl *Table) Update(t *Transaction, rn basic.RecordNumber, data []byte) ([]byte, error) {
	if err := t.checkActive("Update"); err != nil {
		return nil, err
	}
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	image := append(make([]byte, 0, len(data)), data...)
	_, old, err := tbl.install(t, cl, rn, versionData, image)
	if err != nil {
		return nil, err
	}
	return old, t.maybeChill()
}

// Delete removes rn and returns the deleted image.
func (tbl *Table) Delete(t *Transaction, rn basic.RecordNumber) ([]byte, error) {
	if err := t.checkActive("Delete"); err != nil {
		return nil, err
	}
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	_, old, err := tbl.install(t, cl, rn, versionDeleted, nil)
	return old, err
}

// FetchForUpdate locks rn for t and returns its current image.
func (tbl *Table) FetchForUpdate(t *Transaction, rn basic.RecordNumber) ([]byte, error) {
	if err := t.checkActive("FetchForUpdate"); err != nil {
		return nil, err
	}
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	for {
		head, err := tbl.lockHead(t, cl, rn)
		if err != nil {
			return nil, err
		}
		if head.Trans() == t.state {
			defer head.unpin()
			return tbl.mgr.thaw(tbl, effective(head))
		}
		stub := newVersion(rn, t.state, versionLock, nil, t.currentSavepoint())
		stub.prior.Store(head)
		ok := tbl.records.Store(rn, head, stub)
		if ok {
			t.addRecord(tbl, stub)
			data, err := tbl.mgr.thaw(tbl, effective(head))
			head.unpin()
			return data, err
		}
		head.unpin()
	}
}

// unlink takes v out of its chain.
func (tbl *Table) unlink(v *RecordVersion) {
	rn := v.Number
	prior := v.Prior()
	if tbl.records.Store(rn, v, prior) {
		return
	}
	leaf := tbl.records.leafFor(rn, false)
	if leaf == nil {
		return
	}
	leaf.mu.Lock()
	for x := leaf.slots[int64(rn)%leafSize].Load(); x != nil; x = x.Prior() {
		if x.Prior() == v {
			x.prior.Store(prior)
			break
		}
	}
	leaf.mu.Unlock()
}

// undo removes a version written by t.
func (tbl *Table) undo(t *Transaction, v *RecordVersion) error {
	tbl.backlogMu.Lock()
	defer tbl.backlogMu.Unlock()
	rn := v.Number
	if tbl.backlogged[rn] == v {
		delete(tbl.backlogged, rn)
		t.forgetBacklogged(tbl, rn)
		tbl.releaseNumber(rn)
		return tbl.mgr.backlog.delete(tableKey{space: tbl.TableSpace, id: tbl.Id}, rn)
	}
	inserted := v.Prior() == nil && !v.IsLock()
	tbl.unlink(v)
	if v.Data() != nil {
		tbl.charge(-v.size)
	}
	if inserted {
		tbl.releaseNumber(rn)
	}
	return nil
}

// persist writes a committed version into the section.
func (tbl *Table) persist(t *Transaction, v *RecordVersion) error {
	if v.IsLock() {
		return nil
	}
	if v.Deleted() {
		_, err := tbl.section.Delete(v.Number, t.Id)
		return err
	}
	data, err := tbl.mgr.thaw(tbl, v)
	if err != nil {
		return err
	}
	return tbl.section.Store(v.Number, data, t.Id)
}

// RecordNumbers returns every record number that may hold a row: those in
// the section, in memory and in the backlog.
func (tbl *Table) RecordNumbers() (*roaring.Bitmap, error) {
	set, err := tbl.section.RecordNumbers()
	if err != nil {
		return nil, err
	}
	tbl.records.Heads(func(rn basic.RecordNumber, _ *RecordVersion) bool {
		set.Add(uint32(rn))
		return true
	})
	tbl.backlogMu.Lock()
	for rn := range tbl.backlogged {
		set.Add(uint32(rn))
	}
	tbl.backlogMu.Unlock()
	return set, nil
}

// Scan calls fn for every record t sees, in record-number order.
func (tbl *Table) Scan(t *Transaction, fn func(rn basic.RecordNumber, data []byte) error) error {
	set, err := tbl.RecordNumbers()
	if err != nil {
		return err
	}
	it := set.Iterator()
	for it.HasNext() {
		rn := basic.RecordNumber(it.Next())
		data, err := tbl.Fetch(t, rn)
		if basic.IsKind(err, basic.KindRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(rn, data); err != nil {
			return err
		}
	}
	return nil
}

// ChainImages returns the images of every version of rn still in memory,
// or the committed image when no chain is loaded.
func (tbl *Table) ChainImages(rn basic.RecordNumber) ([][]byte, error) {
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	head, err := tbl.fetchHead(rn)
	if err != nil || head == nil {
		return nil, err
	}
	defer head.unpin()
	var out [][]byte
	for v := head; v != nil; v = v.Prior() {
		if v.IsLock() {
			continue
		}
		data, err := tbl.mgr.thaw(tbl, v)
		if err != nil {
			return nil, err
		}
		if data != nil {
			out = append(out, data)
		}
	}
	return out, nil
}

// Newest returns the image of rn's newest version whoever wrote it. pending
// is set when that version belongs to another transaction still running.
func (tbl *Table) Newest(t *Transaction, rn basic.RecordNumber) (data []byte, deleted, pending bool, err error) {
	cl := tbl.mgr.cycles.LockCycle()
	defer cl.Unlock()
	head, err := tbl.fetchHead(rn)
	if err != nil || head == nil {
		return nil, false, false, err
	}
	defer head.unpin()
	v := effective(head)
	if v == nil {
		return nil, false, false, nil
	}
	if owner := v.Trans(); owner != nil && owner != t.state && owner.Active() {
		pending = true
	}
	data, err = tbl.mgr.thaw(tbl, v)
	return data, v.Deleted(), pending, err
}

// Forget drops rn's cached chain when it holds nothing but the committed
// base, so the next fetch reads the section again.
func (tbl *Table) Forget(rn basic.RecordNumber) bool {
	head := tbl.records.Fetch(rn)
	if head == nil {
		return true
	}
	head.unpin()
	if head.Trans() != nil || head.Prior() != nil || !head.quiescent() {
		return false
	}
	if !tbl.records.Store(rn, head, nil) {
		return false
	}
	if head.Data() != nil {
		tbl.charge(-head.size)
	}
	return true
}

// Release drops every cached version of the table and its backlog entries.
// The table must not be used afterwards.
func (tbl *Table) Release() {
	tbl.backlogMu.Lock()
	tk := tableKey{space: tbl.TableSpace, id: tbl.Id}
	for rn := range tbl.backlogged {
		if err := tbl.mgr.backlog.delete(tk, rn); err != nil {
			logger.Warnf("table %s: %v", tbl.Name, err)
		}
	}
	tbl.backlogged = make(map[basic.RecordNumber]*RecordVersion)
	tbl.backlogMu.Unlock()
	tbl.mgr.UnregisterTable(tbl)
	tbl.records = NewRecordTree()
	atomic.StoreInt64(&tbl.memory, 0)
}
