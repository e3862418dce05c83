package mvcc

import (
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
)

// ScavengeStats 一次回收的结果
type ScavengeStats struct {
	Purged     int
	Pruned     int
	Retired    int
	Backlogged int
	Before     int64
	After      int64
}

// prune detaches the versions behind the newest one every reader sees.
// Heads stay in place, so a shared leaf lock is enough.
func (tbl *Table) prune(oldest basic.TransId) int {
	n := 0
	tbl.records.leaves(func(base basic.RecordNumber, leaf *recordLeaf) bool {
		leaf.mu.RLock()
		for i := range leaf.slots {
			head := leaf.slots[i].Load()
			if head == nil {
				continue
			}
			var keep *RecordVersion
			for v := head; v != nil; v = v.Prior() {
				if !v.IsLock() && v.committedForAll(oldest) {
					keep = v
					break
				}
			}
			if keep == nil {
				continue
			}
			cut := keep.Prior()
			if cut == nil {
				continue
			}
			quiet := true
			for v := cut; v != nil; v = v.Prior() {
				if !v.quiescent() {
					quiet = false
					break
				}
			}
			if !quiet || !keep.prior.CompareAndSwap(cut, nil) {
				continue
			}
			for v := cut; v != nil; v = v.Prior() {
				tbl.release(v)
				n++
			}
		}
		leaf.mu.RUnlock()
		return true
	})
	return n
}

// release hands a detached version to the cycle manager.
func (tbl *Table) release(v *RecordVersion) {
	image := v.Data()
	if image != nil {
		tbl.charge(-v.size)
	}
	hook := tbl.OnPrune
	rn := v.Number
	deleted := v.Deleted()
	tbl.mgr.cycles.Release(cycle.ReclaimFunc(func() {
		if hook != nil && image != nil && !deleted {
			hook(rn, image)
		}
	}))
}

// retireable reports whether head can leave memory: it is alone in its
// chain and every reader sees it committed.
func retireable(head *RecordVersion, oldest basic.TransId, pressure bool) bool {
	if head == nil || head.Prior() != nil || head.IsLock() || !head.committedForAll(oldest) {
		return false
	}
	return head.Deleted() || pressure
}

// retire removes single-version chains. Tombstones always go; committed
// images only under memory pressure.
func (tbl *Table) retire(oldest basic.TransId, pressure func() bool) int {
	n := 0
	tbl.records.leaves(func(base basic.RecordNumber, leaf *recordLeaf) bool {
		p := pressure()
		candidate := false
		leaf.mu.RLock()
		for i := range leaf.slots {
			if retireable(leaf.slots[i].Load(), oldest, p) {
				candidate = true
				break
			}
		}
		leaf.mu.RUnlock()
		if !candidate {
			return true
		}

		leaf.mu.Lock()
		for i := range leaf.slots {
			head := leaf.slots[i].Load()
			if !retireable(head, oldest, p) || !head.quiescent() {
				continue
			}
			tbl.records.clear(leaf, i)
			if head.Data() != nil {
				tbl.charge(-head.size)
			}
			if head.Deleted() {
				tbl.retireTombstone(head)
			}
			n++
		}
		leaf.mu.Unlock()
		return true
	})
	return n
}

func (tbl *Table) retireTombstone(v *RecordVersion) {
	rn := v.Number
	release := func() { tbl.releaseNumber(rn) }
	if tbl.OnRetire == nil {
		release()
		return
	}
	tbl.OnRetire(rn, v.Data(), release)
}

// spill moves uncommitted inserts of active transactions to the backlog
// until pressure eases.
func (tbl *Table) spill(pressure func() bool) (int, error) {
	backlog := tbl.mgr.backlog
	if backlog == nil {
		return 0, nil
	}
	tk := tableKey{space: tbl.TableSpace, id: tbl.Id}
	n := 0
	var spillErr error
	tbl.backlogMu.Lock()
	defer tbl.backlogMu.Unlock()
	tbl.records.leaves(func(base basic.RecordNumber, leaf *recordLeaf) bool {
		if !pressure() {
			return false
		}
		leaf.mu.Lock()
		defer leaf.mu.Unlock()
		for i := range leaf.slots {
			v := leaf.slots[i].Load()
			if v == nil || v.Prior() != nil || v.kind != versionData || !v.quiescent() {
				continue
			}
			data := v.Data()
			owner := v.Trans()
			if data == nil || owner == nil || owner.State() != basic.TransActive {
				continue
			}
			t := tbl.mgr.Find(owner.Id)
			if t == nil {
				continue
			}
			t.mu.Lock()
			if t.sealed {
				t.mu.Unlock()
				continue
			}
			rn := base + basic.RecordNumber(i)
			err := backlog.save(tk, rn, backlogEntry{transId: owner.Id, savepoint: v.Savepoint(), kind: v.kind, data: data})
			if err != nil {
				t.mu.Unlock()
				spillErr = err
				return false
			}
			if t.backlogged == nil {
				t.backlogged = make(map[*Table]*roaring.Bitmap)
			}
			bm := t.backlogged[tbl]
			if bm == nil {
				bm = roaring.New()
				t.backlogged[tbl] = bm
			}
			bm.Add(uint32(rn))
			t.mu.Unlock()

			tbl.records.clear(leaf, i)
			v.data.Store(nil)
			tbl.backlogged[rn] = v
			tbl.charge(-v.size)
			n++
		}
		return true
	})
	return n, spillErr
}

// Scavenge runs one garbage collection pass over every table: purge
// committed transactions, prune old versions, retire idle chains and,
// when record memory stays above the threshold, spill to the backlog.
func (m *Manager) Scavenge() ScavengeStats {
	start := time.Now()
	st := ScavengeStats{Before: m.RecordMemory()}
	st.Purged = m.Purge()
	oldest := m.oldestNeeded()
	tables := m.allTables()
	for _, tbl := range tables {
		st.Pruned += tbl.prune(oldest)
	}

	overFloor := func() bool {
		return m.cfg.ScavengeThreshold > 0 && m.RecordMemory() > m.cfg.ScavengeFloor
	}
	pressured := m.cfg.ScavengeThreshold > 0 && m.RecordMemory() > m.cfg.ScavengeThreshold
	for _, tbl := range tables {
		st.Retired += tbl.retire(oldest, func() bool { return pressured && overFloor() })
	}

	if pressured && m.backlog != nil {
		overThreshold := func() bool { return m.RecordMemory() > m.cfg.ScavengeThreshold }
		for _, tbl := range tables {
			if !overThreshold() {
				break
			}
			n, err := tbl.spill(overThreshold)
			st.Backlogged += n
			if err != nil {
				logger.Warnf("scavenge: spill table %s: %v", tbl.Name, err)
				break
			}
		}
	}
	st.After = m.RecordMemory()
	atomic.AddUint64(&m.pruned, uint64(st.Pruned))
	atomic.AddUint64(&m.retired, uint64(st.Retired))

	if st.Pruned+st.Retired+st.Backlogged+st.Purged > 0 {
		logger.Infof("scavenge: purged %d transactions, pruned %d, retired %d, backlogged %d versions, record memory %d -> %d in %v",
			st.Purged, st.Pruned, st.Retired, st.Backlogged, st.Before, st.After, time.Since(start))
	}
	return st
}
