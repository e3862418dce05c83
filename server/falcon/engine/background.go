package engine

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

// afterCommit queues fn to run once t's records reached their sections.
func (e *Engine) afterCommit(t *mvcc.Transaction, fn func(tid basic.TransId) error) {
	e.postMu.Lock()
	e.postCommit[t.Id] = append(e.postCommit[t.Id], fn)
	e.postMu.Unlock()
}

func (e *Engine) dropPostCommit(tid basic.TransId) {
	e.postMu.Lock()
	delete(e.postCommit, tid)
	e.postMu.Unlock()
}

func (e *Engine) takePostCommit(tid basic.TransId) []func(basic.TransId) error {
	e.postMu.Lock()
	defer e.postMu.Unlock()
	fns := e.postCommit[tid]
	delete(e.postCommit, tid)
	return fns
}

// onCommit hands a committed transaction to the gopher. Items run one at a
// time in commit order.
func (e *Engine) onCommit(t *mvcc.Transaction) {
	e.gopher.Submit(fmt.Sprintf("commit %d", t.Id), true, func() error {
		err := e.completeCommit(t)
		if err != nil {
			e.fail(fmt.Sprintf("post-commit of transaction %d", t.Id), err)
		}
		return err
	})
}

// completeCommit merges the deferred index batches, writes the records,
// runs the queued DDL actions and marks the transaction complete.
func (e *Engine) completeCommit(t *mvcc.Transaction) error {
	if err := t.ThawIndexes(); err != nil {
		return err
	}
	for _, di := range t.DeferredIndexes() {
		idx := e.indexById(di.IndexId)
		if idx == nil || idx.table.Space != di.TableSpace || di.Version != indexVersion {
			continue
		}
		if err := idx.tree.Apply(di.Entries(), t.Id); err != nil {
			return errors.Wrapf(err, "merge index %s", idx.Name)
		}
	}
	if err := t.WriteRecords(); err != nil {
		return err
	}
	for _, fn := range e.takePostCommit(t.Id) {
		if err := fn(t.Id); err != nil {
			return err
		}
	}
	return t.Complete()
}

// hookTable connects the garbage collection of tbl's versions with its
// indexes.
func (e *Engine) hookTable(tbl *Table) {
	tbl.data.OnPrune = func(rn basic.RecordNumber, image []byte) {
		e.gopher.Submit("prune", true, func() error { return e.pruneKeys(tbl, rn, image) })
	}
	tbl.data.OnRetire = func(rn basic.RecordNumber, image []byte, release func()) {
		e.gopher.Submit("retire", true, func() error {
			err := e.removeKeys(tbl, rn, image, nil)
			if err == nil {
				release()
			}
			return err
		})
	}
}

// pruneKeys removes the keys of a dead version unless a live version of
// the same record still carries them.
func (e *Engine) pruneKeys(tbl *Table, rn basic.RecordNumber, image []byte) error {
	if tbl.isDropped() {
		return nil
	}
	live, err := tbl.data.ChainImages(rn)
	if err != nil {
		return err
	}
	return e.removeKeys(tbl, rn, image, live)
}

func (e *Engine) removeKeys(tbl *Table, rn basic.RecordNumber, image []byte, live [][]byte) error {
	if tbl.isDropped() || image == nil {
		return nil
	}
	idxs := tbl.Indexes()
	if len(idxs) == 0 {
		return nil
	}
	row, err := tuple.DecodeRow(image)
	if err != nil {
		return err
	}
	var liveRows []tuple.Row
	for _, img := range live {
		if r, err := tuple.DecodeRow(img); err == nil {
			liveRows = append(liveRows, r)
		}
	}
next:
	for _, idx := range idxs {
		key := idx.Key(row)
		for _, lr := range liveRows {
			if bytes.Equal(idx.Key(lr), key) {
				continue next
			}
		}
		if _, err := idx.tree.Delete(key, rn, basic.NoTransId); err != nil {
			return errors.Wrapf(err, "index %s", idx.Name)
		}
	}
	return nil
}

func (e *Engine) checkpointJob() {
	if err := e.Checkpoint(); err != nil {
		logger.Errorf("checkpoint: %v", err)
	}
}

func (e *Engine) scavengeJob() {
	st := e.mvcc.Scavenge()
	if logger.DebugEnabled(logger.DebugGopher) {
		logger.Debugf("scavenge: %+v", st)
	}
}
