package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/section"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

var errStopScan = errors.New("stop scan")

// resolveSpace finds a table space by name; the empty name is the master.
func (e *Engine) resolveSpace(name string) (*tablespace.TableSpace, error) {
	if name == "" {
		return e.system, nil
	}
	return e.spaces.FindTableSpace(name)
}

// CreateTable creates an empty table in the named table space.
func (e *Engine) CreateTable(schema, name, tableSpace string) (*Table, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	if _, err := e.Table(schema, name); err == nil {
		return nil, basic.Errorf(basic.KindTableExists, "CreateTable", "%s.%s", schema, name)
	}
	ts, err := e.resolveSpace(tableSpace)
	if err != nil {
		return nil, err
	}
	id, err := e.nextSequence(seqTableId, firstUserTableId)
	if err != nil {
		return nil, err
	}
	slot, err := ts.Space().FreeSlot()
	if err != nil {
		return nil, err
	}
	sec, err := section.Create(ts.Space(), slot, basic.NoTransId)
	if err != nil {
		return nil, errors.Wrapf(err, "create table %s.%s", schema, name)
	}
	r := tableRow{Id: int32(id), Schema: schema, Name: name, Space: ts.Id, Slot: slot}
	var rn basic.RecordNumber
	err = e.autocommit("CreateTable", func(t *mvcc.Transaction) error {
		var err error
		rn, err = e.sys[sysTables].Insert(t, r.encode())
		return err
	})
	if err != nil {
		if dropErr := sec.Drop(basic.NoTransId); dropErr != nil {
			logger.Warnf("create table %s.%s: drop section: %v", schema, name, dropErr)
		}
		return nil, err
	}
	tbl, err := e.openTable(r, sec)
	if err != nil {
		return nil, err
	}
	tbl.rn = rn
	logger.WithFields(logrus.Fields{"table": tbl.FullName(), "id": r.Id, "space": ts.Name, "slot": slot}).Info("table created")
	return tbl, nil
}

// isEmpty reports whether no committed record of tbl is left.
func (e *Engine) isEmpty(tbl *Table) (bool, error) {
	t := e.mvcc.Begin(context.Background(), basic.ReadCommitted)
	defer func() { _ = t.Commit() }()
	empty := true
	err := tbl.data.Scan(t, func(basic.RecordNumber, []byte) error {
		empty = false
		return errStopScan
	})
	if err != nil && err != errStopScan {
		return false, err
	}
	return empty, nil
}

// DropTable removes a table and its indexes. A table that still holds
// rows is only dropped when force is set.
func (e *Engine) DropTable(schema, name string, force bool) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	tbl, err := e.Table(schema, name)
	if err != nil {
		return err
	}
	if !force {
		empty, err := e.isEmpty(tbl)
		if err != nil {
			return err
		}
		if !empty {
			return basic.Errorf(basic.KindTableNotEmpty, "DropTable", "%s", tbl.FullName())
		}
	}

	idxs := tbl.Indexes()
	tbl.mu.Lock()
	tbl.dropped = true
	tbl.mu.Unlock()
	err = e.autocommit("DropTable", func(t *mvcc.Transaction) error {
		for _, idx := range idxs {
			if _, err := e.sys[sysIndexes].Delete(t, idx.rn); err != nil {
				return err
			}
		}
		if _, err := e.sys[sysTables].Delete(t, tbl.rn); err != nil {
			return err
		}
		e.afterCommit(t, func(tid basic.TransId) error {
			for _, idx := range idxs {
				if err := idx.tree.Drop(tid); err != nil {
					return errors.Wrapf(err, "drop index %s", idx.Name)
				}
			}
			if err := tbl.sec.Drop(tid); err != nil {
				return errors.Wrapf(err, "drop records of %s", tbl.FullName())
			}
			tbl.data.Release()
			return nil
		})
		return nil
	})
	if err != nil {
		tbl.mu.Lock()
		tbl.dropped = false
		tbl.mu.Unlock()
		return err
	}

	e.catMu.Lock()
	delete(e.tables, tbl.FullName())
	delete(e.tablesById, tableKey{space: tbl.Space, id: tbl.Id})
	for _, idx := range idxs {
		delete(e.indexes, idx.Id)
	}
	e.catMu.Unlock()
	logger.WithFields(logrus.Fields{"table": tbl.FullName(), "indexes": len(idxs)}).Info("table dropped")
	return nil
}

// CreateIndex builds an index on columns of tbl from its committed rows.
func (e *Engine) CreateIndex(schema, table, name string, columns []int, unique bool) (*Index, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	tbl, err := e.Table(schema, table)
	if err != nil {
		return nil, err
	}
	if tbl.Index(name) != nil {
		return nil, basic.Errorf(basic.KindInvalidState, "CreateIndex", "index %s exists on %s", name, tbl.FullName())
	}
	if len(columns) == 0 {
		return nil, basic.Errorf(basic.KindInvalidState, "CreateIndex", "index %s has no columns", name)
	}
	id, err := e.nextSequence(seqIndexId, 1)
	if err != nil {
		return nil, err
	}
	tree, err := index.CreateBTree(tbl.sec.Space(), basic.NoTransId)
	if err != nil {
		return nil, err
	}
	idx := &Index{Id: int32(id), Name: name, Columns: append([]int(nil), columns...), Unique: unique, table: tbl, tree: tree}

	fail := func(err error) (*Index, error) {
		if dropErr := tree.Drop(basic.NoTransId); dropErr != nil {
			logger.Warnf("create index %s: drop tree: %v", name, dropErr)
		}
		return nil, err
	}
	if err := e.populate(idx); err != nil {
		return fail(err)
	}
	r := indexRow{Id: idx.Id, TableId: tbl.Id, Name: name, Columns: idx.Columns, Unique: unique, Space: tbl.Space, Root: tree.Root()}
	err = e.autocommit("CreateIndex", func(t *mvcc.Transaction) error {
		var err error
		idx.rn, err = e.sys[sysIndexes].Insert(t, r.encode())
		return err
	})
	if err != nil {
		return fail(err)
	}
	tbl.addIndex(idx)
	e.catMu.Lock()
	e.indexes[idx.Id] = idx
	e.catMu.Unlock()
	logger.WithFields(logrus.Fields{"table": tbl.FullName(), "index": name, "id": idx.Id, "unique": unique}).Info("index created")
	return idx, nil
}

// populate fills a new index with the keys of every committed row.
func (e *Engine) populate(idx *Index) error {
	t := e.mvcc.Begin(context.Background(), basic.ConsistentRead)
	defer func() { _ = t.Commit() }()
	var entries []index.Entry
	seen := make(map[string]basic.RecordNumber)
	err := idx.table.data.Scan(t, func(rn basic.RecordNumber, data []byte) error {
		row, err := tuple.DecodeRow(data)
		if err != nil {
			return err
		}
		key := idx.Key(row)
		if idx.Unique {
			if other, ok := seen[string(key)]; ok {
				return basic.Errorf(basic.KindDuplicateKey, "CreateIndex", "records %d and %d share a key of %s", other, rn, idx.Name)
			}
			seen[string(key)] = rn
		}
		entries = append(entries, index.Entry{Key: key, RecordNumber: rn})
		return nil
	})
	if err != nil {
		return err
	}
	return idx.tree.Apply(entries, basic.NoTransId)
}

// DropIndex removes an index. Batches of running transactions for it are
// discarded at their commit.
func (e *Engine) DropIndex(schema, table, name string) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	tbl, err := e.Table(schema, table)
	if err != nil {
		return err
	}
	idx := tbl.Index(name)
	if idx == nil {
		return basic.Errorf(basic.KindIndexNotFound, "DropIndex", "index %s on %s", name, tbl.FullName())
	}

	tbl.removeIndex(idx)
	e.catMu.Lock()
	delete(e.indexes, idx.Id)
	e.catMu.Unlock()
	err = e.autocommit("DropIndex", func(t *mvcc.Transaction) error {
		if _, err := e.sys[sysIndexes].Delete(t, idx.rn); err != nil {
			return err
		}
		rec := &serial_log.DeleteIndex{TableSpace: tbl.Space, TransId: t.Id, IndexId: idx.Id, Version: indexVersion}
		if _, _, err := e.log.Append(rec); err != nil {
			return err
		}
		e.afterCommit(t, func(tid basic.TransId) error { return idx.tree.Drop(tid) })
		return nil
	})
	if err != nil {
		tbl.addIndex(idx)
		e.catMu.Lock()
		e.indexes[idx.Id] = idx
		e.catMu.Unlock()
		return err
	}
	logger.WithFields(logrus.Fields{"table": tbl.FullName(), "index": name}).Info("index dropped")
	return nil
}

// CreateTableSpace creates a data table space backed by filename.
func (e *Engine) CreateTableSpace(name, filename string) (tablespace.Row, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	ts, err := e.spaces.CreateTableSpace(name, filename, basic.TableSpaceData, basic.NoTransId)
	if err != nil {
		return tablespace.Row{}, err
	}
	return ts.Row, nil
}

// DropTableSpace drops an empty table space and deletes its file.
func (e *Engine) DropTableSpace(name string) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	ts, err := e.spaces.FindTableSpace(name)
	if err != nil {
		return err
	}
	// drops of its tables may still be freeing pages
	e.gopher.Drain()
	n := 0
	for _, tbl := range e.Tables() {
		if tbl.Space == ts.Id {
			n++
		}
	}
	if n > 0 {
		return basic.Errorf(basic.KindInvalidState, "DropTableSpace", "table space %s holds %d tables", name, n)
	}
	return e.spaces.DropTableSpace(name)
}

// TableSpaces lists the open table spaces by id.
func (e *Engine) TableSpaces() []tablespace.Row {
	return e.spaces.Enumerate()
}
