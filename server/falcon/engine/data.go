package engine

import (
	"bytes"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

// Range bounds an index scan on a prefix of the index columns. Lower is
// inclusive; Upper is exclusive unless Inclusive is set, in which case
// every key starting with Upper matches.
type Range struct {
	Lower     tuple.Row
	Upper     tuple.Row
	Inclusive bool
}

// Equal matches the keys whose leading columns equal values.
func Equal(values ...tuple.Value) Range {
	return Range{Lower: values, Upper: values, Inclusive: true}
}

func (r Range) bounds() (lower, upper []byte) {
	if len(r.Lower) > 0 {
		lower = tuple.EncodeKey(r.Lower...)
	}
	if len(r.Upper) > 0 {
		upper = tuple.EncodeKey(r.Upper...)
		if r.Inclusive {
			upper = index.PrefixEnd(upper)
		}
	}
	return lower, upper
}

func inBounds(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	return upper == nil || bytes.Compare(key, upper) < 0
}

type cursorRow struct {
	key []byte
	rn  basic.RecordNumber
	row tuple.Row
}

// Cursor walks the rows a scan returned.
type Cursor struct {
	rows []cursorRow
	pos  int
}

// Next advances to the next row.
func (c *Cursor) Next() bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *Cursor) Row() tuple.Row { return c.rows[c.pos-1].row }

func (c *Cursor) RecordNumber() basic.RecordNumber { return c.rows[c.pos-1].rn }

func (c *Cursor) Len() int { return len(c.rows) }

// Rows drains the cursor.
func (c *Cursor) Rows() []tuple.Row {
	var out []tuple.Row
	for c.Next() {
		out = append(out, c.Row())
	}
	return out
}

func (c *Connection) writable(op string, tbl *Table) (*mvcc.Transaction, error) {
	t, err := c.current(op)
	if err != nil {
		return nil, err
	}
	if tbl.isDropped() {
		return nil, basic.Errorf(basic.KindTableNotFound, op, "table %s was dropped", tbl.FullName())
	}
	return t, nil
}

// indexKeys encodes row for every index and checks the key lengths.
func (c *Connection) indexKeys(op string, idxs []*Index, row tuple.Row) ([][]byte, error) {
	limit := index.MaxKeyLength(c.e.cfg.PageSize)
	keys := make([][]byte, len(idxs))
	for i, idx := range idxs {
		keys[i] = idx.Key(row)
		if len(keys[i]) > limit {
			return nil, basic.Errorf(basic.KindIndexOverflow, op, "key of %d bytes for index %s", len(keys[i]), idx.Name)
		}
	}
	return keys, nil
}

// lockUnique holds the duplicate-check mutexes of the unique indexes in
// id order and returns the function releasing them.
func lockUnique(idxs []*Index) func() {
	var held []*Index
	for _, idx := range idxs {
		if idx.Unique {
			idx.uniqueMu.Lock()
			held = append(held, idx)
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].uniqueMu.Unlock()
		}
	}
}

// checkUnique fails when another record visible to anyone carries key in
// idx. A record whose newest version belongs to a running transaction
// is a conflict rather than a duplicate, since that transaction may still
// roll back.
func (c *Connection) checkUnique(t *mvcc.Transaction, idx *Index, key []byte, self basic.RecordNumber) error {
	tbl := idx.table
	cands := roaring.New()
	found, err := idx.tree.Lookup(key)
	if err != nil {
		return err
	}
	for _, rn := range found {
		cands.Add(uint32(rn))
	}
	end := index.PrefixEnd(key)
	c.e.mvcc.VisitDeferred(tbl.Space, idx.Id, func(_ *mvcc.TransState, di *index.DeferredIndex) {
		di.Scan(key, end, func(en index.Entry) bool {
			if !en.Delete && bytes.Equal(en.Key, key) {
				cands.Add(uint32(en.RecordNumber))
			}
			return true
		})
	})

	it := cands.Iterator()
	for it.HasNext() {
		rn := basic.RecordNumber(it.Next())
		if rn == self {
			continue
		}
		data, deleted, pending, err := tbl.data.Newest(t, rn)
		if err != nil {
			return err
		}
		if deleted {
			if pending {
				return basic.Errorf(basic.KindConflictingUpdate, "checkUnique", "record %d of %s is being deleted", rn, tbl.Name)
			}
			continue
		}
		if data == nil {
			continue
		}
		row, err := tuple.DecodeRow(data)
		if err != nil {
			return err
		}
		if !bytes.Equal(idx.Key(row), key) {
			continue
		}
		if pending {
			return basic.Errorf(basic.KindConflictingUpdate, "checkUnique", "key of index %s written by a running transaction", idx.Name)
		}
		return basic.Errorf(basic.KindDuplicateKey, "checkUnique", "index %s, record %d", idx.Name, rn)
	}
	return nil
}

func (c *Connection) checkAllUnique(t *mvcc.Transaction, idxs []*Index, keys [][]byte, self basic.RecordNumber) error {
	for i, idx := range idxs {
		if !idx.Unique {
			continue
		}
		if err := c.checkUnique(t, idx, keys[i], self); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds row to tbl and returns its record number.
func (c *Connection) Insert(tbl *Table, row tuple.Row) (basic.RecordNumber, error) {
	t, err := c.writable("Insert", tbl)
	if err != nil {
		return basic.NoRecordNumber, err
	}
	idxs := tbl.Indexes()
	keys, err := c.indexKeys("Insert", idxs, row)
	if err != nil {
		return basic.NoRecordNumber, err
	}
	unlock := lockUnique(idxs)
	defer unlock()
	if err := c.checkAllUnique(t, idxs, keys, basic.NoRecordNumber); err != nil {
		return basic.NoRecordNumber, err
	}
	rn, err := tbl.data.Insert(t, tuple.EncodeRow(row))
	if err != nil {
		return basic.NoRecordNumber, err
	}
	for i, idx := range idxs {
		t.AddIndexEntry(tbl.data, idx.Id, indexVersion, keys[i], rn)
	}
	return rn, nil
}

// Update replaces record rn of tbl with row. Keys of the old image stay in
// the indexes until the old version is pruned.
func (c *Connection) Update(tbl *Table, rn basic.RecordNumber, row tuple.Row) error {
	t, err := c.writable("Update", tbl)
	if err != nil {
		return err
	}
	idxs := tbl.Indexes()
	keys, err := c.indexKeys("Update", idxs, row)
	if err != nil {
		return err
	}
	// take the row first so the unique mutexes are never held across a
	// row-lock wait
	if _, err := tbl.data.FetchForUpdate(t, rn); err != nil {
		return err
	}
	unlock := lockUnique(idxs)
	defer unlock()
	if err := c.checkAllUnique(t, idxs, keys, rn); err != nil {
		return err
	}
	old, err := tbl.data.Update(t, rn, tuple.EncodeRow(row))
	if err != nil {
		return err
	}
	var oldRow tuple.Row
	if old != nil {
		if oldRow, err = tuple.DecodeRow(old); err != nil {
			return err
		}
	}
	for i, idx := range idxs {
		if oldRow != nil && bytes.Equal(idx.Key(oldRow), keys[i]) {
			continue
		}
		t.AddIndexEntry(tbl.data, idx.Id, indexVersion, keys[i], rn)
	}
	return nil
}

// Delete removes record rn of tbl.
func (c *Connection) Delete(tbl *Table, rn basic.RecordNumber) error {
	t, err := c.writable("Delete", tbl)
	if err != nil {
		return err
	}
	_, err = tbl.data.Delete(t, rn)
	return err
}

// Fetch returns record rn as the open transaction sees it. A record the
// transaction cannot see fails with a record-not-found error.
func (c *Connection) Fetch(tbl *Table, rn basic.RecordNumber) (tuple.Row, error) {
	t, err := c.current("Fetch")
	if err != nil {
		return nil, err
	}
	data, err := tbl.data.Fetch(t, rn)
	if err != nil {
		return nil, err
	}
	return tuple.DecodeRow(data)
}

// FetchForUpdate locks record rn for the open transaction and returns it.
func (c *Connection) FetchForUpdate(tbl *Table, rn basic.RecordNumber) (tuple.Row, error) {
	t, err := c.writable("FetchForUpdate", tbl)
	if err != nil {
		return nil, err
	}
	data, err := tbl.data.FetchForUpdate(t, rn)
	if err != nil {
		return nil, err
	}
	return tuple.DecodeRow(data)
}

// Scan returns the rows of tbl the open transaction sees. With an index
// name the rows come in key order restricted to r, otherwise in record
// number order.
func (c *Connection) Scan(tbl *Table, indexName string, r Range) (*Cursor, error) {
	t, err := c.current("Scan")
	if err != nil {
		return nil, err
	}
	cur := &Cursor{}
	if indexName == "" {
		err := tbl.data.Scan(t, func(rn basic.RecordNumber, data []byte) error {
			row, err := tuple.DecodeRow(data)
			if err == nil {
				cur.rows = append(cur.rows, cursorRow{rn: rn, row: row})
			}
			return err
		})
		return cur, err
	}

	idx := tbl.Index(indexName)
	if idx == nil {
		return nil, basic.Errorf(basic.KindIndexNotFound, "Scan", "index %s on %s", indexName, tbl.FullName())
	}
	lower, upper := r.bounds()
	cands := roaring.New()
	err = idx.tree.Scan(lower, upper, func(_ []byte, rn basic.RecordNumber) bool {
		cands.Add(uint32(rn))
		return true
	})
	if err != nil {
		return nil, err
	}
	c.e.mvcc.VisitDeferred(tbl.Space, idx.Id, func(_ *mvcc.TransState, di *index.DeferredIndex) {
		di.Scan(lower, upper, func(en index.Entry) bool {
			if !en.Delete {
				cands.Add(uint32(en.RecordNumber))
			}
			return true
		})
	})

	// entries may be stale, the row decides
	it := cands.Iterator()
	for it.HasNext() {
		rn := basic.RecordNumber(it.Next())
		data, err := tbl.data.Fetch(t, rn)
		if basic.IsKind(err, basic.KindRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		row, err := tuple.DecodeRow(data)
		if err != nil {
			return nil, err
		}
		key := idx.Key(row)
		if !inBounds(key, lower, upper) {
			continue
		}
		cur.rows = append(cur.rows, cursorRow{key: key, rn: rn, row: row})
	}
	sort.Slice(cur.rows, func(i, j int) bool {
		if d := bytes.Compare(cur.rows[i].key, cur.rows[j].key); d != 0 {
			return d < 0
		}
		return cur.rows[i].rn < cur.rows[j].rn
	})
	return cur, nil
}
