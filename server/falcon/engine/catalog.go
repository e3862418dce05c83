package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/section"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

// System tables live in the master table space, table id i+1 in
// section slot i.
const (
	sysTableSpaces = iota
	sysTables
	sysIndexes
	sysSequences
	sysCount
)

const (
	// SystemSchema owns the catalog tables.
	SystemSchema = "SYSTEM"
	masterFile   = "falcon_master.fts"

	seqTableSpaceId = "TABLESPACE_ID"
	seqTableId      = "TABLE_ID"
	seqIndexId      = "INDEX_ID"

	firstUserTableId = 100
)

var systemTableNames = [sysCount]string{"TABLESPACES", "TABLES", "INDEXES", "SEQUENCES"}

func systemTableId(sys int) int32 { return int32(sys + 1) }

// systemSlot maps a table id of the master table space to its catalog
// slot, or -1.
func systemSlot(space basic.TableSpaceId, id int32) int {
	if space != basic.SystemTableSpaceId || id < 1 || id > sysCount {
		return -1
	}
	return int(id - 1)
}

type spaceEntry struct {
	row tablespace.Row
	rn  basic.RecordNumber
}

type sequence struct {
	rn    basic.RecordNumber
	value int64
}

type tableRow struct {
	Id     int32
	Schema string
	Name   string
	Space  basic.TableSpaceId
	Slot   int
}

type indexRow struct {
	Id      int32
	TableId int32
	Name    string
	Columns []int
	Unique  bool
	Space   basic.TableSpaceId
	Root    basic.PageNumber
}

func corrupt(table string, row tuple.Row) error {
	return basic.Errorf(basic.KindCorruption, "catalog", "bad %s row %s", table, row)
}

func encodeSpaceRow(r tablespace.Row) []byte {
	return tuple.EncodeRow(tuple.Row{
		tuple.Int(int64(r.Id)), tuple.String(r.Name), tuple.String(r.Filename), tuple.Int(int64(r.Type)),
	})
}

func decodeSpaceRow(row tuple.Row) (tablespace.Row, error) {
	if len(row) < 4 {
		return tablespace.Row{}, corrupt("TABLESPACES", row)
	}
	return tablespace.Row{
		Id:       basic.TableSpaceId(row[0].Int64()),
		Name:     row[1].Str(),
		Filename: row[2].Str(),
		Type:     basic.TableSpaceType(row[3].Int64()),
	}, nil
}

func (r tableRow) encode() []byte {
	return tuple.EncodeRow(tuple.Row{
		tuple.Int(int64(r.Id)), tuple.String(r.Schema), tuple.String(r.Name),
		tuple.Int(int64(r.Space)), tuple.Int(int64(r.Slot)),
	})
}

func decodeTableRow(row tuple.Row) (tableRow, error) {
	if len(row) < 5 {
		return tableRow{}, corrupt("TABLES", row)
	}
	return tableRow{
		Id:     int32(row[0].Int64()),
		Schema: row[1].Str(),
		Name:   row[2].Str(),
		Space:  basic.TableSpaceId(row[3].Int64()),
		Slot:   int(row[4].Int64()),
	}, nil
}

func (r indexRow) encode() []byte {
	cols := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		cols[i] = strconv.Itoa(c)
	}
	unique := int64(0)
	if r.Unique {
		unique = 1
	}
	return tuple.EncodeRow(tuple.Row{
		tuple.Int(int64(r.Id)), tuple.Int(int64(r.TableId)), tuple.String(r.Name),
		tuple.String(strings.Join(cols, ",")), tuple.Int(unique),
		tuple.Int(int64(r.Space)), tuple.Int(int64(r.Root)),
	})
}

func decodeIndexRow(row tuple.Row) (indexRow, error) {
	if len(row) < 7 {
		return indexRow{}, corrupt("INDEXES", row)
	}
	r := indexRow{
		Id:      int32(row[0].Int64()),
		TableId: int32(row[1].Int64()),
		Name:    row[2].Str(),
		Unique:  row[4].Int64() != 0,
		Space:   basic.TableSpaceId(row[5].Int64()),
		Root:    basic.PageNumber(row[6].Int64()),
	}
	if s := row[3].Str(); s != "" {
		for _, part := range strings.Split(s, ",") {
			c, err := strconv.Atoi(part)
			if err != nil {
				return indexRow{}, corrupt("INDEXES", row)
			}
			r.Columns = append(r.Columns, c)
		}
	}
	return r, nil
}

// scanSection reads catalog rows straight from a section. Used before the
// catalog is loaded, when no transaction can run yet.
func scanSection(sec *section.Section, fn func(rn basic.RecordNumber, row tuple.Row) error) error {
	return sec.Scan(func(rn basic.RecordNumber, data []byte) error {
		row, err := tuple.DecodeRow(data)
		if err != nil {
			return errors.Wrapf(err, "catalog record %d", rn)
		}
		return fn(rn, row)
	})
}

// catalog implements tablespace.Catalog on the TABLESPACES and SEQUENCES
// system tables.
type catalog struct{ e *Engine }

func (c catalog) NextTableSpaceId() (basic.TableSpaceId, error) {
	id, err := c.e.nextSequence(seqTableSpaceId, 1)
	return basic.TableSpaceId(id), err
}

func (c catalog) StoreTableSpace(row tablespace.Row) error {
	e := c.e
	var rn basic.RecordNumber
	err := e.autocommit("StoreTableSpace", func(t *mvcc.Transaction) error {
		var err error
		rn, err = e.sys[sysTableSpaces].Insert(t, encodeSpaceRow(row))
		return err
	})
	if err != nil {
		return err
	}
	e.catMu.Lock()
	e.spaceRows[row.Id] = &spaceEntry{row: row, rn: rn}
	e.catMu.Unlock()
	return nil
}

func (c catalog) DeleteTableSpace(id basic.TableSpaceId) error {
	e := c.e
	e.catMu.RLock()
	ent := e.spaceRows[id]
	e.catMu.RUnlock()
	if ent == nil {
		return nil
	}
	err := e.autocommit("DeleteTableSpace", func(t *mvcc.Transaction) error {
		_, err := e.sys[sysTableSpaces].Delete(t, ent.rn)
		return err
	})
	if err != nil {
		return err
	}
	e.catMu.Lock()
	delete(e.spaceRows, id)
	e.catMu.Unlock()
	return nil
}

func (c catalog) LoadTableSpace(name string) (*tablespace.Row, error) {
	rows, err := c.LoadTableSpaces()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if strings.EqualFold(row.Name, name) {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (c catalog) LoadTableSpaces() ([]tablespace.Row, error) {
	e := c.e
	var rows []tablespace.Row
	e.catMu.RLock()
	ready := e.ready
	if ready {
		for _, ent := range e.spaceRows {
			rows = append(rows, ent.row)
		}
	}
	e.catMu.RUnlock()
	if !ready {
		err := scanSection(e.sysSec[sysTableSpaces], func(_ basic.RecordNumber, row tuple.Row) error {
			r, err := decodeSpaceRow(row)
			rows = append(rows, r)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Id < rows[j].Id })
	return rows, nil
}

// nextSequence hands out the next value of a named sequence, starting at
// start. Each value is committed before it is returned.
func (e *Engine) nextSequence(name string, start int64) (int64, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	s := e.seqs[name]
	value := start
	if s != nil {
		value = s.value
	}
	data := tuple.EncodeRow(tuple.Row{tuple.String(name), tuple.Int(value + 1)})
	rn := basic.NoRecordNumber
	err := e.autocommit("nextSequence", func(t *mvcc.Transaction) error {
		var err error
		if s == nil {
			rn, err = e.sys[sysSequences].Insert(t, data)
			return err
		}
		_, err = e.sys[sysSequences].Update(t, s.rn, data)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "sequence %s", name)
	}
	if s == nil {
		s = &sequence{rn: rn}
		e.seqs[name] = s
	}
	s.value = value + 1
	return value, nil
}

func (e *Engine) openSystemSections() error {
	for i := 0; i < sysCount; i++ {
		if e.sysSec[i] != nil {
			continue
		}
		sec, err := section.Open(e.system.Space(), i)
		if err != nil {
			return errors.Wrapf(err, "system table %s", systemTableNames[i])
		}
		e.sysSec[i] = sec
	}
	return nil
}

// bootstrap creates the catalog sections of a new master table space.
func (e *Engine) bootstrap() error {
	for i := 0; i < sysCount; i++ {
		sec, err := section.Create(e.system.Space(), i, basic.NoTransId)
		if err != nil {
			return errors.Wrapf(err, "create system table %s", systemTableNames[i])
		}
		e.sysSec[i] = sec
	}
	logger.Infof("created the catalog in %s", masterFile)
	return nil
}

// loadCatalog reads the system tables into memory and opens every user
// table and index. After it returns the catalog is served from memory.
func (e *Engine) loadCatalog() error {
	for i := 0; i < sysCount; i++ {
		tbl, err := e.mvcc.OpenTable(basic.SystemTableSpaceId, systemTableId(i), systemTableNames[i], e.sysSec[i])
		if err != nil {
			return err
		}
		e.sys[i] = tbl
	}

	err := scanSection(e.sysSec[sysTableSpaces], func(rn basic.RecordNumber, row tuple.Row) error {
		r, err := decodeSpaceRow(row)
		if err == nil {
			e.spaceRows[r.Id] = &spaceEntry{row: r, rn: rn}
		}
		return err
	})
	if err != nil {
		return err
	}
	err = scanSection(e.sysSec[sysSequences], func(rn basic.RecordNumber, row tuple.Row) error {
		if len(row) < 2 {
			return corrupt("SEQUENCES", row)
		}
		e.seqs[row[0].Str()] = &sequence{rn: rn, value: row[1].Int64()}
		return nil
	})
	if err != nil {
		return err
	}

	err = scanSection(e.sysSec[sysTables], func(rn basic.RecordNumber, row tuple.Row) error {
		r, err := decodeTableRow(row)
		if err != nil {
			return err
		}
		ts, err := e.spaces.GetTableSpace(r.Space)
		if err != nil {
			logger.Warnf("table %s.%s: %v", r.Schema, r.Name, err)
			return nil
		}
		sec, err := section.Open(ts.Space(), r.Slot)
		if basic.IsKind(err, basic.KindTableNotFound) {
			logger.Warnf("table %s.%s has no section in slot %d", r.Schema, r.Name, r.Slot)
			return nil
		}
		if err != nil {
			return err
		}
		tbl, err := e.openTable(r, sec)
		if err != nil {
			return err
		}
		tbl.rn = rn
		return nil
	})
	if err != nil {
		return err
	}

	err = scanSection(e.sysSec[sysIndexes], func(rn basic.RecordNumber, row tuple.Row) error {
		r, err := decodeIndexRow(row)
		if err != nil {
			return err
		}
		tbl := e.tablesById[tableKey{space: r.Space, id: r.TableId}]
		if tbl == nil {
			logger.Warnf("index %s belongs to missing table %d", r.Name, r.TableId)
			return nil
		}
		idx := &Index{Id: r.Id, Name: r.Name, Columns: r.Columns, Unique: r.Unique, rn: rn,
			tree: index.OpenBTree(tbl.sec.Space(), r.Root)}
		tbl.addIndex(idx)
		e.indexes[idx.Id] = idx
		return nil
	})
	if err != nil {
		return err
	}

	e.catMu.Lock()
	e.ready = true
	e.catMu.Unlock()
	logger.Infof("catalog loaded: %d table spaces, %d tables, %d indexes", len(e.spaceRows), len(e.tables), len(e.indexes))
	return nil
}

// openTable attaches the records of a table and registers it.
func (e *Engine) openTable(r tableRow, sec *section.Section) (*Table, error) {
	data, err := e.mvcc.OpenTable(r.Space, r.Id, r.Name, sec)
	if err != nil {
		return nil, err
	}
	tbl := &Table{Id: r.Id, Schema: r.Schema, Name: r.Name, Space: r.Space, data: data, sec: sec, rn: basic.NoRecordNumber}
	e.hookTable(tbl)
	e.catMu.Lock()
	e.tables[tbl.FullName()] = tbl
	e.tablesById[tableKey{space: tbl.Space, id: tbl.Id}] = tbl
	e.catMu.Unlock()
	return tbl, nil
}

// replayer writes recovered and resolved changes into sections and
// B-trees. Before the catalog is loaded it resolves tables from the
// system sections, afterwards from memory.
type replayer struct {
	e       *Engine
	runtime bool

	tables  map[int32]tableRow
	indexes map[int32]indexRow
	opened  map[tableKey]*section.Section
	trees   map[int32]*index.BTree
	dropped map[int32]bool // indexes
}

func newReplayer(e *Engine, runtime bool) *replayer {
	return &replayer{
		e:       e,
		runtime: runtime,
		opened:  make(map[tableKey]*section.Section),
		trees:   make(map[int32]*index.BTree),
		dropped: make(map[int32]bool),
	}
}

func (r *replayer) LoadTableSpaces(dropped map[basic.TableSpaceId]bool) error {
	if err := r.e.openSystemSections(); err != nil {
		return err
	}
	return r.e.spaces.LoadCatalog(dropped)
}

func (r *replayer) lookupTable(id int32) (tableRow, bool, error) {
	if row, ok := r.tables[id]; ok {
		return row, true, nil
	}
	r.tables = make(map[int32]tableRow)
	err := scanSection(r.e.sysSec[sysTables], func(_ basic.RecordNumber, row tuple.Row) error {
		tr, err := decodeTableRow(row)
		r.tables[tr.Id] = tr
		return err
	})
	row, ok := r.tables[id]
	return row, ok, err
}

func (r *replayer) lookupIndex(id int32) (indexRow, bool, error) {
	if row, ok := r.indexes[id]; ok {
		return row, true, nil
	}
	r.indexes = make(map[int32]indexRow)
	err := scanSection(r.e.sysSec[sysIndexes], func(_ basic.RecordNumber, row tuple.Row) error {
		ir, err := decodeIndexRow(row)
		r.indexes[ir.Id] = ir
		return err
	})
	row, ok := r.indexes[id]
	return row, ok, err
}

// section resolves the section a record batch goes to, nil when the table
// no longer exists.
func (r *replayer) section(space basic.TableSpaceId, id int32) (*section.Section, error) {
	if slot := systemSlot(space, id); slot >= 0 {
		return r.e.sysSec[slot], nil
	}
	if r.runtime {
		if tbl := r.e.tableById(space, id); tbl != nil {
			return tbl.sec, nil
		}
		return nil, nil
	}
	key := tableKey{space: space, id: id}
	if sec, ok := r.opened[key]; ok {
		return sec, nil
	}
	row, ok, err := r.lookupTable(id)
	if err != nil || !ok || row.Space != space {
		return nil, err
	}
	ts, err := r.e.spaces.GetTableSpace(space)
	if err != nil {
		return nil, nil
	}
	sec, err := section.Open(ts.Space(), row.Slot)
	if basic.IsKind(err, basic.KindTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.opened[key] = sec
	return sec, nil
}

func (r *replayer) tree(id int32) (*index.BTree, error) {
	if r.runtime {
		if idx := r.e.indexById(id); idx != nil {
			return idx.tree, nil
		}
		return nil, nil
	}
	if tree, ok := r.trees[id]; ok {
		return tree, nil
	}
	row, ok, err := r.lookupIndex(id)
	if err != nil || !ok {
		return nil, err
	}
	ts, err := r.e.spaces.GetTableSpace(row.Space)
	if err != nil {
		return nil, nil
	}
	tree := index.OpenBTree(ts.Space(), row.Root)
	r.trees[id] = tree
	return tree, nil
}

// cascade drops the storage of a catalog row the batch deletes.
func (r *replayer) cascade(sys int, sec *section.Section, rn basic.RecordNumber, tid basic.TransId) error {
	if r.runtime || (sys != sysTables && sys != sysIndexes) {
		return nil
	}
	data, err := sec.Fetch(rn)
	if err != nil || data == nil {
		return err
	}
	row, err := tuple.DecodeRow(data)
	if err != nil {
		return err
	}
	if sys == sysTables {
		tr, err := decodeTableRow(row)
		if err != nil {
			return err
		}
		target, err := r.section(tr.Space, tr.Id)
		if err != nil || target == nil {
			return err
		}
		delete(r.opened, tableKey{space: tr.Space, id: tr.Id})
		logger.Infof("recovery: dropping the records of table %s.%s", tr.Schema, tr.Name)
		return target.Drop(tid)
	}
	ir, err := decodeIndexRow(row)
	if err != nil {
		return err
	}
	tree, err := r.tree(ir.Id)
	if err != nil || tree == nil {
		return err
	}
	delete(r.trees, ir.Id)
	r.dropped[ir.Id] = true
	logger.Infof("recovery: dropping index %s", ir.Name)
	return tree.Drop(tid)
}

func (r *replayer) ApplyRecords(rec *serial_log.UpdateRecords) error {
	sec, err := r.section(rec.TableSpace, rec.TableId)
	if err != nil {
		return err
	}
	if sec == nil {
		if logger.DebugEnabled(logger.DebugRecovery) {
			logger.Debugf("replay: table %d:%d is gone, skip %d records", rec.TableSpace, rec.TableId, len(rec.Records))
		}
		return nil
	}
	sys := systemSlot(rec.TableSpace, rec.TableId)
	var data *mvcc.Table
	if r.runtime {
		data = r.e.mvcc.Table(rec.TableSpace, rec.TableId)
	}
	for _, rd := range rec.Records {
		if rd.Deleted {
			if err := r.cascade(sys, sec, rd.RecordNumber, rec.TransId); err != nil {
				return errors.Wrapf(err, "drop storage of catalog record %d", rd.RecordNumber)
			}
			if _, err := sec.Delete(rd.RecordNumber, rec.TransId); err != nil {
				return err
			}
		} else if err := sec.Store(rd.RecordNumber, rd.Data, rec.TransId); err != nil {
			return err
		}
		if data != nil && !data.Forget(rd.RecordNumber) {
			logger.Warnf("record %d of table %s still has versions in memory", rd.RecordNumber, data.Name)
		}
	}
	// rows of the catalog changed under the cached lookups
	if sys == sysTables {
		r.tables = nil
	} else if sys == sysIndexes {
		r.indexes = nil
	}
	return nil
}

func (r *replayer) ApplyIndex(rec *serial_log.UpdateIndex) error {
	if r.dropped[rec.IndexId] {
		return nil
	}
	tree, err := r.tree(rec.IndexId)
	if err != nil || tree == nil {
		return err
	}
	entries := make([]index.Entry, len(rec.Entries))
	for i, en := range rec.Entries {
		entries[i] = index.Entry{Key: en.Key, RecordNumber: en.RecordNumber, Delete: en.Delete}
	}
	return tree.Apply(entries, rec.TransId)
}

func (r *replayer) DropIndex(rec *serial_log.DeleteIndex) error {
	r.dropped[rec.IndexId] = true
	return nil
}
