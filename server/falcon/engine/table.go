package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/section"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tuple"
)

// indexVersion tags deferred index batches. An index never changes its
// layout in place, a new definition gets a new id.
const indexVersion int32 = 1

// Index 二级索引
type Index struct {
	Id      int32
	Name    string
	Columns []int
	Unique  bool

	table *Table
	tree  *index.BTree
	rn    basic.RecordNumber // INDEXES row

	// serializes the duplicate check with the insertion of the key
	uniqueMu sync.Mutex
}

func (idx *Index) Table() *Table { return idx.table }

// Key encodes the indexed columns of row.
func (idx *Index) Key(row tuple.Row) []byte {
	return tuple.EncodeKey(row.Project(idx.Columns)...)
}

// Table 表
type Table struct {
	Id     int32
	Schema string
	Name   string
	Space  basic.TableSpaceId

	data *mvcc.Table
	sec  *section.Section
	rn   basic.RecordNumber // TABLES row

	mu      sync.RWMutex
	indexes []*Index
	dropped bool
}

func (tbl *Table) FullName() string { return tableName(tbl.Schema, tbl.Name) }

// Slot is the section directory slot of the table's records.
func (tbl *Table) Slot() int { return tbl.sec.Slot() }

// Indexes returns the live indexes by id.
func (tbl *Table) Indexes() []*Index {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return append([]*Index(nil), tbl.indexes...)
}

// Index finds an index by name, case-insensitively.
func (tbl *Table) Index(name string) *Index {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	for _, idx := range tbl.indexes {
		if strings.EqualFold(idx.Name, name) {
			return idx
		}
	}
	return nil
}

func (tbl *Table) addIndex(idx *Index) {
	tbl.mu.Lock()
	idx.table = tbl
	tbl.indexes = append(tbl.indexes, idx)
	sort.Slice(tbl.indexes, func(i, j int) bool { return tbl.indexes[i].Id < tbl.indexes[j].Id })
	tbl.mu.Unlock()
}

func (tbl *Table) removeIndex(idx *Index) {
	tbl.mu.Lock()
	for i, cur := range tbl.indexes {
		if cur == idx {
			tbl.indexes = append(tbl.indexes[:i], tbl.indexes[i+1:]...)
			break
		}
	}
	tbl.mu.Unlock()
}

func (tbl *Table) isDropped() bool {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.dropped
}

func tableName(schema, name string) string {
	return strings.ToUpper(schema) + "." + strings.ToUpper(name)
}

type tableKey struct {
	space basic.TableSpaceId
	id    int32
}
