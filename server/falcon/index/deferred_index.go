package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// Entry is one index change: key → record number, or its removal.
type Entry struct {
	Key          []byte
	RecordNumber basic.RecordNumber
	Delete       bool
}

func compareEntry(aKey []byte, aRn basic.RecordNumber, bKey []byte, bRn basic.RecordNumber) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aRn < bRn:
		return -1
	case aRn > bRn:
		return 1
	}
	return 0
}

type entryItem struct{ Entry }

func (e entryItem) Less(item btree.Item) bool {
	o := item.(entryItem)
	return compareEntry(e.Key, e.RecordNumber, o.Key, o.RecordNumber) < 0
}

// DeferredIndex collects the index changes of one transaction against one
// index until the gopher merges them into the B-tree.
type DeferredIndex struct {
	TableSpace basic.TableSpaceId
	IndexId    int32
	Version    int32

	mu    sync.RWMutex
	tree  *btree.BTree
	bytes int

	// chilled batches were written to the serial log and dropped from memory
	chilled      bool
	chilledCount int
	Start, End   basic.VirtualOffset
}

// NewDeferredIndex 创建延迟索引
func NewDeferredIndex(ts basic.TableSpaceId, indexId, version int32) *DeferredIndex {
	return &DeferredIndex{TableSpace: ts, IndexId: indexId, Version: version, tree: btree.New(16)}
}

func (d *DeferredIndex) put(e Entry) {
	if old := d.tree.ReplaceOrInsert(entryItem{e}); old == nil {
		d.bytes += len(e.Key) + 8
	}
}

// Add records that key now maps to rn.
func (d *DeferredIndex) Add(key []byte, rn basic.RecordNumber) {
	d.mu.Lock()
	d.put(Entry{Key: append([]byte(nil), key...), RecordNumber: rn})
	d.mu.Unlock()
}

// Delete records that the mapping key → rn must go.
func (d *DeferredIndex) Delete(key []byte, rn basic.RecordNumber) {
	d.mu.Lock()
	d.put(Entry{Key: append([]byte(nil), key...), RecordNumber: rn, Delete: true})
	d.mu.Unlock()
}

// Remove forgets a pending change, as when a savepoint rolls back.
func (d *DeferredIndex) Remove(key []byte, rn basic.RecordNumber) {
	d.mu.Lock()
	if d.tree.Delete(entryItem{Entry{Key: key, RecordNumber: rn}}) != nil {
		d.bytes -= len(key) + 8
	}
	d.mu.Unlock()
}

// Len 返回条目数
func (d *DeferredIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.chilled {
		return d.chilledCount
	}
	return d.tree.Len()
}

// Bytes is the approximate memory held by the entries.
func (d *DeferredIndex) Bytes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bytes
}

// Scan calls fn for the entries with lower <= key < upper in key order.
// A nil upper is unbounded. Deletions are included.
func (d *DeferredIndex) Scan(lower, upper []byte, fn func(e Entry) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.tree.AscendGreaterOrEqual(entryItem{Entry{Key: lower, RecordNumber: minRecordNumber}}, func(item btree.Item) bool {
		e := item.(entryItem).Entry
		if upper != nil && bytes.Compare(e.Key, upper) >= 0 {
			return false
		}
		return fn(e)
	})
}

// Entries returns every entry in key order.
func (d *DeferredIndex) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, d.tree.Len())
	d.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(entryItem).Entry)
		return true
	})
	return out
}

// Chilled reports whether the entries live only in the serial log.
func (d *DeferredIndex) Chilled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.chilled
}

// Chill drops the entries from memory after they were logged between start
// and end.
func (d *DeferredIndex) Chill(start, end basic.VirtualOffset) {
	d.mu.Lock()
	d.chilledCount = d.tree.Len()
	d.tree.Clear(false)
	d.bytes = 0
	d.chilled = true
	d.Start, d.End = start, end
	d.mu.Unlock()
}

// Thaw reloads entries read back from the serial log.
func (d *DeferredIndex) Thaw(entries []Entry) {
	d.mu.Lock()
	for _, e := range entries {
		d.put(e)
	}
	d.chilled = false
	d.chilledCount = 0
	d.mu.Unlock()
}
