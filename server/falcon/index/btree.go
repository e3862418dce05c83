package index

import (
	"bytes"
	"sync"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
)

// BTree is a page B+tree mapping (key, record number) pairs. Its root page
// never moves; a root split pushes the old contents into two new children.
// Leaves are never merged, an emptied leaf stays in the chain.
type BTree struct {
	space *pages.Space
	bp    *buffer_pool.BufferPool
	root  basic.PageNumber

	mu sync.RWMutex
}

// CreateBTree allocates the root leaf of a new tree.
func CreateBTree(space *pages.Space, tid basic.TransId) (*BTree, error) {
	block, err := space.AllocPage(basic.PageBtree, tid)
	if err != nil {
		return nil, err
	}
	(&node{}).encode(block.Frame)
	err = space.Log(block, tid)
	root := block.GetPageNo()
	space.Pool().Release(block, basic.LockExclusive)
	if err != nil {
		return nil, err
	}
	return OpenBTree(space, root), nil
}

// OpenBTree 打开已有的B+树
func OpenBTree(space *pages.Space, root basic.PageNumber) *BTree {
	return &BTree{space: space, bp: space.Pool(), root: root}
}

func (t *BTree) Root() basic.PageNumber { return t.root }

func (t *BTree) readNode(pn basic.PageNumber) (*node, error) {
	block, err := t.bp.Fetch(t.space.Id(), pn, basic.PageBtree, basic.LockShared)
	if err != nil {
		return nil, err
	}
	defer t.bp.Release(block, basic.LockShared)
	return decodeNode(block.Frame)
}

func (t *BTree) writeNode(pn basic.PageNumber, n *node, tid basic.TransId) error {
	block, err := t.bp.Fetch(t.space.Id(), pn, basic.PageBtree, basic.LockExclusive)
	if err != nil {
		return err
	}
	defer t.bp.Release(block, basic.LockExclusive)
	n.encode(block.Frame)
	return t.space.Log(block, tid)
}

func (t *BTree) newNode(n *node, tid basic.TransId) (basic.PageNumber, error) {
	block, err := t.space.AllocPage(basic.PageBtree, tid)
	if err != nil {
		return basic.NoPage, err
	}
	defer t.bp.Release(block, basic.LockExclusive)
	n.encode(block.Frame)
	return block.GetPageNo(), t.space.Log(block, tid)
}

type step struct {
	pn basic.PageNumber
	n  *node
}

// descend walks from the root to the leaf covering (key, rn).
func (t *BTree) descend(key []byte, rn basic.RecordNumber) ([]step, error) {
	var path []step
	pn := t.root
	for {
		n, err := t.readNode(pn)
		if err != nil {
			return nil, err
		}
		path = append(path, step{pn, n})
		if n.level == 0 {
			return path, nil
		}
		if len(n.entries) == 0 {
			return nil, basic.Errorf(basic.KindCorruption, "btree", "empty internal node %d", pn)
		}
		pn = n.entries[n.route(key, rn)].child
		if len(path) > 64 {
			return nil, basic.Errorf(basic.KindCorruption, "btree", "tree rooted at %d is too deep", t.root)
		}
	}
}

// Insert adds (key, rn); inserting an existing pair is a no-op.
func (t *BTree) Insert(key []byte, rn basic.RecordNumber, tid basic.TransId) error {
	if len(key) > MaxKeyLength(t.space.PageSize()) {
		return basic.Errorf(basic.KindIndexOverflow, "btree.Insert", "key of %d bytes", len(key))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(key, rn, tid)
}

func (t *BTree) insert(key []byte, rn basic.RecordNumber, tid basic.TransId) error {
	path, err := t.descend(key, rn)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	i := leaf.n.search(key, rn)
	if i < len(leaf.n.entries) && compareEntry(leaf.n.entries[i].key, leaf.n.entries[i].rn, key, rn) == 0 {
		return nil
	}
	leaf.n.entries = insertAt(leaf.n.entries, i, nodeEntry{key: append([]byte(nil), key...), rn: rn})
	return t.store(path, len(path)-1, tid)
}

func insertAt(entries []nodeEntry, i int, e nodeEntry) []nodeEntry {
	entries = append(entries, nodeEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// store writes path[depth] back, splitting it and updating its parents
// when it no longer fits.
func (t *BTree) store(path []step, depth int, tid basic.TransId) error {
	cur := path[depth]
	if cur.n.fits(t.space.PageSize()) {
		return t.writeNode(cur.pn, cur.n, tid)
	}
	at := cur.n.splitPoint()
	left := &node{level: cur.n.level, entries: append([]nodeEntry(nil), cur.n.entries[:at]...)}
	right := &node{level: cur.n.level, sibling: cur.n.sibling, entries: append([]nodeEntry(nil), cur.n.entries[at:]...)}
	sep := right.entries[0]

	if depth == 0 {
		// root split: the root keeps its page and gains two children
		rightPn, err := t.newNode(right, tid)
		if err != nil {
			return err
		}
		left.sibling = rightPn
		leftPn, err := t.newNode(left, tid)
		if err != nil {
			return err
		}
		root := &node{
			level: cur.n.level + 1,
			entries: []nodeEntry{
				{key: nil, rn: minRecordNumber, child: leftPn},
				{key: sep.key, rn: sep.rn, child: rightPn},
			},
		}
		if logger.DebugEnabled(logger.DebugRecords) {
			logger.Debugf("btree %d:%d root split to level %d", t.space.Id(), t.root, root.level)
		}
		return t.writeNode(t.root, root, tid)
	}

	rightPn, err := t.newNode(right, tid)
	if err != nil {
		return err
	}
	left.sibling = rightPn
	if err := t.writeNode(cur.pn, left, tid); err != nil {
		return err
	}
	parent := path[depth-1]
	i := parent.n.search(sep.key, sep.rn)
	parent.n.entries = insertAt(parent.n.entries, i, nodeEntry{key: sep.key, rn: sep.rn, child: rightPn})
	return t.store(path, depth-1, tid)
}

// Delete removes (key, rn) and reports whether it was present.
func (t *BTree) Delete(key []byte, rn basic.RecordNumber, tid basic.TransId) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delete(key, rn, tid)
}

func (t *BTree) delete(key []byte, rn basic.RecordNumber, tid basic.TransId) (bool, error) {
	path, err := t.descend(key, rn)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	i := leaf.n.search(key, rn)
	if i >= len(leaf.n.entries) || compareEntry(leaf.n.entries[i].key, leaf.n.entries[i].rn, key, rn) != 0 {
		return false, nil
	}
	leaf.n.entries = append(leaf.n.entries[:i], leaf.n.entries[i+1:]...)
	return true, t.writeNode(leaf.pn, leaf.n, tid)
}

// Apply merges a batch of changes under one tree lock.
func (t *BTree) Apply(entries []Entry, tid basic.TransId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		var err error
		if e.Delete {
			_, err = t.delete(e.Key, e.RecordNumber, tid)
		} else if len(e.Key) > MaxKeyLength(t.space.PageSize()) {
			err = basic.Errorf(basic.KindIndexOverflow, "btree.Apply", "key of %d bytes", len(e.Key))
		} else {
			err = t.insert(e.Key, e.RecordNumber, tid)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Scan calls fn for the pairs with lower <= key < upper in order until fn
// returns false. A nil upper is unbounded.
func (t *BTree) Scan(lower, upper []byte, fn func(key []byte, rn basic.RecordNumber) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path, err := t.descend(lower, minRecordNumber)
	if err != nil {
		return err
	}
	n := path[len(path)-1].n
	i := n.search(lower, minRecordNumber)
	for {
		for ; i < len(n.entries); i++ {
			e := n.entries[i]
			if upper != nil && bytes.Compare(e.key, upper) >= 0 {
				return nil
			}
			if !fn(e.key, e.rn) {
				return nil
			}
		}
		if n.sibling == 0 {
			return nil
		}
		if n, err = t.readNode(n.sibling); err != nil {
			return err
		}
		i = 0
	}
}

// Lookup returns the record numbers stored under exactly key.
func (t *BTree) Lookup(key []byte) ([]basic.RecordNumber, error) {
	var found []basic.RecordNumber
	err := t.Scan(key, PrefixEnd(key), func(k []byte, rn basic.RecordNumber) bool {
		if bytes.Equal(k, key) {
			found = append(found, rn)
		}
		return true
	})
	return found, err
}

// Count walks the leaves and counts entries.
func (t *BTree) Count() (int, error) {
	n := 0
	err := t.Scan(nil, nil, func([]byte, basic.RecordNumber) bool {
		n++
		return true
	})
	return n, err
}

// Drop frees every page of the tree, the root included.
func (t *BTree) Drop(tid basic.TransId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	level := []basic.PageNumber{t.root}
	var all []basic.PageNumber
	for len(level) > 0 {
		var next []basic.PageNumber
		for _, pn := range level {
			n, err := t.readNode(pn)
			if err != nil {
				return err
			}
			all = append(all, pn)
			if n.level > 0 {
				for _, e := range n.entries {
					next = append(next, e.child)
				}
			}
		}
		level = next
	}
	for _, pn := range all {
		if err := t.space.FreePage(pn, tid); err != nil {
			return err
		}
	}
	return nil
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when there is none.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
