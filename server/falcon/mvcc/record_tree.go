package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

const (
	leafBits = 10
	leafSize = 1 << leafBits
	nodeBits = 8
	nodeSize = 1 << nodeBits
)

// recordLeaf holds the chain heads of leafSize consecutive record numbers.
// Readers and head swaps share mu; garbage collection that removes heads
// takes it exclusively.
type recordLeaf struct {
	mu    sync.RWMutex
	slots [leafSize]atomic.Pointer[RecordVersion]
}

type treeNode struct {
	level    int // 0: leaf
	leaf     *recordLeaf
	children []atomic.Pointer[treeNode]
}

func newTreeNode(level int) *treeNode {
	if level == 0 {
		return &treeNode{leaf: &recordLeaf{}}
	}
	return &treeNode{level: level, children: make([]atomic.Pointer[treeNode], nodeSize)}
}

// span is the number of record numbers a node of level covers.
func span(level int) int64 {
	return int64(leafSize) << (uint(level) * nodeBits)
}

// RecordTree maps record numbers to version chains. It starts as a single
// leaf and grows upward as record numbers increase.
type RecordTree struct {
	root atomic.Pointer[treeNode]
	size int64
}

func NewRecordTree() *RecordTree {
	t := &RecordTree{}
	t.root.Store(newTreeNode(0))
	return t
}

// leafFor returns the leaf covering rn, building missing nodes when create
// is set. Concurrent builders race with CAS and the losers adopt the winner.
func (t *RecordTree) leafFor(rn basic.RecordNumber, create bool) *recordLeaf {
	if rn < 0 {
		return nil
	}
	for {
		root := t.root.Load()
		if int64(rn) < span(root.level) {
			break
		}
		if !create {
			return nil
		}
		grown := newTreeNode(root.level + 1)
		grown.children[0].Store(root)
		t.root.CompareAndSwap(root, grown)
	}

	n := t.root.Load()
	for n.level > 0 {
		idx := (int64(rn) / span(n.level-1)) % nodeSize
		child := n.children[idx].Load()
		if child == nil {
			if !create {
				return nil
			}
			fresh := newTreeNode(n.level - 1)
			if !n.children[idx].CompareAndSwap(nil, fresh) {
				fresh = n.children[idx].Load()
			}
			child = fresh
		}
		n = child
	}
	return n.leaf
}

// Fetch returns the head of rn's chain pinned, or nil.
func (t *RecordTree) Fetch(rn basic.RecordNumber) *RecordVersion {
	leaf := t.leafFor(rn, false)
	if leaf == nil {
		return nil
	}
	leaf.mu.RLock()
	v := leaf.slots[int64(rn)%leafSize].Load()
	if v != nil {
		v.pin()
	}
	leaf.mu.RUnlock()
	return v
}

// Store swaps rn's head from prior to v.
func (t *RecordTree) Store(rn basic.RecordNumber, prior, v *RecordVersion) bool {
	leaf := t.leafFor(rn, v != nil)
	if leaf == nil {
		return prior == nil && v == nil
	}
	leaf.mu.RLock()
	ok := leaf.slots[int64(rn)%leafSize].CompareAndSwap(prior, v)
	leaf.mu.RUnlock()
	if ok {
		switch {
		case prior == nil && v != nil:
			atomic.AddInt64(&t.size, 1)
		case prior != nil && v == nil:
			atomic.AddInt64(&t.size, -1)
		}
	}
	return ok
}

// Len is the number of populated slots.
func (t *RecordTree) Len() int64 { return atomic.LoadInt64(&t.size) }

// leaves calls fn for every leaf with the record number of its first slot.
func (t *RecordTree) leaves(fn func(base basic.RecordNumber, leaf *recordLeaf) bool) {
	var walk func(n *treeNode, base int64) bool
	walk = func(n *treeNode, base int64) bool {
		if n.level == 0 {
			return fn(basic.RecordNumber(base), n.leaf)
		}
		for i := range n.children {
			if child := n.children[i].Load(); child != nil {
				if !walk(child, base+int64(i)*span(n.level-1)) {
					return false
				}
			}
		}
		return true
	}
	walk(t.root.Load(), 0)
}

// Heads calls fn with every chain head in record-number order. The heads
// are not pinned.
func (t *RecordTree) Heads(fn func(rn basic.RecordNumber, head *RecordVersion) bool) {
	t.leaves(func(base basic.RecordNumber, leaf *recordLeaf) bool {
		for i := range leaf.slots {
			if v := leaf.slots[i].Load(); v != nil {
				if !fn(base+basic.RecordNumber(i), v) {
					return false
				}
			}
		}
		return true
	})
}

// clear empties slot i of leaf. The caller holds the leaf exclusively.
func (t *RecordTree) clear(leaf *recordLeaf, i int) {
	if leaf.slots[i].Swap(nil) != nil {
		atomic.AddInt64(&t.size, -1)
	}
}
