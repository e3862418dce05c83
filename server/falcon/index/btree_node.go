package index

import (
	"math"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
)

// minRecordNumber sorts before every real record number; with an empty key
// it is the lowest possible entry.
const minRecordNumber basic.RecordNumber = math.MinInt32

/*
Node entries follow the B-tree node header:

	key length    u16
	key           bytes
	record number i32
	child page    i32   internal nodes only

Internal node entry i routes every (key, record number) at or above its own
and below entry i+1. The first entry of the leftmost node on each level is
the lowest possible entry.
*/
type nodeEntry struct {
	key   []byte
	rn    basic.RecordNumber
	child basic.PageNumber
}

type node struct {
	level   uint8
	sibling basic.PageNumber
	entries []nodeEntry
}

func entrySize(level uint8, keyLen int) int {
	if level == 0 {
		return 2 + keyLen + 4
	}
	return 2 + keyLen + 8
}

// MaxKeyLength is the longest key a node of pageSize can index; it keeps at
// least four entries per node.
func MaxKeyLength(pageSize int) int {
	return (pageSize-pages.BtreeHeaderSize)/4 - entrySize(1, 0)
}

func (n *node) size() int {
	total := 0
	for _, e := range n.entries {
		total += entrySize(n.level, len(e.key))
	}
	return total
}

func (n *node) fits(pageSize int) bool {
	return n.size() <= pageSize-pages.BtreeHeaderSize
}

func decodeNode(frame []byte) (*node, error) {
	n := &node{
		level:   pages.BtreeLevel(frame),
		sibling: pages.BtreeRightSibling(frame),
	}
	count := int(pages.GetUint16(frame, pages.BtreeCountOffset))
	length := int(pages.GetUint16(frame, pages.BtreeLengthOffset))
	if pages.BtreeHeaderSize+length > len(frame) {
		return nil, basic.Errorf(basic.KindCorruption, "btree", "node %d claims %d bytes", basic.GetPageNumber(frame), length)
	}
	n.entries = make([]nodeEntry, 0, count)
	at := pages.BtreeHeaderSize
	end := at + length
	for i := 0; i < count; i++ {
		if at+2 > end {
			return nil, basic.Errorf(basic.KindCorruption, "btree", "node %d truncated at entry %d", basic.GetPageNumber(frame), i)
		}
		kl := int(pages.GetUint16(frame, at))
		if at+entrySize(n.level, kl) > end {
			return nil, basic.Errorf(basic.KindCorruption, "btree", "node %d truncated at entry %d", basic.GetPageNumber(frame), i)
		}
		at += 2
		e := nodeEntry{key: append([]byte(nil), frame[at:at+kl]...)}
		at += kl
		e.rn = basic.RecordNumber(pages.GetInt32(frame, at))
		at += 4
		if n.level > 0 {
			e.child = basic.PageNumber(pages.GetInt32(frame, at))
			at += 4
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

// encode writes the node into frame, which must already be a B-tree page.
func (n *node) encode(frame []byte) {
	frame[pages.BtreeLevelOffset] = n.level
	pages.PutInt32(frame, pages.BtreeSiblingOffset, int32(n.sibling))
	at := pages.BtreeHeaderSize
	for _, e := range n.entries {
		pages.PutUint16(frame, at, uint16(len(e.key)))
		at += 2
		copy(frame[at:], e.key)
		at += len(e.key)
		pages.PutInt32(frame, at, int32(e.rn))
		at += 4
		if n.level > 0 {
			pages.PutInt32(frame, at, int32(e.child))
			at += 4
		}
	}
	pages.PutUint16(frame, pages.BtreeCountOffset, uint16(len(n.entries)))
	pages.PutUint16(frame, pages.BtreeLengthOffset, uint16(at-pages.BtreeHeaderSize))
	for i := at; i < len(frame); i++ {
		frame[i] = 0
	}
}

// search returns the first position whose entry is >= (key, rn).
func (n *node) search(key []byte, rn basic.RecordNumber) int {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareEntry(n.entries[mid].key, n.entries[mid].rn, key, rn) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// route picks the child of an internal node covering (key, rn).
func (n *node) route(key []byte, rn basic.RecordNumber) int {
	i := n.search(key, rn)
	if i < len(n.entries) && compareEntry(n.entries[i].key, n.entries[i].rn, key, rn) == 0 {
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

// splitPoint divides the entries roughly in half by bytes, leaving at least
// one entry on each side.
func (n *node) splitPoint() int {
	half := n.size() / 2
	acc := 0
	for i, e := range n.entries {
		acc += entrySize(n.level, len(e.key))
		if acc >= half {
			if i+1 >= len(n.entries) {
				return len(n.entries) - 1
			}
			return i + 1
		}
	}
	return len(n.entries) / 2
}
