package pages

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// Fixed pages of every table space.
const (
	HeaderPage    basic.PageNumber = 0
	InventoryPage basic.PageNumber = 1
	SectionsPage  basic.PageNumber = 2
	firstFreePage basic.PageNumber = 3
)

/*
Header page (page 0), after the common page header:

	magic          u32
	version        u16
	pad            u16
	page size      u32
	table space id i32
	inventories    i32  number of inventory pages
*/
const (
	spaceMagic   uint32 = 0x43505346 // "FSPC"
	spaceVersion uint16 = 1

	hdrMagic       = basic.PageHeaderSize
	hdrVersion     = hdrMagic + 4
	hdrPageSize    = hdrVersion + 4
	hdrSpaceId     = hdrPageSize + 4
	hdrInventories = hdrSpaceId + 4
)

/*
B-tree node header, after the common page header:

	level          u8   0 for leaves
	pad            u8
	entry count    u16
	right sibling  i32
	data length    u16  bytes of entries after the node header
*/
const (
	BtreeLevelOffset   = basic.PageHeaderSize
	BtreeCountOffset   = BtreeLevelOffset + 2
	BtreeSiblingOffset = BtreeCountOffset + 2
	BtreeLengthOffset  = BtreeSiblingOffset + 4
	BtreeHeaderSize    = BtreeLengthOffset + 2
)

// BtreeLevel 读取节点层级
func BtreeLevel(page []byte) uint8 { return page[BtreeLevelOffset] }

// BtreeRightSibling 读取右兄弟页号
func BtreeRightSibling(page []byte) basic.PageNumber {
	return basic.PageNumber(int32(binary.LittleEndian.Uint32(page[BtreeSiblingOffset:])))
}

func getInt32(page []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(page[off:]))
}

func putInt32(page []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(page[off:], uint32(v))
}

// GetInt32 and PutInt32 are shared by the page layouts of other packages.
func GetInt32(page []byte, off int) int32 { return getInt32(page, off) }

func PutInt32(page []byte, off int, v int32) { putInt32(page, off, v) }

// GetUint16 读取 u16
func GetUint16(page []byte, off int) uint16 { return binary.LittleEndian.Uint16(page[off:]) }

// PutUint16 写入 u16
func PutUint16(page []byte, off int, v uint16) { binary.LittleEndian.PutUint16(page[off:], v) }

// bitsPerInventory is the number of pages one inventory page covers.
func bitsPerInventory(pageSize int) int {
	return (pageSize - basic.PageHeaderSize) * 8
}

// inventoryPageOf returns the page holding the inventory of range k. The
// first range keeps its inventory in page 1; every later range keeps it in
// its own first page.
func inventoryPageOf(k int, pageSize int) basic.PageNumber {
	if k == 0 {
		return InventoryPage
	}
	return basic.PageNumber(k * bitsPerInventory(pageSize))
}

// SectionSlots is the number of roots the section directory holds.
func SectionSlots(pageSize int) int {
	return (pageSize - basic.PageHeaderSize) / 4
}
