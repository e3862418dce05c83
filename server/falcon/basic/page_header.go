package basic

import "encoding/binary"

// Page header layout shared by every page type.
//
//	0   checksum   uint16
//	2   page type  uint8
//	3   flags      uint8
//	4   page number int32
//	8   log offset uint64 (virtual offset of the last logged image)
const (
	PageChecksumOffset  = 0
	PageTypeOffset      = 2
	PageFlagsOffset     = 3
	PageNumberOffset    = 4
	PageLogOffsetOffset = 8
	PageHeaderSize      = 16

	MinPageSize     = 1024
	MaxPageSize     = 32768
	DefaultPageSize = 4096
)

// GetPageType 读取页面类型
func GetPageType(page []byte) PageType {
	return PageType(page[PageTypeOffset])
}

// SetPageType 设置页面类型
func SetPageType(page []byte, t PageType) {
	page[PageTypeOffset] = byte(t)
}

// GetPageNumber 读取页号
func GetPageNumber(page []byte) PageNumber {
	return PageNumber(int32(binary.LittleEndian.Uint32(page[PageNumberOffset:])))
}

// SetPageNumber 设置页号
func SetPageNumber(page []byte, n PageNumber) {
	binary.LittleEndian.PutUint32(page[PageNumberOffset:], uint32(n))
}

// GetPageLogOffset returns the incarnation stamp used to keep redo idempotent.
func GetPageLogOffset(page []byte) VirtualOffset {
	return VirtualOffset(binary.LittleEndian.Uint64(page[PageLogOffsetOffset:]))
}

// SetPageLogOffset stamps the incarnation of a page.
func SetPageLogOffset(page []byte, off VirtualOffset) {
	binary.LittleEndian.PutUint64(page[PageLogOffsetOffset:], uint64(off))
}

// InitPage zero fills a page and stamps its type and number.
func InitPage(page []byte, t PageType, n PageNumber) {
	for i := range page {
		page[i] = 0
	}
	SetPageType(page, t)
	SetPageNumber(page, n)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
