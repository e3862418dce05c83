package section

import (
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
)

/*
Record locator pages (PageRecordLocator), after the common page header:

	level     u8   1 for the section root, 0 for leaves
	pad       3 bytes
	entries   root: i32 leaf page numbers
	          leaf: (data page i32, line u16, pad u16) per record number

A zero page number means "none"; page 0 is always the header page.
*/
const (
	locLevel   = basic.PageHeaderSize
	locEntries = locLevel + 4

	leafEntrySize = 8
)

func rootFanout(pageSize int) int { return (pageSize - locEntries) / 4 }

func leafFanout(pageSize int) int { return (pageSize - locEntries) / leafEntrySize }

/*
Data pages (PageData):

	line count  u16
	free end    u16  lowest byte used by record data
	lines       (offset u16, length u16) per line; offset 0 marks a free line
	...
	record data grows down from the end of the page

Each record starts with a flag byte. Overflowed records keep a stub of
(total length u32, first overflow page i32) and chain their bytes through
PageDataOverflow pages (next i32, length u16, data).
*/
const (
	dpCount   = basic.PageHeaderSize
	dpFreeEnd = dpCount + 2
	dpLines   = dpFreeEnd + 2
	lineSize  = 4

	flagInline   byte = 0
	flagOverflow byte = 1
	stubSize          = 1 + 4 + 4

	ovNext   = basic.PageHeaderSize
	ovLength = ovNext + 4
	ovData   = ovLength + 2
)

func inlineLimit(pageSize int) int { return (pageSize - dpLines) / 4 }

func dpInit(page []byte) {
	pages.PutUint16(page, dpCount, 0)
	pages.PutUint16(page, dpFreeEnd, uint16(len(page)))
}

func dpLineCount(page []byte) int { return int(pages.GetUint16(page, dpCount)) }

func dpFreeEndOf(page []byte) int { return int(pages.GetUint16(page, dpFreeEnd)) }

func dpLine(page []byte, line int) (offset, length int) {
	at := dpLines + line*lineSize
	return int(pages.GetUint16(page, at)), int(pages.GetUint16(page, at+2))
}

func dpSetLine(page []byte, line, offset, length int) {
	at := dpLines + line*lineSize
	pages.PutUint16(page, at, uint16(offset))
	pages.PutUint16(page, at+2, uint16(length))
}

// dpGet returns the record stored in line, or nil for a free line.
func dpGet(page []byte, line int) []byte {
	if line >= dpLineCount(page) {
		return nil
	}
	offset, length := dpLine(page, line)
	if offset == 0 {
		return nil
	}
	return page[offset : offset+length]
}

func dpLiveBytes(page []byte) (live int, lines int) {
	n := dpLineCount(page)
	for i := 0; i < n; i++ {
		if offset, length := dpLine(page, i); offset != 0 {
			live += length
			lines++
		}
	}
	return live, lines
}

// dpInsert stores rec and returns its line, compacting the page when the
// free space is fragmented. ok is false when the page is too full.
func dpInsert(page []byte, rec []byte) (int, bool) {
	n := dpLineCount(page)
	line := n
	for i := 0; i < n; i++ {
		if offset, _ := dpLine(page, i); offset == 0 {
			line = i
			break
		}
	}
	lines := n
	if line == n {
		lines++
	}
	need := len(rec)
	if dpFreeEndOf(page)-(dpLines+lines*lineSize) < need {
		live, _ := dpLiveBytes(page)
		if len(page)-(dpLines+lines*lineSize)-live < need {
			return -1, false
		}
		dpCompact(page)
	}
	end := dpFreeEndOf(page) - need
	copy(page[end:], rec)
	dpSetLine(page, line, end, need)
	pages.PutUint16(page, dpFreeEnd, uint16(end))
	if line == n {
		pages.PutUint16(page, dpCount, uint16(n+1))
	}
	return line, true
}

func dpDelete(page []byte, line int) {
	dpSetLine(page, line, 0, 0)
	n := dpLineCount(page)
	for n > 0 {
		if offset, _ := dpLine(page, n-1); offset != 0 {
			break
		}
		n--
	}
	pages.PutUint16(page, dpCount, uint16(n))
	if n == 0 {
		pages.PutUint16(page, dpFreeEnd, uint16(len(page)))
	}
}

// dpCompact moves every live record to the end of the page, keeping lines.
func dpCompact(page []byte) {
	n := dpLineCount(page)
	saved := make([][]byte, n)
	for i := 0; i < n; i++ {
		if rec := dpGet(page, i); rec != nil {
			saved[i] = append([]byte(nil), rec...)
		}
	}
	end := len(page)
	for i, rec := range saved {
		if rec == nil {
			continue
		}
		end -= len(rec)
		copy(page[end:], rec)
		dpSetLine(page, i, end, len(rec))
	}
	pages.PutUint16(page, dpFreeEnd, uint16(end))
}
