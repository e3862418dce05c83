package fileio

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// NoChecksum marks a page written without a checksum.
const NoChecksum uint16 = 0

// ComputeChecksum is a 16-bit rolling sum over the page words with the
// checksum slot masked out. A sum of zero is reported as one so it can never
// collide with NoChecksum.
func ComputeChecksum(page []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < len(page); i += 2 {
		if i == basic.PageChecksumOffset {
			continue
		}
		word := binary.LittleEndian.Uint16(page[i:])
		sum = (sum<<1 | sum>>15) + word
	}
	if sum == NoChecksum {
		sum = 1
	}
	return sum
}

// StampChecksum writes the checksum of page into its header.
func StampChecksum(page []byte) {
	binary.LittleEndian.PutUint16(page[basic.PageChecksumOffset:], ComputeChecksum(page))
}

func storedChecksum(page []byte) uint16 {
	return binary.LittleEndian.Uint16(page[basic.PageChecksumOffset:])
}

// ValidateChecksum fails with Corruption when the stored checksum does not
// match. Pages stamped NoChecksum always pass.
func ValidateChecksum(page []byte, pageNumber basic.PageNumber) error {
	stored := storedChecksum(page)
	if stored == NoChecksum {
		return nil
	}
	if computed := ComputeChecksum(page); computed != stored {
		return basic.Errorf(basic.KindCorruption, "ValidateChecksum",
			"page %d checksum %#04x, computed %#04x", pageNumber, stored, computed)
	}
	return nil
}
