package util

import (
	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashString hashes a string key without copying it into a byte slice first.
func HashString(key string) uint64 {
	h := xxhash.New64()
	h.WriteString(key)
	return h.Sum64()
}

// Checksum32 is the integrity checksum stamped on serial log records.
func Checksum32(data []byte) uint32 {
	return xxhash.Checksum32(data)
}

// HashUint64 mixes a 64-bit key, used for hash-table bucket selection.
func HashUint64(key uint64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	return xxhash.Checksum64(b[:])
}
