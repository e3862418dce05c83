package util

// All integers are written little-endian. Write helpers append to buf and
// return the grown slice, so a record can be formatted into a pooled buffer.

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	return append(buf,
		byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

// WriteLength writes a length-encoded integer: one byte below 251, else a
// marker byte followed by 2, 3 or 8 bytes.
func WriteLength(buf []byte, length int64) []byte {
	switch {
	case length < 251:
		return WriteByte(buf, byte(length))
	case length < 0x10000:
		buf = WriteByte(buf, 252)
		return WriteUB2(buf, uint16(length))
	case length < 0x1000000:
		buf = WriteByte(buf, 253)
		return append(buf, byte(length), byte(length>>8), byte(length>>16))
	default:
		buf = WriteByte(buf, 254)
		return WriteUB8(buf, uint64(length))
	}
}

// WriteWithLength writes a length-encoded byte string.
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteLength(buf, int64(len(from)))
	return append(buf, from...)
}

func WriteString(buf []byte, s string) []byte {
	buf = WriteLength(buf, int64(len(s)))
	return append(buf, s...)
}

func ConvertBool2Byte(boolValue bool) byte {
	if boolValue {
		return 1
	}
	return 0
}
