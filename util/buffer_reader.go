package util

import (
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("buffer too short")

// BufferReader decodes what the Write helpers produce. The first decoding
// error sticks; later reads return zero values so callers check Err once.
type BufferReader struct {
	buf    []byte
	cursor int
	err    error
}

func NewBufferReader(buf []byte) *BufferReader {
	return &BufferReader{buf: buf}
}

func (r *BufferReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.cursor+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d at %d of %d", ErrShortBuffer, n, r.cursor, len(r.buf))
		return false
	}
	return true
}

func (r *BufferReader) Err() error { return r.err }

func (r *BufferReader) Cursor() int { return r.cursor }

func (r *BufferReader) Remaining() int { return len(r.buf) - r.cursor }

func (r *BufferReader) ReadByte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.cursor]
	r.cursor++
	return b
}

func (r *BufferReader) ReadUB2() uint16 {
	if !r.need(2) {
		return 0
	}
	_, v := ReadUB2(r.buf, r.cursor)
	r.cursor += 2
	return v
}

func (r *BufferReader) ReadUB4() uint32 {
	if !r.need(4) {
		return 0
	}
	_, v := ReadUB4(r.buf, r.cursor)
	r.cursor += 4
	return v
}

func (r *BufferReader) ReadUB8() uint64 {
	if !r.need(8) {
		return 0
	}
	_, v := ReadUB8(r.buf, r.cursor)
	r.cursor += 8
	return v
}

func (r *BufferReader) ReadLength() int64 {
	marker := r.ReadByte()
	switch marker {
	case 252:
		return int64(r.ReadUB2())
	case 253:
		if !r.need(3) {
			return 0
		}
		b := r.buf[r.cursor:]
		r.cursor += 3
		return int64(b[0]) | int64(b[1])<<8 | int64(b[2])<<16
	case 254:
		return int64(r.ReadUB8())
	default:
		return int64(marker)
	}
}

// ReadWithLength returns a length-encoded byte string. The result aliases
// the underlying buffer.
func (r *BufferReader) ReadWithLength() []byte {
	n := r.ReadLength()
	if !r.need(int(n)) {
		return nil
	}
	b := r.buf[r.cursor : r.cursor+int(n)]
	r.cursor += int(n)
	return b
}

func (r *BufferReader) ReadString() string {
	return string(r.ReadWithLength())
}

// ReadRest returns everything not yet consumed.
func (r *BufferReader) ReadRest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.buf[r.cursor:]
	r.cursor = len(r.buf)
	return b
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	i := uint16(buff[cursor])
	i |= uint16(buff[cursor+1]) << 8
	return cursor + 2, i
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	i := uint64(buff[cursor])
	i |= uint64(buff[cursor+1]) << 8
	i |= uint64(buff[cursor+2]) << 16
	i |= uint64(buff[cursor+3]) << 24
	i |= uint64(buff[cursor+4]) << 32
	i |= uint64(buff[cursor+5]) << 40
	i |= uint64(buff[cursor+6]) << 48
	i |= uint64(buff[cursor+7]) << 56
	return cursor + 8, i
}
