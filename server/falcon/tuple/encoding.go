package tuple

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xmysql-falcon/util"
)

/*
Row encoding:

	column count   length-encoded
	per column     kind byte, then
	               INT      8 bytes little endian
	               STRING   length-encoded bytes
	               BYTES    length-encoded bytes
	               DECIMAL  length-encoded decimal literal
*/

// EncodeRow 行编码
func EncodeRow(r Row) []byte {
	buf := util.WriteLength(nil, int64(len(r)))
	for _, v := range r {
		buf = util.WriteByte(buf, byte(v.kind))
		switch v.kind {
		case KindInt:
			buf = util.WriteUB8(buf, uint64(v.i))
		case KindString:
			buf = util.WriteString(buf, v.s)
		case KindBytes:
			buf = util.WriteWithLength(buf, v.b)
		case KindDecimal:
			buf = util.WriteString(buf, v.d.String())
		}
	}
	return buf
}

// DecodeRow 行解码
func DecodeRow(data []byte) (Row, error) {
	r := util.NewBufferReader(data)
	n := int(r.ReadLength())
	if r.Err() != nil || n < 0 || n > len(data) {
		return nil, errors.Errorf("bad column count in %d byte row", len(data))
	}
	row := make(Row, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		kind := Kind(r.ReadByte())
		switch kind {
		case KindNull:
		case KindInt:
			row[i] = Int(int64(r.ReadUB8()))
		case KindString:
			row[i] = String(r.ReadString())
		case KindBytes:
			row[i] = Bytes(append([]byte(nil), r.ReadWithLength()...))
		case KindDecimal:
			d, err := decimal.NewFromString(r.ReadString())
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			row[i] = Decimal(d)
		default:
			return nil, errors.Errorf("column %d has unknown kind %d", i, kind)
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "decode row")
	}
	return row, nil
}

// key tags; byte order of encoded keys follows Value.Compare within a kind
const (
	keyNull        byte = 0x05
	keyInt         byte = 0x10
	keyDecimalNeg  byte = 0x20
	keyDecimalZero byte = 0x21
	keyDecimalPos  byte = 0x22
	keyString      byte = 0x30
	keyBytes       byte = 0x40
)

// EncodeKey builds an index key whose byte order matches the order of the
// values, column by column.
func EncodeKey(values ...Value) []byte {
	var buf []byte
	for _, v := range values {
		buf = appendKey(buf, v)
	}
	return buf
}

func appendKey(buf []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(buf, keyNull)
	case KindInt:
		buf = append(buf, keyInt)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.i)^(1<<63))
		return append(buf, b[:]...)
	case KindString:
		buf = append(buf, keyString)
		return appendEscaped(buf, []byte(v.s))
	case KindBytes:
		buf = append(buf, keyBytes)
		return appendEscaped(buf, v.b)
	case KindDecimal:
		return appendDecimalKey(buf, v.d)
	}
	return buf
}

// appendEscaped writes 0x00 as 0x00 0xFF and terminates with 0x00 0x01, so
// a prefix sorts before its extensions.
func appendEscaped(buf, data []byte) []byte {
	for _, c := range data {
		if c == 0 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, 0x00, 0x01)
}

// appendDecimalKey writes d = 0.digits * 10^exp as the exponent followed by
// the digits; negative numbers are the complement of their magnitude.
func appendDecimalKey(buf []byte, d decimal.Decimal) []byte {
	switch d.Sign() {
	case 0:
		return append(buf, keyDecimalZero)
	case 1:
		buf = append(buf, keyDecimalPos)
		return appendMagnitude(buf, d)
	}
	buf = append(buf, keyDecimalNeg)
	start := len(buf)
	buf = appendMagnitude(buf, d.Neg())
	for i := start; i < len(buf); i++ {
		buf[i] = ^buf[i]
	}
	return buf
}

func appendMagnitude(buf []byte, d decimal.Decimal) []byte {
	digits := d.Coefficient().String()
	exp := int(d.Exponent())
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	e := int32(len(trimmed) + exp)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(e)^(1<<31))
	buf = append(buf, b[:]...)
	buf = append(buf, trimmed...)
	return append(buf, 0x00)
}
