package tuple

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Kind 值类型
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindString
	KindBytes
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindString:
		return "STRING"
	case KindBytes:
		return "BYTES"
	case KindDecimal:
		return "DECIMAL"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is one column value. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	s    string
	b    []byte
	d    decimal.Decimal
}

func Null() Value                     { return Value{} }
func Int(v int64) Value               { return Value{kind: KindInt, i: v} }
func String(s string) Value           { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value            { return Value{kind: KindBytes, b: b} }
func Decimal(d decimal.Decimal) Value { return Value{kind: KindDecimal, d: d} }

// DecimalFromString parses a decimal literal.
func DecimalFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, err
	}
	return Decimal(d), nil
}

func (v Value) Kind() Kind                    { return v.kind }
func (v Value) IsNull() bool                  { return v.kind == KindNull }
func (v Value) Int64() int64                  { return v.i }
func (v Value) Str() string                   { return v.s }
func (v Value) BytesValue() []byte            { return v.b }
func (v Value) DecimalValue() decimal.Decimal { return v.d }

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return strconv.Quote(v.s)
	case KindBytes:
		return fmt.Sprintf("0x%x", v.b)
	case KindDecimal:
		return v.d.String()
	}
	return "?"
}

// Compare orders values of the same kind; NULL sorts first and values of
// different kinds order by kind.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindInt:
		switch {
		case v.i < o.i:
			return -1
		case v.i > o.i:
			return 1
		}
		return 0
	case KindString:
		switch {
		case v.s < o.s:
			return -1
		case v.s > o.s:
			return 1
		}
		return 0
	case KindBytes:
		return bytes.Compare(v.b, o.b)
	case KindDecimal:
		return v.d.Cmp(o.d)
	}
	return 0
}

// Equal 判断两个值是否相等
func (v Value) Equal(o Value) bool {
	return v.Compare(o) == 0
}

// Row 一行数据
type Row []Value

// Equal compares rows column by column.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var buf bytes.Buffer
	buf.WriteByte('(')
	for i, v := range r {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(')')
	return buf.String()
}

// Project returns the values at the given column positions.
func (r Row) Project(columns []int) Row {
	out := make(Row, len(columns))
	for i, c := range columns {
		if c < len(r) {
			out[i] = r[c]
		}
	}
	return out
}
