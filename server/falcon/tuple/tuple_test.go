package tuple

import (
	"bytes"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowEncoding(t *testing.T) {
	price, err := DecimalFromString("-12.340")
	require.NoError(t, err)
	row := Row{Int(1), Int(-10), String("orders"), Bytes([]byte{0, 1, 2}), price, Null()}

	got, err := DecodeRow(EncodeRow(row))
	require.NoError(t, err)
	assert.True(t, row.Equal(got), "%s != %s", row, got)
	assert.Equal(t, KindNull, got[5].Kind())

	_, err = DecodeRow([]byte{3, byte(KindInt), 1})
	assert.Error(t, err)
}

func TestKeyOrder(t *testing.T) {
	decimals := []string{"-100", "-12.5", "-12.34", "-0.001", "0", "0.00", "0.001", "0.01", "1", "1.5", "10", "12.34", "100"}
	var values []Value
	for _, s := range decimals {
		v, err := DecimalFromString(s)
		require.NoError(t, err)
		values = append(values, v)
	}
	checkOrder(t, values)

	checkOrder(t, []Value{Int(-1 << 62), Int(-5), Int(0), Int(3), Int(1 << 40)})
	checkOrder(t, []Value{String(""), String("a"), String("a\x00"), String("a\x00b"), String("ab"), String("b")})

	t.Run("多列", func(t *testing.T) {
		a := EncodeKey(Int(1), String("b"))
		b := EncodeKey(Int(1), String("ba"))
		c := EncodeKey(Int(2), String("a"))
		assert.Negative(t, bytes.Compare(a, b))
		assert.Negative(t, bytes.Compare(b, c))
		assert.Negative(t, bytes.Compare(EncodeKey(Null()), EncodeKey(Int(-1<<63))))
	})

	t.Run("相等的小数编码相同", func(t *testing.T) {
		assert.Equal(t, EncodeKey(Decimal(decimal.New(15, -1))), EncodeKey(Decimal(decimal.New(150, -2))))
	})
}

func checkOrder(t *testing.T, values []Value) {
	t.Helper()
	keys := make([][]byte, len(values))
	for i, v := range values {
		keys[i] = EncodeKey(v)
	}
	for i := 1; i < len(values); i++ {
		want := values[i-1].Compare(values[i])
		got := bytes.Compare(keys[i-1], keys[i])
		assert.Equal(t, want, got, "%s vs %s", values[i-1], values[i])
	}
	shuffled := append([][]byte(nil), keys...)
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })
	assert.Equal(t, keys, shuffled)
}
