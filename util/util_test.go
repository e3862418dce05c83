package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	var buf []byte
	buf = WriteUB2(buf, 0xBEEF)
	buf = WriteUB4(buf, 7)
	buf = WriteUB8(buf, 1<<50)
	buf = WriteString(buf, "Orders")
	buf = WriteWithLength(buf, make([]byte, 300))
	buf = WriteLength(buf, 70000)

	r := NewBufferReader(buf)
	assert.Equal(t, uint16(0xBEEF), r.ReadUB2())
	assert.Equal(t, uint32(7), r.ReadUB4())
	assert.Equal(t, uint64(1<<50), r.ReadUB8())
	assert.Equal(t, "Orders", r.ReadString())
	assert.Len(t, r.ReadWithLength(), 300)
	assert.Equal(t, int64(70000), r.ReadLength())
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestBufferReaderShort(t *testing.T) {
	r := NewBufferReader([]byte{1, 2})
	r.ReadUB4()
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)
	assert.Equal(t, uint64(0), r.ReadUB8())
}

func TestHashCode(t *testing.T) {
	assert.Equal(t, HashCode([]byte("788788")), HashString("788788"))
	assert.NotEqual(t, HashUint64(1), HashUint64(2))
	assert.Equal(t, Checksum32([]byte("abc")), Checksum32([]byte("abc")))
}

func TestFileUtil(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	ok, err := PathExists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	f := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	require.NoError(t, RemoveIfExists(f))
	require.NoError(t, RemoveIfExists(f))
	ok, _ = PathExists(f)
	assert.False(t, ok)
}
