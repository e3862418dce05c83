package sector_cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
)

const (
	pageSize   = 1024
	sectorSize = 4 * pageSize
)

func newFile(t *testing.T) *fileio.PageFile {
	pf, err := fileio.Create(filepath.Join(t.TempDir(), "sc.fts"), fileio.Options{PageSize: pageSize, Checksums: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	return pf
}

func page(n basic.PageNumber, marker byte) []byte {
	p := make([]byte, pageSize)
	basic.InitPage(p, basic.PageData, n)
	p[200] = marker
	return p
}

func TestReadThroughAndHit(t *testing.T) {
	pf := newFile(t)
	sc := NewSectorCache(2, sectorSize, pageSize)

	for n := basic.PageNumber(0); n < 8; n++ {
		require.NoError(t, pf.WritePages(n, page(n, byte(n+1))))
	}

	buf := make([]byte, pageSize)
	require.NoError(t, sc.ReadPage(pf, 1, 2, buf))
	assert.Equal(t, byte(3), buf[200])
	require.NoError(t, sc.ReadPage(pf, 1, 3, buf))
	assert.Equal(t, byte(4), buf[200])

	hits, misses := sc.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestWriteKeepsSectorCoherent(t *testing.T) {
	pf := newFile(t)
	sc := NewSectorCache(2, sectorSize, pageSize)

	require.NoError(t, sc.WritePages(pf, 1, 0, page(0, 1)))
	buf := make([]byte, pageSize)
	require.NoError(t, sc.ReadPage(pf, 1, 0, buf))
	assert.Equal(t, byte(1), buf[200])

	// page 1 lives in the cached sector; the write must refresh it
	run := append(page(1, 9), page(2, 10)...)
	require.NoError(t, sc.WritePages(pf, 1, 1, run))
	require.NoError(t, sc.ReadPage(pf, 1, 1, buf))
	assert.Equal(t, byte(9), buf[200])
	require.NoError(t, sc.ReadPage(pf, 1, 2, buf))
	assert.Equal(t, byte(10), buf[200])

	hits, _ := sc.Stats()
	assert.Equal(t, uint64(2), hits)
}

func TestRoundRobinEvictionAndInvalidate(t *testing.T) {
	pf := newFile(t)
	sc := NewSectorCache(1, sectorSize, pageSize)
	for n := basic.PageNumber(0); n < 8; n++ {
		require.NoError(t, pf.WritePages(n, page(n, byte(n+1))))
	}

	buf := make([]byte, pageSize)
	require.NoError(t, sc.ReadPage(pf, 1, 0, buf))
	require.NoError(t, sc.ReadPage(pf, 1, 5, buf))
	assert.Equal(t, byte(6), buf[200])
	require.NoError(t, sc.ReadPage(pf, 1, 1, buf))
	assert.Equal(t, byte(2), buf[200])
	_, misses := sc.Stats()
	assert.Equal(t, uint64(3), misses)

	sc.Invalidate(1)
	require.NoError(t, sc.ReadPage(pf, 1, 1, buf))
	_, misses = sc.Stats()
	assert.Equal(t, uint64(4), misses)
}
