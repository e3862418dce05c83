package section

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
)

const testPageSize = 1024

type oneFile struct{ pf *fileio.PageFile }

func (o oneFile) PageFile(id basic.TableSpaceId) (*fileio.PageFile, error) {
	if id != 2 {
		return nil, basic.ErrTableSpaceNotFound
	}
	return o.pf, nil
}

func newTestSpace(t *testing.T) *pages.Space {
	pf, err := fileio.Create(filepath.Join(t.TempDir(), "data.fts"), fileio.Options{PageSize: testPageSize, Checksums: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	bp, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PageSize: testPageSize,
		Frames:   32,
		Writers:  2,
		Resolver: oneFile{pf},
	})
	require.NoError(t, err)
	t.Cleanup(bp.Close)
	space := pages.NewSpace(2, bp, nil)
	require.NoError(t, space.Format(1))
	return space
}

func usedPages(t *testing.T, space *pages.Space) int {
	t.Helper()
	n, err := space.UsedPages()
	require.NoError(t, err)
	return n
}

func TestStoreFetchDelete(t *testing.T) {
	space := newTestSpace(t)
	sec, err := Create(space, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, usedPages(t, space))

	require.NoError(t, sec.Store(0, []byte("first"), 1))
	require.NoError(t, sec.Store(1, []byte{}, 1))

	got, err := sec.Fetch(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	got, err = sec.Fetch(1)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	got, err = sec.Fetch(2)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, sec.Store(0, []byte("replaced"), 2))
	got, err = sec.Fetch(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	found, err := sec.Delete(1, 3)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = sec.Delete(1, 3)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := sec.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Error(t, sec.Store(basic.RecordNumber(sec.MaxRecords()), []byte("x"), 1))
	assert.Error(t, sec.Store(-1, []byte("x"), 1))
}

func TestOverflowRecords(t *testing.T) {
	space := newTestSpace(t)
	sec, err := Create(space, 3, 1)
	require.NoError(t, err)

	require.NoError(t, sec.Store(0, []byte("small"), 1))
	assert.Equal(t, 6, usedPages(t, space), "root, leaf and one data page")

	big := bytes.Repeat([]byte("0123456789"), 300)
	require.NoError(t, sec.Store(1, big, 1))
	assert.Equal(t, 9, usedPages(t, space), "three overflow pages")

	got, err := sec.Fetch(1)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	t.Run("缩小后释放溢出页", func(t *testing.T) {
		require.NoError(t, sec.Store(1, []byte("tiny"), 2))
		assert.Equal(t, 6, usedPages(t, space))
		got, err := sec.Fetch(1)
		require.NoError(t, err)
		assert.Equal(t, []byte("tiny"), got)
	})

	t.Run("empty data page is freed", func(t *testing.T) {
		_, err := sec.Delete(0, 3)
		require.NoError(t, err)
		_, err = sec.Delete(1, 3)
		require.NoError(t, err)
		assert.Equal(t, 5, usedPages(t, space))
	})

	t.Run("drop", func(t *testing.T) {
		require.NoError(t, sec.Store(7, big, 4))
		require.NoError(t, sec.Drop(4))
		assert.Equal(t, 3, usedPages(t, space))
		_, err := Open(space, 3)
		assert.Error(t, err)
	})
}

func TestManyRecordsReopen(t *testing.T) {
	space := newTestSpace(t)
	sec, err := Create(space, 0, 1)
	require.NoError(t, err)

	record := func(rn int) []byte {
		return []byte(fmt.Sprintf("%03d:%s", rn, bytes.Repeat([]byte{byte('a' + rn%26)}, 96)))
	}
	for rn := 0; rn < 200; rn++ {
		require.NoError(t, sec.Store(basic.RecordNumber(rn), record(rn), 1))
	}
	// 更新一半的记录让页面产生碎片
	for rn := 0; rn < 200; rn += 2 {
		require.NoError(t, sec.Store(basic.RecordNumber(rn), record(rn+1), 2))
	}
	require.NoError(t, space.Pool().FlushAll())

	reopened, err := Open(space, 0)
	require.NoError(t, err)
	last, err := reopened.MaxRecordNumber()
	require.NoError(t, err)
	assert.Equal(t, basic.RecordNumber(199), last)

	next := 0
	err = reopened.Scan(func(rn basic.RecordNumber, data []byte) error {
		require.Equal(t, basic.RecordNumber(next), rn)
		want := record(next)
		if next%2 == 0 {
			want = record(next + 1)
		}
		assert.Equal(t, want, data)
		next++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, next)
}

func TestDataPageCompaction(t *testing.T) {
	page := make([]byte, testPageSize)
	basic.InitPage(page, basic.PageData, 9)
	dpInit(page)

	rec := bytes.Repeat([]byte{7}, 200)
	var lines []int
	for {
		line, ok := dpInsert(page, rec)
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)

	dpDelete(page, lines[1])
	dpDelete(page, lines[2])
	line, ok := dpInsert(page, bytes.Repeat([]byte{9}, 390))
	require.True(t, ok, "two freed holes are enough after compaction")
	assert.Equal(t, lines[1], line)
	assert.Equal(t, rec, dpGet(page, lines[0]))
	assert.Equal(t, rec, dpGet(page, lines[3]))
	assert.Equal(t, bytes.Repeat([]byte{9}, 390), dpGet(page, line))

	dpDelete(page, lines[0])
	dpDelete(page, lines[3])
	dpDelete(page, line)
	assert.Equal(t, 0, dpLineCount(page))
	assert.Equal(t, testPageSize, dpFreeEndOf(page))
}

func TestRecordNumbers(t *testing.T) {
	space := newTestSpace(t)
	sec, err := Create(space, 0, 1)
	require.NoError(t, err)
	for _, rn := range []basic.RecordNumber{0, 3, 700, 5000} {
		require.NoError(t, sec.Store(rn, []byte(fmt.Sprintf("r%d", rn)), 1))
	}
	_, err = sec.Delete(3, 1)
	require.NoError(t, err)

	bm, err := sec.RecordNumbers()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 700, 5000}, bm.ToArray())
}
