package buffer_pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/sector_cache"
)

const testPageSize = 1024

type testSpaces struct {
	files map[basic.TableSpaceId]*fileio.PageFile
}

func (s *testSpaces) PageFile(id basic.TableSpaceId) (*fileio.PageFile, error) {
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	return nil, basic.ErrTableSpaceNotFound
}

type testLog struct {
	mu      sync.Mutex
	flushed basic.VirtualOffset
}

func (l *testLog) Flush(upTo basic.VirtualOffset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upTo > l.flushed {
		l.flushed = upTo
	}
	return nil
}

func newTestPool(t *testing.T, frames int, sectors bool, writers int) (*BufferPool, *testSpaces, *testLog) {
	dir := t.TempDir()
	spaces := &testSpaces{files: make(map[basic.TableSpaceId]*fileio.PageFile)}
	for _, id := range []basic.TableSpaceId{0, 1} {
		pf, err := fileio.Create(filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+id))), fileio.Options{PageSize: testPageSize, Checksums: true})
		require.NoError(t, err)
		spaces.files[id] = pf
		t.Cleanup(func() { _ = pf.Close() })
	}
	log := &testLog{}
	config := &BufferPoolConfig{PageSize: testPageSize, Frames: frames, Writers: writers, Resolver: spaces, Log: log}
	if sectors {
		config.Sectors = sector_cache.NewSectorCache(4, 4*testPageSize, testPageSize)
	}
	bp, err := NewBufferPool(config)
	require.NoError(t, err)
	t.Cleanup(bp.Close)
	return bp, spaces, log
}

func TestFakeThenFetch(t *testing.T) {
	bp, spaces, _ := newTestPool(t, 16, false, 2)

	block, err := bp.Fake(1, 3, basic.PageData, 7)
	require.NoError(t, err)
	block.Frame[100] = 0x5A
	bp.Release(block, basic.LockExclusive)
	assert.Equal(t, 1, bp.DirtyPages())

	block, err = bp.Fetch(1, 3, basic.PageData, basic.LockShared)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), block.Frame[100])
	assert.Equal(t, basic.PageNumber(3), basic.GetPageNumber(block.Frame))
	bp.Release(block, basic.LockShared)

	reads, _ := spaces.files[1].Stats()
	assert.Equal(t, uint64(0), reads, "fake then fetch must not read the disk")
	assert.Equal(t, uint64(1), bp.Stats().PageHits)
}

func TestFlushWritesEveryDirtyPage(t *testing.T) {
	for _, sectors := range []bool{false, true} {
		bp, spaces, log := newTestPool(t, 32, sectors, 1)

		pages := []basic.PageNumber{0, 1, 2, 4, 5, 9}
		for i, pn := range pages {
			block, err := bp.Fake(1, pn, basic.PageBtree, 1)
			require.NoError(t, err)
			block.Frame[200] = byte(pn + 1)
			block.SetLogOffset(basic.VirtualOffset(100 + i))
			bp.Release(block, basic.LockExclusive)
		}
		other, err := bp.Fake(0, 0, basic.PageHeader, 1)
		require.NoError(t, err)
		bp.Release(other, basic.LockExclusive)

		require.NoError(t, bp.Flush(1))
		assert.Equal(t, 1, bp.DirtyPages(), "only table space 0 stays dirty")
		assert.Equal(t, basic.VirtualOffset(106), log.flushed, "write-ahead rule")

		buf := make([]byte, testPageSize)
		for _, pn := range pages {
			require.NoError(t, spaces.files[1].ReadPage(pn, buf))
			assert.Equal(t, byte(pn+1), buf[200])
			assert.Equal(t, basic.PageBtree, basic.GetPageType(buf))
		}
		stats := bp.Stats()
		assert.Equal(t, uint64(len(pages)), stats.PagesWritten)
		assert.Equal(t, uint64(3), stats.PageWrites, "adjacent pages are coalesced")

		require.NoError(t, bp.FlushAll())
		assert.Equal(t, 0, bp.DirtyPages())
	}
}

func TestEvictionWritesDirtyFrames(t *testing.T) {
	bp, spaces, _ := newTestPool(t, 8, false, 2)

	for pn := basic.PageNumber(0); pn < 20; pn++ {
		block, err := bp.Fake(1, pn, basic.PageData, 1)
		require.NoError(t, err)
		block.Frame[300] = byte(pn)
		bp.Release(block, basic.LockExclusive)
	}
	assert.Greater(t, bp.Stats().Evictions, uint64(0))

	for pn := basic.PageNumber(0); pn < 20; pn++ {
		block, err := bp.Fetch(1, pn, basic.PageData, basic.LockShared)
		require.NoError(t, err)
		assert.Equal(t, byte(pn), block.Frame[300])
		bp.Release(block, basic.LockShared)
	}
	require.NoError(t, bp.FlushAll())
	_, writes := spaces.files[1].Stats()
	assert.Greater(t, writes, uint64(0))
}

func TestTypeMismatchIsCorruption(t *testing.T) {
	bp, _, _ := newTestPool(t, 8, false, 2)
	block, err := bp.Fake(1, 2, basic.PageData, 1)
	require.NoError(t, err)
	bp.Release(block, basic.LockExclusive)

	_, err = bp.Fetch(1, 2, basic.PageBtree, basic.LockShared)
	assert.True(t, basic.IsCorruption(err))

	block, err = bp.Fetch(1, 2, basic.PageAny, basic.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, int32(1), block.UseCount())
	bp.Release(block, basic.LockExclusive)
	assert.Equal(t, int32(0), block.UseCount())
}

func TestFreePageAndDiscard(t *testing.T) {
	bp, _, _ := newTestPool(t, 8, true, 2)
	for pn := basic.PageNumber(0); pn < 3; pn++ {
		block, err := bp.Fake(1, pn, basic.PageData, 1)
		require.NoError(t, err)
		bp.Release(block, basic.LockExclusive)
	}
	bp.FreePage(1, 1)
	assert.Equal(t, 2, bp.DirtyPages())

	require.NoError(t, bp.DiscardTableSpace(context.Background(), 1))
	assert.Equal(t, 0, bp.DirtyPages())

	_, err := bp.Fetch(5, 0, basic.PageAny, basic.LockShared)
	assert.ErrorIs(t, err, basic.ErrTableSpaceNotFound)
}

func TestConcurrentFetch(t *testing.T) {
	bp, _, _ := newTestPool(t, 16, true, 2)
	for pn := basic.PageNumber(0); pn < 32; pn++ {
		block, err := bp.Fake(1, pn, basic.PageData, 1)
		require.NoError(t, err)
		block.Frame[64] = byte(pn)
		bp.Release(block, basic.LockExclusive)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pn := basic.PageNumber((i*7 + g) % 32)
				block, err := bp.Fetch(1, pn, basic.PageData, basic.LockShared)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, byte(pn), block.Frame[64])
				bp.Release(block, basic.LockShared)
			}
		}(g)
	}
	wg.Wait()
}

func TestSettledWaitsForChange(t *testing.T) {
	bp, _, _ := newTestPool(t, 8, false, 1)

	block, err := bp.Fake(1, 2, basic.PageBtree, 1)
	require.NoError(t, err)
	bp.Release(block, basic.LockExclusive)
	require.NoError(t, bp.FlushAll())
	require.Equal(t, 0, bp.DirtyPages())

	block, err = bp.Fetch(1, 2, basic.PageBtree, basic.LockExclusive)
	require.NoError(t, err)
	bp.EnterChange()
	block.SetLogOffset(500)

	seen := make(chan int, 1)
	go bp.Settled(func() { seen <- bp.DirtyPages() })
	select {
	case n := <-seen:
		t.Fatalf("settled with a change in flight, dirty=%d", n)
	case <-time.After(50 * time.Millisecond):
	}

	bp.Mark(block, basic.NoTransId)
	bp.ExitChange()
	bp.Release(block, basic.LockExclusive)
	select {
	case n := <-seen:
		assert.Equal(t, 1, n, "页面在检查点前已经是脏页")
	case <-time.After(5 * time.Second):
		t.Fatal("settled never ran")
	}
}
