package buffer_pool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/sector_cache"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

const (
	chunkFrames        = 64
	freeFrameRetries   = 2000
	deviceFullBackoff  = time.Second
	maxCoalescePages   = 64
	coalesceLookahead  = 5
	drainPollInterval  = time.Millisecond
	defaultWriterCount = 1
)

// SpaceResolver maps a table-space id to its open page file.
type SpaceResolver interface {
	PageFile(id basic.TableSpaceId) (*fileio.PageFile, error)
}

// LogFlusher enforces the write-ahead rule: a page is written only after the
// log is durable up to the page's log offset.
type LogFlusher interface {
	Flush(upTo basic.VirtualOffset) error
}

// IOGate lets serial log writes take priority over page writes.
type IOGate interface {
	EnterPageWrite()
	ExitPageWrite()
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	PageSize int
	Frames   int
	Writers  int // 后台写线程数

	Resolver SpaceResolver
	Sectors  *sector_cache.SectorCache // 可选
	Log      LogFlusher                // 可选
	Gate     IOGate                    // 可选
}

type bucket struct {
	mu     sync.RWMutex
	blocks []*BufferBlock
}

// BufferPool is the page cache: a fixed set of frames, a hash of resident
// pages, an age-stamped LRU queue and a dirty list drained by page writers.
type BufferPool struct {
	pageSize int
	resolver SpaceResolver
	sectors  *sector_cache.SectorCache
	log      LogFlusher
	gate     IOGate

	blocks  []*BufferBlock
	buckets []bucket
	mask    uint64

	queueMu    sync.Mutex // LRU 队列锁
	lru        *list.List
	currentAge uint64

	dirtyMu   sync.Mutex // 脏页链表锁
	dirtyList *list.List

	// held shared from a page's log append until it is marked dirty
	changeMu sync.RWMutex

	failedMu sync.RWMutex
	failed   map[basic.TableSpaceId]error // 损坏的表空间
	ioError  int32

	flush   *flushState
	closing int32
	stats   counters
}

// NewBufferPool creates a new buffer pool and starts its page writers.
func NewBufferPool(config *BufferPoolConfig) (*BufferPool, error) {
	if !basic.IsPowerOfTwo(config.PageSize) || config.PageSize < basic.MinPageSize {
		return nil, basic.Errorf(basic.KindInvalidState, "NewBufferPool", "bad page size %d", config.PageSize)
	}
	if config.Frames < 4 {
		return nil, basic.Errorf(basic.KindInvalidState, "NewBufferPool", "too few frames %d", config.Frames)
	}
	if config.Resolver == nil {
		return nil, basic.Errorf(basic.KindInvalidState, "NewBufferPool", "no space resolver")
	}

	nBuckets := 1
	for nBuckets < config.Frames {
		nBuckets <<= 1
	}
	bp := &BufferPool{
		pageSize:  config.PageSize,
		resolver:  config.Resolver,
		sectors:   config.Sectors,
		log:       config.Log,
		gate:      config.Gate,
		blocks:    make([]*BufferBlock, 0, config.Frames),
		buckets:   make([]bucket, nBuckets),
		mask:      uint64(nBuckets - 1),
		lru:       list.New(),
		dirtyList: list.New(),
		failed:    make(map[basic.TableSpaceId]error),
	}

	for allocated := 0; allocated < config.Frames; {
		n := chunkFrames
		if config.Frames-allocated < n {
			n = config.Frames - allocated
		}
		chunk := fileio.AlignedBuffer(n * config.PageSize)
		for i := 0; i < n; i++ {
			block := newBufferBlock(chunk[i*config.PageSize : (i+1)*config.PageSize : (i+1)*config.PageSize])
			block.lruElem = bp.lru.PushBack(block)
			bp.blocks = append(bp.blocks, block)
		}
		allocated += n
	}

	writers := config.Writers
	if writers < 1 {
		writers = defaultWriterCount
	}
	bp.flush = newFlushState(bp, writers)
	logger.Infof("buffer pool: %d frames of %d bytes, %d buckets, %d writers",
		config.Frames, config.PageSize, nBuckets, writers)
	return bp, nil
}

func (bp *BufferPool) PageSize() int { return bp.pageSize }

func (bp *BufferPool) bucketOf(key basic.PageKey) *bucket {
	h := util.HashUint64(uint64(uint32(key.TableSpace))<<32 | uint64(uint32(key.Page)))
	return &bp.buckets[h&bp.mask]
}

func (b *bucket) find(key basic.PageKey) *BufferBlock {
	for _, block := range b.blocks {
		if block.key == key {
			return block
		}
	}
	return nil
}

func (b *bucket) remove(block *BufferBlock) {
	for i, candidate := range b.blocks {
		if candidate == block {
			last := len(b.blocks) - 1
			b.blocks[i] = b.blocks[last]
			b.blocks[last] = nil
			b.blocks = b.blocks[:last]
			return
		}
	}
}

// lookup pins a resident page under the shared bucket lock.
func (bp *BufferPool) lookup(key basic.PageKey) *BufferBlock {
	b := bp.bucketOf(key)
	b.mu.RLock()
	block := b.find(key)
	if block != nil {
		block.pin()
	}
	b.mu.RUnlock()
	return block
}

// bump moves a frame to the LRU head once it has aged a quarter pool.
func (bp *BufferPool) bump(block *BufferBlock) {
	current := atomic.AddUint64(&bp.currentAge, 1)
	quarter := uint64(len(bp.blocks) / 4)
	if age := atomic.LoadUint64(&block.age); current > quarter && age >= current-quarter {
		return
	}
	bp.queueMu.Lock()
	bp.lru.MoveToFront(block.lruElem)
	atomic.StoreUint64(&block.age, current)
	bp.queueMu.Unlock()
}

func (bp *BufferPool) checkFailed(ts basic.TableSpaceId) error {
	bp.failedMu.RLock()
	defer bp.failedMu.RUnlock()
	return bp.failed[ts]
}

func (bp *BufferPool) markFailed(ts basic.TableSpaceId, err error) {
	bp.failedMu.Lock()
	if _, ok := bp.failed[ts]; !ok {
		bp.failed[ts] = err
		logger.Errorf("table space %d marked failed: %v", ts, err)
	}
	bp.failedMu.Unlock()
}

// ClearFailed lifts the failed state of a table space whose damaged page
// recovery has rewritten from the log.
func (bp *BufferPool) ClearFailed(ts basic.TableSpaceId) {
	bp.failedMu.Lock()
	delete(bp.failed, ts)
	bp.failedMu.Unlock()
}

// IOErrorState reports whether a page I/O error has been seen.
func (bp *BufferPool) IOErrorState() bool {
	return atomic.LoadInt32(&bp.ioError) != 0
}

// Fetch returns a pinned frame holding the page, latched in lockMode.
// A page whose type differs from expectedType (unless PageAny) is corrupt.
func (bp *BufferPool) Fetch(ts basic.TableSpaceId, pn basic.PageNumber, expectedType basic.PageType, lockMode basic.LockType) (*BufferBlock, error) {
	key := basic.PageKey{TableSpace: ts, Page: pn}
	for {
		if block := bp.lookup(key); block != nil {
			block.latch.Lock(lockModeForWait(lockMode))
			if !block.valid || block.key != key {
				// lost a race with a failed load or an eviction
				block.latch.Unlock()
				block.unpin()
				continue
			}
			if lockMode == basic.LockNone {
				block.latch.Unlock()
			}
			atomic.AddUint64(&bp.stats.hits, 1)
			bp.bump(block)
			if err := bp.checkType(block, expectedType, lockMode); err != nil {
				return nil, err
			}
			return block, nil
		}

		if err := bp.checkFailed(ts); err != nil {
			return nil, err
		}
		block, loaded, err := bp.load(key, false)
		if err != nil {
			return nil, err
		}
		if !loaded {
			continue
		}
		atomic.AddUint64(&bp.stats.misses, 1)
		switch lockMode {
		case basic.LockShared:
			block.latch.Downgrade()
		case basic.LockNone:
			block.latch.Unlock()
		}
		if err := bp.checkType(block, expectedType, lockMode); err != nil {
			return nil, err
		}
		return block, nil
	}
}

func lockModeForWait(mode basic.LockType) basic.LockType {
	if mode == basic.LockNone {
		return basic.LockShared
	}
	return mode
}

func (bp *BufferPool) checkType(block *BufferBlock, expected basic.PageType, lockMode basic.LockType) error {
	if expected == basic.PageAny {
		return nil
	}
	if actual := block.GetPageType(); actual != expected {
		err := basic.Errorf(basic.KindCorruption, "Fetch", "page %s is %s, expected %s", block.key, actual, expected)
		bp.Release(block, lockMode)
		return err
	}
	return nil
}

// Fake is Fetch without the read: the frame is zero filled, stamped with
// pageType and pn, marked dirty for tid and returned exclusively latched.
func (bp *BufferPool) Fake(ts basic.TableSpaceId, pn basic.PageNumber, pageType basic.PageType, tid basic.TransId) (*BufferBlock, error) {
	key := basic.PageKey{TableSpace: ts, Page: pn}
	for {
		if block := bp.lookup(key); block != nil {
			block.latch.Lock(basic.LockExclusive)
			if block.key != key {
				block.latch.Unlock()
				block.unpin()
				continue
			}
			block.valid = true
			basic.InitPage(block.Frame, pageType, pn)
			bp.bump(block)
			bp.Mark(block, tid)
			return block, nil
		}
		block, loaded, err := bp.load(key, true)
		if err != nil {
			return nil, err
		}
		if !loaded {
			continue
		}
		basic.InitPage(block.Frame, pageType, pn)
		bp.Mark(block, tid)
		return block, nil
	}
}

// load claims a free frame, publishes it under key and fills it. The frame is
// returned pinned and exclusively latched. loaded is false when another
// thread published the page first.
func (bp *BufferPool) load(key basic.PageKey, fake bool) (*BufferBlock, bool, error) {
	block, err := bp.getFreeFrame()
	if err != nil {
		return nil, false, err
	}
	block.latch.Lock(basic.LockExclusive)

	b := bp.bucketOf(key)
	b.mu.Lock()
	if b.find(key) != nil {
		b.mu.Unlock()
		block.latch.Unlock()
		bp.returnFrame(block)
		return nil, false, nil
	}
	block.key = key
	block.valid = false
	b.blocks = append(b.blocks, block)
	b.mu.Unlock()

	if fake {
		block.valid = true
		return block, true, nil
	}

	if err := bp.readPage(key, block.Frame); err != nil {
		b.mu.Lock()
		b.remove(block)
		block.key = basic.PageKey{TableSpace: basic.NoTableSpace, Page: basic.NoPage}
		b.mu.Unlock()
		block.latch.Unlock()
		bp.returnFrame(block)
		if basic.IsCorruption(err) {
			bp.markFailed(key.TableSpace, err)
		} else {
			atomic.StoreInt32(&bp.ioError, 1)
		}
		return nil, false, err
	}
	block.valid = true
	atomic.AddUint64(&bp.stats.reads, 1)
	if logger.DebugEnabled(logger.DebugPageCache) {
		logger.Debugf("buffer pool read page %s", key)
	}
	return block, true, nil
}

func (bp *BufferPool) readPage(key basic.PageKey, buf []byte) error {
	file, err := bp.resolver.PageFile(key.TableSpace)
	if err != nil {
		return err
	}
	if bp.sectors != nil {
		return bp.sectors.ReadPage(file, key.TableSpace, key.Page, buf)
	}
	return file.ReadPage(key.Page, buf)
}

func (bp *BufferPool) writePages(ts basic.TableSpaceId, first basic.PageNumber, buf []byte) error {
	file, err := bp.resolver.PageFile(ts)
	if err != nil {
		return err
	}
	atomic.AddUint64(&bp.stats.writes, 1)
	atomic.AddUint64(&bp.stats.pagesWritten, uint64(len(buf)/bp.pageSize))
	if bp.sectors != nil {
		return bp.sectors.WritePages(file, ts, first, buf)
	}
	return file.WritePages(first, buf)
}

// returnFrame puts an unpublished frame back at the LRU tail.
func (bp *BufferPool) returnFrame(block *BufferBlock) {
	bp.queueMu.Lock()
	bp.lru.MoveToBack(block.lruElem)
	bp.queueMu.Unlock()
	block.unpin()
}

// getFreeFrame returns an unpublished frame pinned once. It prefers clean
// idle frames in the LRU tail quarter, then any idle frame, writing it out if
// it is dirty.
func (bp *BufferPool) getFreeFrame() (*BufferBlock, error) {
	for attempt := 0; attempt < freeFrameRetries; attempt++ {
		if block := bp.scanForVictim(len(bp.blocks)/4+1, false); block != nil {
			return block, nil
		}
		if block := bp.scanForVictim(len(bp.blocks), true); block != nil {
			return block, nil
		}
		if atomic.LoadInt32(&bp.closing) != 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	return nil, basic.Errorf(basic.KindOutOfMemory, "getFreeFrame", "all %d frames are pinned", len(bp.blocks))
}

func (bp *BufferPool) scanForVictim(limit int, allowDirty bool) *BufferBlock {
	var candidates []*BufferBlock
	bp.queueMu.Lock()
	for e, n := bp.lru.Back(), 0; e != nil && n < limit; e, n = e.Prev(), n+1 {
		block := e.Value.(*BufferBlock)
		if atomic.LoadInt32(&block.useCount) != 0 {
			continue
		}
		candidates = append(candidates, block)
		if len(candidates) >= 8 {
			break
		}
	}
	bp.queueMu.Unlock()

	for _, block := range candidates {
		if !atomic.CompareAndSwapInt32(&block.useCount, 0, 1) {
			continue
		}
		if bp.isDirty(block) {
			if !allowDirty {
				block.unpin()
				continue
			}
			if err := bp.writeBlock(block); err != nil {
				logger.Warnf("buffer pool could not clean %s: %v", block.key, err)
				block.unpin()
				continue
			}
		}
		if bp.unpublish(block) {
			bp.queueMu.Lock()
			bp.lru.MoveToFront(block.lruElem)
			atomic.StoreUint64(&block.age, atomic.LoadUint64(&bp.currentAge))
			bp.queueMu.Unlock()
			return block
		}
		block.unpin()
	}
	return nil
}

// unpublish removes a claimed frame from its bucket, rechecking under the
// exclusive bucket lock that nobody pinned or dirtied it meanwhile.
func (bp *BufferPool) unpublish(block *BufferBlock) bool {
	if block.key.TableSpace == basic.NoTableSpace {
		return atomic.LoadInt32(&block.useCount) == 1
	}
	b := bp.bucketOf(block.key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if atomic.LoadInt32(&block.useCount) != 1 || bp.isDirty(block) {
		return false
	}
	b.remove(block)
	block.key = basic.PageKey{TableSpace: basic.NoTableSpace, Page: basic.NoPage}
	block.valid = false
	atomic.AddUint64(&bp.stats.evictions, 1)
	return true
}

// Mark records that the caller, holding the page exclusively, changed it.
func (bp *BufferPool) Mark(block *BufferBlock, tid basic.TransId) {
	bp.dirtyMu.Lock()
	if !block.dirty {
		block.dirty = true
		block.dirtyElem = bp.dirtyList.PushBack(block)
	}
	block.transId = tid
	bp.dirtyMu.Unlock()
}

// EnterChange opens a logged page change. Between EnterChange and
// ExitChange the caller appends the page image and marks the frame.
func (bp *BufferPool) EnterChange() { bp.changeMu.RLock() }

func (bp *BufferPool) ExitChange() { bp.changeMu.RUnlock() }

// Settled runs fn while no logged page change is in flight: every image
// appended before fn runs is already on the dirty list.
func (bp *BufferPool) Settled(fn func()) {
	bp.changeMu.Lock()
	defer bp.changeMu.Unlock()
	fn()
}

func (bp *BufferPool) isDirty(block *BufferBlock) bool {
	bp.dirtyMu.Lock()
	defer bp.dirtyMu.Unlock()
	return block.dirty
}

func (bp *BufferPool) clearDirty(block *BufferBlock) {
	bp.dirtyMu.Lock()
	if block.dirty {
		block.dirty = false
		bp.dirtyList.Remove(block.dirtyElem)
		block.dirtyElem = nil
	}
	bp.dirtyMu.Unlock()
}

// Release drops the latch taken by Fetch or Fake and the pin.
func (bp *BufferPool) Release(block *BufferBlock, lockMode basic.LockType) {
	if lockMode != basic.LockNone {
		block.latch.Unlock()
	}
	block.unpin()
}

// Upgrade trades a shared latch for an exclusive one. The page may have
// changed in between.
func (bp *BufferPool) Upgrade(block *BufferBlock) {
	block.latch.Unlock()
	block.latch.Lock(basic.LockExclusive)
}

// FreePage forgets pending changes of a page that the allocator released.
func (bp *BufferPool) FreePage(ts basic.TableSpaceId, pn basic.PageNumber) {
	block := bp.lookup(basic.PageKey{TableSpace: ts, Page: pn})
	if block == nil {
		return
	}
	bp.clearDirty(block)
	block.unpin()
}

// DirtyPages returns the number of frames on the dirty list.
func (bp *BufferPool) DirtyPages() int {
	bp.dirtyMu.Lock()
	defer bp.dirtyMu.Unlock()
	return bp.dirtyList.Len()
}

// Stats 返回缓冲池统计信息
func (bp *BufferPool) Stats() BufferPoolStats {
	s := bp.stats.snapshot()
	s.Frames = len(bp.blocks)
	s.DirtyPages = bp.DirtyPages()
	return s
}

// DiscardTableSpace evicts every frame of a dropped table space, waiting for
// pins to drain, and drops its dirty pages unwritten.
func (bp *BufferPool) DiscardTableSpace(ctx context.Context, ts basic.TableSpaceId) error {
	for {
		pinned := 0
		for i := range bp.buckets {
			b := &bp.buckets[i]
			b.mu.Lock()
			for j := 0; j < len(b.blocks); {
				block := b.blocks[j]
				if block.key.TableSpace != ts {
					j++
					continue
				}
				if atomic.LoadInt32(&block.useCount) != 0 {
					pinned++
					j++
					continue
				}
				bp.clearDirty(block)
				b.remove(block)
				block.key = basic.PageKey{TableSpace: basic.NoTableSpace, Page: basic.NoPage}
				block.valid = false
			}
			b.mu.Unlock()
		}
		if pinned == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return basic.NewError(basic.KindCancelled, "DiscardTableSpace", ctx.Err())
		case <-time.After(drainPollInterval):
		}
	}
	if bp.sectors != nil {
		bp.sectors.Invalidate(ts)
	}
	bp.failedMu.Lock()
	delete(bp.failed, ts)
	bp.failedMu.Unlock()
	return nil
}

// Close stops the page writers. Dirty pages stay dirty; callers flush first.
func (bp *BufferPool) Close() {
	if !atomic.CompareAndSwapInt32(&bp.closing, 0, 1) {
		return
	}
	bp.flush.stop()
	if n := bp.DirtyPages(); n > 0 {
		logger.Warnf("buffer pool closed with %d dirty pages", n)
	}
}

func wrapWrite(err error, ts basic.TableSpaceId, first basic.PageNumber, n int) error {
	return errors.Wrapf(err, "write %d pages at %d:%d", n, ts, first)
}
