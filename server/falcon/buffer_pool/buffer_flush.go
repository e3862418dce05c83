package buffer_pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	gxbytes "github.com/dubbogo/gost/bytes"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
)

// flushState is the flush bitmap shared by the page writers. Bits are page
// numbers of the table space being flushed.
type flushState struct {
	bp *BufferPool

	serial sync.Mutex // one Flush at a time

	mu      sync.Mutex
	event   latch.Event
	ts      basic.TableSpaceId
	bits    *roaring.Bitmap
	active  int   // 正在写的线程数
	err     error // 本轮第一个错误
	stopped bool
	wg      sync.WaitGroup
}

func newFlushState(bp *BufferPool, writers int) *flushState {
	fs := &flushState{bp: bp, ts: basic.NoTableSpace}
	fs.wg.Add(writers)
	for i := 0; i < writers; i++ {
		go fs.pageWriter(i)
	}
	return fs
}

func (fs *flushState) stop() {
	fs.mu.Lock()
	fs.stopped = true
	fs.mu.Unlock()
	fs.event.Broadcast()
	fs.wg.Wait()
}

// claim removes a page from the bitmap when a writer coalesces it into a run.
func (fs *flushState) claim(pn basic.PageNumber) {
	fs.mu.Lock()
	if fs.bits != nil {
		fs.bits.Remove(uint32(pn))
	}
	fs.mu.Unlock()
}

func (fs *flushState) pageWriter(id int) {
	defer fs.wg.Done()
	for {
		fs.mu.Lock()
		for !fs.stopped && (fs.bits == nil || fs.bits.IsEmpty()) {
			_ = fs.event.WaitLocked(context.Background(), &fs.mu, 0)
		}
		if fs.stopped {
			fs.mu.Unlock()
			return
		}
		pn := basic.PageNumber(fs.bits.Minimum())
		fs.bits.Remove(uint32(pn))
		ts := fs.ts
		fs.active++
		fs.mu.Unlock()

		err := fs.bp.writeRunFrom(ts, pn, fs.claim)
		if err != nil && logger.DebugEnabled(logger.DebugPageCache) {
			logger.Debugf("page writer %d: %v", id, err)
		}

		fs.mu.Lock()
		fs.active--
		if err != nil && fs.err == nil {
			fs.err = err
		}
		fs.mu.Unlock()
		fs.event.Broadcast()
	}
}

// Flush schedules every page of ts dirty at entry and returns once all of
// them have been handed to the I/O layer.
func (bp *BufferPool) Flush(ts basic.TableSpaceId) error {
	fs := bp.flush
	fs.serial.Lock()
	defer fs.serial.Unlock()

	bits := roaring.New()
	bp.dirtyMu.Lock()
	for e := bp.dirtyList.Front(); e != nil; e = e.Next() {
		block := e.Value.(*BufferBlock)
		if block.key.TableSpace == ts {
			bits.Add(uint32(block.key.Page))
		}
	}
	bp.dirtyMu.Unlock()
	if bits.IsEmpty() {
		return nil
	}
	count := bits.GetCardinality()

	fs.mu.Lock()
	if fs.stopped {
		fs.mu.Unlock()
		return basic.Errorf(basic.KindCancelled, "Flush", "buffer pool closed")
	}
	fs.ts = ts
	fs.bits = bits
	fs.err = nil
	fs.mu.Unlock()
	fs.event.Broadcast()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for !fs.bits.IsEmpty() || fs.active > 0 {
		if fs.stopped && fs.active == 0 {
			return basic.Errorf(basic.KindCancelled, "Flush", "buffer pool closed with %d pages unflushed", fs.bits.GetCardinality())
		}
		_ = fs.event.WaitLocked(context.Background(), &fs.mu, 0)
	}
	fs.bits = nil
	fs.ts = basic.NoTableSpace
	if logger.DebugEnabled(logger.DebugPageCache) {
		logger.Debugf("flushed %d pages of table space %d", count, ts)
	}
	return fs.err
}

// FlushAll flushes every table space with dirty pages.
func (bp *BufferPool) FlushAll() error {
	seen := make(map[basic.TableSpaceId]struct{})
	var order []basic.TableSpaceId
	bp.dirtyMu.Lock()
	for e := bp.dirtyList.Front(); e != nil; e = e.Next() {
		ts := e.Value.(*BufferBlock).key.TableSpace
		if _, ok := seen[ts]; !ok {
			seen[ts] = struct{}{}
			order = append(order, ts)
		}
	}
	bp.dirtyMu.Unlock()

	var first error
	for _, ts := range order {
		if err := bp.Flush(ts); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// worthBridging reports whether a clean page should be written anyway to
// join two dirty runs: the next pages hold more dirty than clean frames.
func (bp *BufferPool) worthBridging(ts basic.TableSpaceId, from basic.PageNumber) bool {
	dirty, clean := 0, 0
	for i := 0; i < coalesceLookahead; i++ {
		block := bp.lookup(basic.PageKey{TableSpace: ts, Page: from + basic.PageNumber(i)})
		if block == nil {
			clean++
			continue
		}
		if bp.isDirty(block) {
			dirty++
		} else {
			clean++
		}
		block.unpin()
	}
	return dirty > clean
}

// writeRunFrom writes pn and as many following resident pages as the
// coalescing policy allows in one writePages call.
func (bp *BufferPool) writeRunFrom(ts basic.TableSpaceId, pn basic.PageNumber, claim func(basic.PageNumber)) error {
	key := basic.PageKey{TableSpace: ts, Page: pn}
	first := bp.lookup(key)
	if first == nil {
		return nil
	}
	first.writeMu.Lock()
	first.latch.Lock(basic.LockShared)
	if !first.valid || first.key != key || !bp.isDirty(first) {
		first.latch.Unlock()
		first.writeMu.Unlock()
		first.unpin()
		return nil
	}

	run := []*BufferBlock{first}
	for next := pn + 1; len(run) < maxCoalescePages; next++ {
		nextKey := basic.PageKey{TableSpace: ts, Page: next}
		block := bp.lookup(nextKey)
		if block == nil {
			break
		}
		dirty := bp.isDirty(block)
		if !dirty && !bp.worthBridging(ts, next+1) {
			block.unpin()
			break
		}
		if !block.writeMu.TryLock() {
			block.unpin()
			break
		}
		if !block.latch.TryLock(basic.LockShared) {
			block.writeMu.Unlock()
			block.unpin()
			break
		}
		if !block.valid || block.key != nextKey {
			block.latch.Unlock()
			block.writeMu.Unlock()
			block.unpin()
			break
		}
		run = append(run, block)
		if dirty {
			claim(next)
		}
	}

	// never end a run on a bridged clean page
	for len(run) > 1 && !bp.isDirty(run[len(run)-1]) {
		last := run[len(run)-1]
		last.latch.Unlock()
		last.writeMu.Unlock()
		last.unpin()
		run = run[:len(run)-1]
	}

	err := bp.writeRun(run)
	for _, block := range run {
		block.unpin()
	}
	return err
}

// writeBlock cleans a single pinned frame for eviction.
func (bp *BufferPool) writeBlock(block *BufferBlock) error {
	block.writeMu.Lock()
	block.latch.Lock(basic.LockShared)
	if !bp.isDirty(block) {
		block.latch.Unlock()
		block.writeMu.Unlock()
		return nil
	}
	return bp.writeRun([]*BufferBlock{block})
}

// writeRun copies pinned, share-latched, write-locked frames into a scratch
// buffer, releases their latches and writes them. Pins stay with the caller.
func (bp *BufferPool) writeRun(run []*BufferBlock) error {
	ts := run[0].key.TableSpace
	firstPage := run[0].key.Page
	size := len(run) * bp.pageSize
	scratch := gxbytes.GetBytes(size)
	defer gxbytes.PutBytes(scratch)
	buf := (*scratch)[:size]

	var maxOffset basic.VirtualOffset
	tids := make([]basic.TransId, len(run))
	for i, block := range run {
		copy(buf[i*bp.pageSize:(i+1)*bp.pageSize], block.Frame)
		if off := block.LogOffset(); off > maxOffset {
			maxOffset = off
		}
		bp.dirtyMu.Lock()
		tids[i] = block.transId
		bp.dirtyMu.Unlock()
		bp.clearDirty(block)
		block.latch.Unlock()
	}
	defer func() {
		for _, block := range run {
			block.writeMu.Unlock()
		}
	}()

	remark := func() {
		for i, block := range run {
			bp.Mark(block, tids[i])
		}
	}

	// pages carry the start offset of their newest image record, which
	// must itself be durable
	if bp.log != nil && maxOffset != basic.NoVirtualOffset {
		if err := bp.log.Flush(maxOffset + 1); err != nil {
			remark()
			return err
		}
	}

	for {
		if bp.gate != nil {
			bp.gate.EnterPageWrite()
		}
		err := bp.writePages(ts, firstPage, buf)
		if bp.gate != nil {
			bp.gate.ExitPageWrite()
		}
		if err == nil {
			return nil
		}
		if basic.IsDeviceFull(err) && atomic.LoadInt32(&bp.closing) == 0 {
			atomic.AddUint64(&bp.stats.deviceFull, 1)
			logger.Warnf("device full writing %d pages at %d:%d, retrying: %v", len(run), ts, firstPage, err)
			time.Sleep(deviceFullBackoff)
			continue
		}
		remark()
		if !basic.IsDeviceFull(err) {
			atomic.StoreInt32(&bp.ioError, 1)
		}
		return wrapWrite(err, ts, firstPage, len(run))
	}
}
