package buffer_pool

import "sync/atomic"

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	Frames       int
	DirtyPages   int
	PageHits     uint64
	PageMisses   uint64
	PageReads    uint64
	PageWrites   uint64 // writePages calls
	PagesWritten uint64
	Evictions    uint64
	DeviceFull   uint64 // device-full retries
}

type counters struct {
	hits         uint64
	misses       uint64
	reads        uint64
	writes       uint64
	pagesWritten uint64
	evictions    uint64
	deviceFull   uint64
}

// HitRate 缓存命中率
func (s BufferPoolStats) HitRate() float64 {
	total := s.PageHits + s.PageMisses
	if total == 0 {
		return 0
	}
	return float64(s.PageHits) / float64(total)
}

func (c *counters) snapshot() BufferPoolStats {
	return BufferPoolStats{
		PageHits:     atomic.LoadUint64(&c.hits),
		PageMisses:   atomic.LoadUint64(&c.misses),
		PageReads:    atomic.LoadUint64(&c.reads),
		PageWrites:   atomic.LoadUint64(&c.writes),
		PagesWritten: atomic.LoadUint64(&c.pagesWritten),
		Evictions:    atomic.LoadUint64(&c.evictions),
		DeviceFull:   atomic.LoadUint64(&c.deviceFull),
	}
}
