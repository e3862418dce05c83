package sector_cache

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
)

type sectorKey struct {
	tableSpace basic.TableSpaceId
	number     int64
}

var emptyKey = sectorKey{tableSpace: basic.NoTableSpace, number: -1}

// sector 一个扇区缓存槽
type sector struct {
	mu    sync.RWMutex
	key   sectorKey
	valid bool
	buf   []byte
}

// SectorCache sits between the page cache and the page files. A read miss
// loads one whole sector; writes update cached sectors in place while the
// slot lock is held across the file write, so readers never see a sector
// older than the file.
type SectorCache struct {
	sectorSize     int
	pageSize       int
	pagesPerSector int

	mu      sync.Mutex // 保护 hash, pending 和 next
	hash    map[sectorKey]*sector
	pending map[sectorKey]int // 正在写入的扇区
	sectors []*sector
	next    int // round-robin 淘汰指针

	hits   uint64
	misses uint64
}

// NewSectorCache 创建扇区缓存
func NewSectorCache(count, sectorSize, pageSize int) *SectorCache {
	if count < 1 {
		count = 1
	}
	sc := &SectorCache{
		sectorSize:     sectorSize,
		pageSize:       pageSize,
		pagesPerSector: sectorSize / pageSize,
		hash:           make(map[sectorKey]*sector, count),
		pending:        make(map[sectorKey]int),
		sectors:        make([]*sector, count),
	}
	for i := range sc.sectors {
		sc.sectors[i] = &sector{key: emptyKey, buf: fileio.AlignedBuffer(sectorSize)}
	}
	return sc
}

func (sc *SectorCache) keyOf(ts basic.TableSpaceId, pn basic.PageNumber) (sectorKey, int) {
	number := int64(pn) / int64(sc.pagesPerSector)
	offset := int(int64(pn)%int64(sc.pagesPerSector)) * sc.pageSize
	return sectorKey{tableSpace: ts, number: number}, offset
}

// ReadPage returns one page, loading its sector on a miss. The checksum is
// validated once, on the copy handed to the caller.
func (sc *SectorCache) ReadPage(file *fileio.PageFile, ts basic.TableSpaceId, pn basic.PageNumber, buf []byte) error {
	key, offset := sc.keyOf(ts, pn)

	for {
		sc.mu.Lock()
		s := sc.hash[key]
		sc.mu.Unlock()

		if s != nil {
			s.mu.RLock()
			if s.valid && s.key == key {
				copy(buf, s.buf[offset:offset+sc.pageSize])
				s.mu.RUnlock()
				atomic.AddUint64(&sc.hits, 1)
				return fileio.ValidateChecksum(buf, pn)
			}
			s.mu.RUnlock()
		}

		s, loaded, err := sc.load(file, key)
		if err != nil {
			return err
		}
		if !loaded {
			// lost a race with another loader; look again
			continue
		}
		copy(buf, s.buf[offset:offset+sc.pageSize])
		s.mu.Unlock()
		atomic.AddUint64(&sc.misses, 1)
		return fileio.ValidateChecksum(buf, pn)
	}
}

// load claims a victim slot, publishes it under key and fills it from file.
// On success the slot is returned exclusively locked. A sector with a write
// in flight is read into a private buffer and not cached.
func (sc *SectorCache) load(file *fileio.PageFile, key sectorKey) (*sector, bool, error) {
	sc.mu.Lock()
	if _, ok := sc.hash[key]; ok {
		sc.mu.Unlock()
		return nil, false, nil
	}
	var victim *sector
	if sc.pending[key] == 0 {
		for i := 0; i < len(sc.sectors); i++ {
			candidate := sc.sectors[sc.next]
			sc.next = (sc.next + 1) % len(sc.sectors)
			if candidate.mu.TryLock() {
				victim = candidate
				break
			}
		}
	}
	if victim == nil {
		sc.mu.Unlock()
		s := &sector{buf: make([]byte, sc.sectorSize), key: key}
		s.mu.Lock()
		if err := file.ReadPages(basic.PageNumber(key.number*int64(sc.pagesPerSector)), s.buf); err != nil {
			s.mu.Unlock()
			return nil, false, err
		}
		return s, true, nil
	}
	if sc.hash[victim.key] == victim {
		delete(sc.hash, victim.key)
	}
	victim.key = key
	victim.valid = false
	sc.hash[key] = victim
	sc.mu.Unlock()

	first := basic.PageNumber(key.number * int64(sc.pagesPerSector))
	if err := file.ReadPages(first, victim.buf); err != nil {
		sc.mu.Lock()
		if sc.hash[key] == victim {
			delete(sc.hash, key)
		}
		sc.mu.Unlock()
		victim.key = emptyKey
		victim.mu.Unlock()
		return nil, false, err
	}
	victim.valid = true
	if logger.DebugEnabled(logger.DebugPageCache) {
		logger.Debugf("sector cache loaded %d:%d", key.tableSpace, key.number)
	}
	return victim, true, nil
}

// WritePages writes through to file and refreshes every cached sector the
// run overlaps.
func (sc *SectorCache) WritePages(file *fileio.PageFile, ts basic.TableSpaceId, first basic.PageNumber, buf []byte) error {
	pages := len(buf) / sc.pageSize
	firstKey, _ := sc.keyOf(ts, first)
	lastKey, _ := sc.keyOf(ts, first+basic.PageNumber(pages-1))

	var held []*sector
	sc.mu.Lock()
	for n := firstKey.number; n <= lastKey.number; n++ {
		key := sectorKey{tableSpace: ts, number: n}
		sc.pending[key]++
		if s := sc.hash[key]; s != nil {
			held = append(held, s)
		}
	}
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		for n := firstKey.number; n <= lastKey.number; n++ {
			key := sectorKey{tableSpace: ts, number: n}
			if sc.pending[key]--; sc.pending[key] <= 0 {
				delete(sc.pending, key)
			}
		}
		sc.mu.Unlock()
	}()

	for _, s := range held {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range held {
			s.mu.Unlock()
		}
	}()

	if err := file.WritePages(first, buf); err != nil {
		return err
	}
	for _, s := range held {
		if !s.valid || s.key.tableSpace != ts || s.key.number < firstKey.number || s.key.number > lastKey.number {
			continue
		}
		sectorFirst := s.key.number * int64(sc.pagesPerSector)
		for i := 0; i < pages; i++ {
			pn := int64(first) + int64(i)
			if pn < sectorFirst || pn >= sectorFirst+int64(sc.pagesPerSector) {
				continue
			}
			dst := int(pn-sectorFirst) * sc.pageSize
			copy(s.buf[dst:dst+sc.pageSize], buf[i*sc.pageSize:(i+1)*sc.pageSize])
		}
	}
	return nil
}

// Invalidate drops every sector of a table space.
func (sc *SectorCache) Invalidate(ts basic.TableSpaceId) {
	sc.mu.Lock()
	var victims []*sector
	for key, s := range sc.hash {
		if key.tableSpace == ts {
			delete(sc.hash, key)
			victims = append(victims, s)
		}
	}
	sc.mu.Unlock()
	for _, s := range victims {
		s.mu.Lock()
		if s.key.tableSpace == ts {
			s.valid = false
			s.key = emptyKey
		}
		s.mu.Unlock()
	}
}

// Stats 命中与未命中次数
func (sc *SectorCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&sc.hits), atomic.LoadUint64(&sc.misses)
}
