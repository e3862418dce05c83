package pages

import (
	"math/bits"
	"sync"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
)

// PageLog receives page images before a changed frame is marked dirty.
type PageLog interface {
	Append(rec serial_log.Record) (start, end basic.VirtualOffset, err error)
}

// Space is the page allocator and section directory of one table space.
type Space struct {
	id       basic.TableSpaceId
	bp       *buffer_pool.BufferPool
	log      PageLog
	pageSize int

	mu   sync.Mutex // 分配器互斥
	hint int        // first inventory range that may have a free page
}

// NewSpace 创建表空间页面管理器
func NewSpace(id basic.TableSpaceId, bp *buffer_pool.BufferPool, log PageLog) *Space {
	return &Space{id: id, bp: bp, log: log, pageSize: bp.PageSize()}
}

func (s *Space) Id() basic.TableSpaceId { return s.id }

func (s *Space) PageSize() int { return s.pageSize }

func (s *Space) Pool() *buffer_pool.BufferPool { return s.bp }

// ImageRecord builds the log record carrying a page image.
func ImageRecord(ts basic.TableSpaceId, pn basic.PageNumber, frame []byte) serial_log.Record {
	switch t := basic.GetPageType(frame); t {
	case basic.PageBtree, basic.PageInversion:
		return &serial_log.IndexPage{
			TableSpace:   ts,
			Page:         pn,
			Level:        BtreeLevel(frame),
			RightSibling: BtreeRightSibling(frame),
			Image:        frame,
		}
	case basic.PageInventory:
		return &serial_log.InventoryPage{TableSpace: ts, Page: pn, Image: frame}
	default:
		return &serial_log.DataPage{TableSpace: ts, Page: pn, PageType: t, Image: frame}
	}
}

// Log writes the image of an exclusively held page to the serial log,
// stamps the page with the record's offset and marks the frame dirty.
func (s *Space) Log(block *buffer_pool.BufferBlock, tid basic.TransId) error {
	s.bp.EnterChange()
	defer s.bp.ExitChange()
	if s.log != nil {
		start, _, err := s.log.Append(ImageRecord(s.id, block.GetPageNo(), block.Frame))
		if err != nil {
			return err
		}
		block.SetLogOffset(start)
	}
	s.bp.Mark(block, tid)
	return nil
}

// Format writes the fixed pages of a new table space.
func (s *Space) Format(tid basic.TransId) error {
	hdr, err := s.bp.Fake(s.id, HeaderPage, basic.PageHeader, tid)
	if err != nil {
		return err
	}
	f := hdr.Frame
	putInt32(f, hdrMagic, int32(spaceMagic))
	PutUint16(f, hdrVersion, spaceVersion)
	putInt32(f, hdrPageSize, int32(s.pageSize))
	putInt32(f, hdrSpaceId, int32(s.id))
	putInt32(f, hdrInventories, 1)
	err = s.Log(hdr, tid)
	s.bp.Release(hdr, basic.LockExclusive)
	if err != nil {
		return err
	}

	inv, err := s.bp.Fake(s.id, InventoryPage, basic.PageInventory, tid)
	if err != nil {
		return err
	}
	for pn := HeaderPage; pn < firstFreePage; pn++ {
		setBit(inv.Frame, int(pn))
	}
	err = s.Log(inv, tid)
	s.bp.Release(inv, basic.LockExclusive)
	if err != nil {
		return err
	}

	sec, err := s.bp.Fake(s.id, SectionsPage, basic.PageSections, tid)
	if err != nil {
		return err
	}
	err = s.Log(sec, tid)
	s.bp.Release(sec, basic.LockExclusive)
	logger.Infof("table space %d formatted with %d byte pages", s.id, s.pageSize)
	return err
}

// Validate checks the header page of an existing table space.
func (s *Space) Validate() error {
	hdr, err := s.bp.Fetch(s.id, HeaderPage, basic.PageHeader, basic.LockShared)
	if err != nil {
		return err
	}
	defer s.bp.Release(hdr, basic.LockShared)
	f := hdr.Frame
	if uint32(getInt32(f, hdrMagic)) != spaceMagic {
		return basic.Errorf(basic.KindCorruption, "Validate", "table space %d has no header", s.id)
	}
	if int(getInt32(f, hdrPageSize)) != s.pageSize {
		return basic.Errorf(basic.KindCorruption, "Validate", "table space %d uses %d byte pages, configured %d",
			s.id, getInt32(f, hdrPageSize), s.pageSize)
	}
	if basic.TableSpaceId(getInt32(f, hdrSpaceId)) != s.id {
		return basic.Errorf(basic.KindCorruption, "Validate", "file of table space %d belongs to %d", s.id, getInt32(f, hdrSpaceId))
	}
	return nil
}

func setBit(page []byte, bit int) {
	page[basic.PageHeaderSize+bit/8] |= 1 << uint(bit%8)
}

func clearBit(page []byte, bit int) {
	page[basic.PageHeaderSize+bit/8] &^= 1 << uint(bit%8)
}

func testBit(page []byte, bit int) bool {
	return page[basic.PageHeaderSize+bit/8]&(1<<uint(bit%8)) != 0
}

func firstClearBit(page []byte) int {
	for i := basic.PageHeaderSize; i < len(page); i++ {
		if page[i] != 0xFF {
			return (i-basic.PageHeaderSize)*8 + bits.TrailingZeros8(^page[i])
		}
	}
	return -1
}

func (s *Space) inventories() (int, error) {
	hdr, err := s.bp.Fetch(s.id, HeaderPage, basic.PageHeader, basic.LockShared)
	if err != nil {
		return 0, err
	}
	n := int(getInt32(hdr.Frame, hdrInventories))
	s.bp.Release(hdr, basic.LockShared)
	return n, nil
}

// AllocPage finds a free page, marks it used and returns it formatted as
// pageType, exclusively latched. The caller fills, logs and releases it.
func (s *Space) AllocPage(pageType basic.PageType, tid basic.TransId) (*buffer_pool.BufferBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.inventories()
	if err != nil {
		return nil, err
	}
	perInventory := bitsPerInventory(s.pageSize)
	pn := basic.NoPage
	for k := s.hint; k < count && pn == basic.NoPage; k++ {
		inv, err := s.bp.Fetch(s.id, inventoryPageOf(k, s.pageSize), basic.PageInventory, basic.LockExclusive)
		if err != nil {
			return nil, err
		}
		if bit := firstClearBit(inv.Frame); bit >= 0 {
			setBit(inv.Frame, bit)
			if err := s.Log(inv, tid); err != nil {
				s.bp.Release(inv, basic.LockExclusive)
				return nil, err
			}
			pn = basic.PageNumber(k*perInventory + bit)
			s.hint = k
		}
		s.bp.Release(inv, basic.LockExclusive)
	}

	if pn == basic.NoPage {
		// every range is full: start a new one, its first page is the inventory
		invPage := inventoryPageOf(count, s.pageSize)
		if int64(invPage)+int64(perInventory) > int64(^uint32(0)>>1) {
			return nil, basic.Errorf(basic.KindOutOfMemory, "AllocPage", "table space %d is full", s.id)
		}
		inv, err := s.bp.Fake(s.id, invPage, basic.PageInventory, tid)
		if err != nil {
			return nil, err
		}
		setBit(inv.Frame, 0)
		setBit(inv.Frame, 1)
		err = s.Log(inv, tid)
		s.bp.Release(inv, basic.LockExclusive)
		if err != nil {
			return nil, err
		}
		hdr, err := s.bp.Fetch(s.id, HeaderPage, basic.PageHeader, basic.LockExclusive)
		if err != nil {
			return nil, err
		}
		putInt32(hdr.Frame, hdrInventories, int32(count+1))
		err = s.Log(hdr, tid)
		s.bp.Release(hdr, basic.LockExclusive)
		if err != nil {
			return nil, err
		}
		pn = invPage + 1
		s.hint = count
	}

	if logger.DebugEnabled(logger.DebugPageCache) {
		logger.Debugf("table space %d allocated page %d as %s", s.id, pn, pageType)
	}
	return s.bp.Fake(s.id, pn, pageType, tid)
}

// FreePage returns a page to the inventory.
func (s *Space) FreePage(pn basic.PageNumber, tid basic.TransId) error {
	if pn < firstFreePage {
		return basic.Errorf(basic.KindInternal, "FreePage", "page %d of table space %d is fixed", pn, s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	perInventory := bitsPerInventory(s.pageSize)
	k := int(pn) / perInventory
	bit := int(pn) % perInventory
	if k > 0 && bit == 0 {
		return basic.Errorf(basic.KindInternal, "FreePage", "page %d of table space %d is an inventory", pn, s.id)
	}
	inv, err := s.bp.Fetch(s.id, inventoryPageOf(k, s.pageSize), basic.PageInventory, basic.LockExclusive)
	if err != nil {
		return err
	}
	defer s.bp.Release(inv, basic.LockExclusive)
	if !testBit(inv.Frame, bit) {
		return basic.Errorf(basic.KindCorruption, "FreePage", "page %d of table space %d is already free", pn, s.id)
	}
	clearBit(inv.Frame, bit)
	if err := s.Log(inv, tid); err != nil {
		return err
	}
	if k < s.hint {
		s.hint = k
	}
	s.bp.FreePage(s.id, pn)
	return nil
}

// UsedPages counts the allocated pages.
func (s *Space) UsedPages() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.inventories()
	if err != nil {
		return 0, err
	}
	used := 0
	for k := 0; k < count; k++ {
		inv, err := s.bp.Fetch(s.id, inventoryPageOf(k, s.pageSize), basic.PageInventory, basic.LockShared)
		if err != nil {
			return 0, err
		}
		for _, b := range inv.Frame[basic.PageHeaderSize:] {
			used += bits.OnesCount8(b)
		}
		s.bp.Release(inv, basic.LockShared)
	}
	return used, nil
}

// SectionRoot returns the root page registered in slot, or NoPage.
func (s *Space) SectionRoot(slot int) (basic.PageNumber, error) {
	if slot < 0 || slot >= SectionSlots(s.pageSize) {
		return basic.NoPage, basic.Errorf(basic.KindIndexOverflow, "SectionRoot", "slot %d out of range", slot)
	}
	sec, err := s.bp.Fetch(s.id, SectionsPage, basic.PageSections, basic.LockShared)
	if err != nil {
		return basic.NoPage, err
	}
	defer s.bp.Release(sec, basic.LockShared)
	pn := basic.PageNumber(getInt32(sec.Frame, basic.PageHeaderSize+slot*4))
	if pn == 0 {
		return basic.NoPage, nil
	}
	return pn, nil
}

// SetSectionRoot registers (or with NoPage clears) the root of slot.
func (s *Space) SetSectionRoot(slot int, root basic.PageNumber, tid basic.TransId) error {
	if slot < 0 || slot >= SectionSlots(s.pageSize) {
		return basic.Errorf(basic.KindIndexOverflow, "SetSectionRoot", "slot %d out of range", slot)
	}
	sec, err := s.bp.Fetch(s.id, SectionsPage, basic.PageSections, basic.LockExclusive)
	if err != nil {
		return err
	}
	defer s.bp.Release(sec, basic.LockExclusive)
	if root == basic.NoPage {
		root = 0
	}
	putInt32(sec.Frame, basic.PageHeaderSize+slot*4, int32(root))
	return s.Log(sec, tid)
}

// FreeSlot returns the lowest unused directory slot.
func (s *Space) FreeSlot() (int, error) {
	sec, err := s.bp.Fetch(s.id, SectionsPage, basic.PageSections, basic.LockShared)
	if err != nil {
		return 0, err
	}
	defer s.bp.Release(sec, basic.LockShared)
	for slot := 0; slot < SectionSlots(s.pageSize); slot++ {
		if getInt32(sec.Frame, basic.PageHeaderSize+slot*4) == 0 {
			return slot, nil
		}
	}
	return 0, basic.Errorf(basic.KindIndexOverflow, "FreeSlot", "section directory of table space %d is full", s.id)
}

// RedoImage applies a logged page image unless the page already carries it
// or a newer one. A page that fails its checksum is rebuilt from the image.
func RedoImage(bp *buffer_pool.BufferPool, ts basic.TableSpaceId, pn basic.PageNumber, image []byte, off basic.VirtualOffset) (bool, error) {
	if len(image) != bp.PageSize() {
		return false, basic.Errorf(basic.KindCorruption, "RedoImage", "image of %d:%d is %d bytes", ts, pn, len(image))
	}
	block, err := bp.Fetch(ts, pn, basic.PageAny, basic.LockExclusive)
	if basic.IsCorruption(err) {
		logger.Warnf("rebuilding damaged page %d:%d from the log", ts, pn)
		block, err = bp.Fake(ts, pn, basic.GetPageType(image), basic.NoTransId)
		bp.ClearFailed(ts)
	}
	if err != nil {
		return false, err
	}
	defer bp.Release(block, basic.LockExclusive)
	if block.LogOffset() >= off {
		return false, nil
	}
	copy(block.Frame, image)
	block.SetLogOffset(off)
	bp.Mark(block, basic.NoTransId)
	return true, nil
}
