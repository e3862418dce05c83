package section

import (
	"encoding/binary"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
)

// Section is the on-disk home of one table's committed records, addressed
// by record number through a two-level locator.
type Section struct {
	space *pages.Space
	bp    *buffer_pool.BufferPool
	slot  int
	root  basic.PageNumber

	mu   sync.RWMutex
	fill basic.PageNumber // data page that took the last insert
}

// Create allocates the root locator of a new section and registers it in
// the directory slot.
func Create(space *pages.Space, slot int, tid basic.TransId) (*Section, error) {
	root, err := space.AllocPage(basic.PageRecordLocator, tid)
	if err != nil {
		return nil, err
	}
	root.Frame[locLevel] = 1
	err = space.Log(root, tid)
	pn := root.GetPageNo()
	space.Pool().Release(root, basic.LockExclusive)
	if err != nil {
		return nil, err
	}
	if err := space.SetSectionRoot(slot, pn, tid); err != nil {
		return nil, err
	}
	return newSection(space, slot, pn), nil
}

// Open attaches to the section registered in slot.
func Open(space *pages.Space, slot int) (*Section, error) {
	root, err := space.SectionRoot(slot)
	if err != nil {
		return nil, err
	}
	if root == basic.NoPage {
		return nil, basic.Errorf(basic.KindTableNotFound, "section.Open", "slot %d of table space %d is empty", slot, space.Id())
	}
	return newSection(space, slot, root), nil
}

func newSection(space *pages.Space, slot int, root basic.PageNumber) *Section {
	return &Section{space: space, bp: space.Pool(), slot: slot, root: root, fill: basic.NoPage}
}

func (s *Section) Slot() int { return s.slot }

func (s *Section) Root() basic.PageNumber { return s.root }

func (s *Section) Space() *pages.Space { return s.space }

// MaxRecords is the number of record numbers a section can address.
func (s *Section) MaxRecords() int {
	ps := s.space.PageSize()
	return rootFanout(ps) * leafFanout(ps)
}

func (s *Section) split(rn basic.RecordNumber) (int, int, error) {
	if rn < 0 || int(rn) >= s.MaxRecords() {
		return 0, 0, basic.Errorf(basic.KindIndexOverflow, "section", "record number %d out of range", rn)
	}
	fan := leafFanout(s.space.PageSize())
	return int(rn) / fan, int(rn) % fan, nil
}

type location struct {
	leaf basic.PageNumber
	page basic.PageNumber
	line int
}

// locate reads the locator entry of rn. leaf is NoPage when the locator
// page covering rn does not exist, page is NoPage when rn is empty.
func (s *Section) locate(rn basic.RecordNumber) (location, error) {
	loc := location{leaf: basic.NoPage, page: basic.NoPage}
	li, slot, err := s.split(rn)
	if err != nil {
		return loc, err
	}
	root, err := s.bp.Fetch(s.space.Id(), s.root, basic.PageRecordLocator, basic.LockShared)
	if err != nil {
		return loc, err
	}
	leafPn := basic.PageNumber(pages.GetInt32(root.Frame, locEntries+li*4))
	s.bp.Release(root, basic.LockShared)
	if leafPn == 0 {
		return loc, nil
	}
	loc.leaf = leafPn
	leaf, err := s.bp.Fetch(s.space.Id(), leafPn, basic.PageRecordLocator, basic.LockShared)
	if err != nil {
		return loc, err
	}
	at := locEntries + slot*leafEntrySize
	if pn := basic.PageNumber(pages.GetInt32(leaf.Frame, at)); pn != 0 {
		loc.page = pn
		loc.line = int(pages.GetUint16(leaf.Frame, at+4))
	}
	s.bp.Release(leaf, basic.LockShared)
	return loc, nil
}

// setLocation writes the locator entry of rn, creating its leaf if needed.
func (s *Section) setLocation(rn basic.RecordNumber, page basic.PageNumber, line int, tid basic.TransId) error {
	li, slot, err := s.split(rn)
	if err != nil {
		return err
	}
	root, err := s.bp.Fetch(s.space.Id(), s.root, basic.PageRecordLocator, basic.LockExclusive)
	if err != nil {
		return err
	}
	leafPn := basic.PageNumber(pages.GetInt32(root.Frame, locEntries+li*4))
	var leaf *buffer_pool.BufferBlock
	if leafPn == 0 {
		if page == basic.NoPage {
			s.bp.Release(root, basic.LockExclusive)
			return nil
		}
		leaf, err = s.space.AllocPage(basic.PageRecordLocator, tid)
		if err != nil {
			s.bp.Release(root, basic.LockExclusive)
			return err
		}
		pages.PutInt32(root.Frame, locEntries+li*4, int32(leaf.GetPageNo()))
		if err := s.space.Log(root, tid); err != nil {
			s.bp.Release(leaf, basic.LockExclusive)
			s.bp.Release(root, basic.LockExclusive)
			return err
		}
	} else {
		leaf, err = s.bp.Fetch(s.space.Id(), leafPn, basic.PageRecordLocator, basic.LockExclusive)
		if err != nil {
			s.bp.Release(root, basic.LockExclusive)
			return err
		}
	}
	s.bp.Release(root, basic.LockExclusive)
	defer s.bp.Release(leaf, basic.LockExclusive)

	at := locEntries + slot*leafEntrySize
	if page == basic.NoPage {
		pages.PutInt32(leaf.Frame, at, 0)
		pages.PutUint16(leaf.Frame, at+4, 0)
	} else {
		pages.PutInt32(leaf.Frame, at, int32(page))
		pages.PutUint16(leaf.Frame, at+4, uint16(line))
	}
	return s.space.Log(leaf, tid)
}

// Fetch returns a copy of the record stored under rn, or nil.
func (s *Section) Fetch(rn basic.RecordNumber) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetch(rn)
}

func (s *Section) fetch(rn basic.RecordNumber) ([]byte, error) {
	loc, err := s.locate(rn)
	if err != nil || loc.page == basic.NoPage {
		return nil, err
	}
	block, err := s.bp.Fetch(s.space.Id(), loc.page, basic.PageData, basic.LockShared)
	if err != nil {
		return nil, err
	}
	rec := dpGet(block.Frame, loc.line)
	if rec == nil {
		s.bp.Release(block, basic.LockShared)
		return nil, basic.Errorf(basic.KindCorruption, "section.Fetch", "record %d points at free line %d of page %d", rn, loc.line, loc.page)
	}
	if rec[0] == flagInline {
		data := make([]byte, len(rec)-1)
		copy(data, rec[1:])
		s.bp.Release(block, basic.LockShared)
		return data, nil
	}
	total := int(binary.LittleEndian.Uint32(rec[1:]))
	first := basic.PageNumber(int32(binary.LittleEndian.Uint32(rec[5:])))
	s.bp.Release(block, basic.LockShared)
	return s.readOverflow(first, total)
}

func (s *Section) readOverflow(pn basic.PageNumber, total int) ([]byte, error) {
	data := make([]byte, 0, total)
	for pn != 0 && len(data) < total {
		block, err := s.bp.Fetch(s.space.Id(), pn, basic.PageDataOverflow, basic.LockShared)
		if err != nil {
			return nil, err
		}
		n := int(pages.GetUint16(block.Frame, ovLength))
		data = append(data, block.Frame[ovData:ovData+n]...)
		pn = basic.PageNumber(pages.GetInt32(block.Frame, ovNext))
		s.bp.Release(block, basic.LockShared)
	}
	if len(data) != total {
		return nil, basic.Errorf(basic.KindCorruption, "section.Fetch", "overflow chain holds %d of %d bytes", len(data), total)
	}
	return data, nil
}

func (s *Section) writeOverflow(data []byte, tid basic.TransId) (basic.PageNumber, error) {
	chunk := s.space.PageSize() - ovData
	first := basic.NoPage
	var prev *buffer_pool.BufferBlock
	for off := 0; off < len(data); off += chunk {
		block, err := s.space.AllocPage(basic.PageDataOverflow, tid)
		if err != nil {
			if prev != nil {
				s.bp.Release(prev, basic.LockExclusive)
			}
			return basic.NoPage, err
		}
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		copy(block.Frame[ovData:], data[off:end])
		pages.PutUint16(block.Frame, ovLength, uint16(end-off))
		if prev == nil {
			first = block.GetPageNo()
		} else {
			pages.PutInt32(prev.Frame, ovNext, int32(block.GetPageNo()))
			err = s.space.Log(prev, tid)
			s.bp.Release(prev, basic.LockExclusive)
			if err != nil {
				s.bp.Release(block, basic.LockExclusive)
				return basic.NoPage, err
			}
		}
		prev = block
	}
	err := s.space.Log(prev, tid)
	s.bp.Release(prev, basic.LockExclusive)
	return first, err
}

func (s *Section) freeOverflow(pn basic.PageNumber, tid basic.TransId) error {
	for pn != 0 {
		block, err := s.bp.Fetch(s.space.Id(), pn, basic.PageDataOverflow, basic.LockShared)
		if err != nil {
			return err
		}
		next := basic.PageNumber(pages.GetInt32(block.Frame, ovNext))
		s.bp.Release(block, basic.LockShared)
		if err := s.space.FreePage(pn, tid); err != nil {
			return err
		}
		pn = next
	}
	return nil
}

// encode builds the data-page form of a record, spilling large records.
func (s *Section) encode(data []byte, tid basic.TransId) ([]byte, error) {
	if len(data)+1 <= inlineLimit(s.space.PageSize()) {
		rec := make([]byte, 1+len(data))
		rec[0] = flagInline
		copy(rec[1:], data)
		return rec, nil
	}
	first, err := s.writeOverflow(data, tid)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, stubSize)
	rec[0] = flagOverflow
	binary.LittleEndian.PutUint32(rec[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(rec[5:], uint32(first))
	return rec, nil
}

// Store writes data as the record numbered rn, replacing any previous
// record. A nil data deletes.
func (s *Section) Store(rn basic.RecordNumber, data []byte, tid basic.TransId) error {
	if data == nil {
		_, err := s.Delete(rn, tid)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, err := s.locate(rn)
	if err != nil {
		return err
	}
	rec, err := s.encode(data, tid)
	if err != nil {
		return err
	}

	if loc.page != basic.NoPage {
		// replace in place when the record still fits its page
		block, err := s.bp.Fetch(s.space.Id(), loc.page, basic.PageData, basic.LockExclusive)
		if err != nil {
			return err
		}
		if err := s.dropLine(block, loc.line, tid); err != nil {
			s.bp.Release(block, basic.LockExclusive)
			return err
		}
		line, ok := dpInsert(block.Frame, rec)
		if ok {
			err = s.space.Log(block, tid)
			s.bp.Release(block, basic.LockExclusive)
			if err != nil || line == loc.line {
				return err
			}
			return s.setLocation(rn, loc.page, line, tid)
		}
		if err := s.releaseDataPage(block, tid); err != nil {
			return err
		}
	}

	page, line, err := s.place(rec, tid)
	if err != nil {
		return err
	}
	return s.setLocation(rn, page, line, tid)
}

// dropLine removes a line, freeing its overflow chain.
func (s *Section) dropLine(block *buffer_pool.BufferBlock, line int, tid basic.TransId) error {
	rec := dpGet(block.Frame, line)
	if rec == nil {
		return basic.Errorf(basic.KindCorruption, "section", "free line %d of page %d is referenced", line, block.GetPageNo())
	}
	if rec[0] == flagOverflow {
		first := basic.PageNumber(int32(binary.LittleEndian.Uint32(rec[5:])))
		if err := s.freeOverflow(first, tid); err != nil {
			return err
		}
	}
	dpDelete(block.Frame, line)
	return nil
}

// releaseDataPage logs and releases a data page after a delete, returning
// it to the inventory when it is empty.
func (s *Section) releaseDataPage(block *buffer_pool.BufferBlock, tid basic.TransId) error {
	pn := block.GetPageNo()
	empty := dpLineCount(block.Frame) == 0
	err := s.space.Log(block, tid)
	s.bp.Release(block, basic.LockExclusive)
	if err != nil || !empty {
		return err
	}
	if s.fill == pn {
		s.fill = basic.NoPage
	}
	return s.space.FreePage(pn, tid)
}

// place finds room for rec on the fill page or a fresh data page.
func (s *Section) place(rec []byte, tid basic.TransId) (basic.PageNumber, int, error) {
	if s.fill != basic.NoPage {
		block, err := s.bp.Fetch(s.space.Id(), s.fill, basic.PageData, basic.LockExclusive)
		if err != nil {
			return basic.NoPage, 0, err
		}
		if line, ok := dpInsert(block.Frame, rec); ok {
			err = s.space.Log(block, tid)
			s.bp.Release(block, basic.LockExclusive)
			return s.fill, line, err
		}
		s.bp.Release(block, basic.LockExclusive)
	}
	block, err := s.space.AllocPage(basic.PageData, tid)
	if err != nil {
		return basic.NoPage, 0, err
	}
	dpInit(block.Frame)
	line, ok := dpInsert(block.Frame, rec)
	if !ok {
		s.bp.Release(block, basic.LockExclusive)
		return basic.NoPage, 0, errors.Errorf("record of %d bytes does not fit an empty page", len(rec))
	}
	err = s.space.Log(block, tid)
	pn := block.GetPageNo()
	s.bp.Release(block, basic.LockExclusive)
	s.fill = pn
	return pn, line, err
}

// Delete removes the record numbered rn. It reports whether one existed.
func (s *Section) Delete(rn basic.RecordNumber, tid basic.TransId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, err := s.locate(rn)
	if err != nil || loc.page == basic.NoPage {
		return false, err
	}
	block, err := s.bp.Fetch(s.space.Id(), loc.page, basic.PageData, basic.LockExclusive)
	if err != nil {
		return false, err
	}
	if err := s.dropLine(block, loc.line, tid); err != nil {
		s.bp.Release(block, basic.LockExclusive)
		return false, err
	}
	if err := s.releaseDataPage(block, tid); err != nil {
		return false, err
	}
	return true, s.setLocation(rn, basic.NoPage, 0, tid)
}

// Scan calls fn for every stored record in record-number order until fn
// returns an error.
func (s *Section) Scan(fn func(rn basic.RecordNumber, data []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walk(func(rn basic.RecordNumber, _ basic.PageNumber, _ int) error {
		data, err := s.fetch(rn)
		if err != nil {
			return err
		}
		return fn(rn, data)
	})
}

// walk visits every used locator entry.
func (s *Section) walk(fn func(rn basic.RecordNumber, page basic.PageNumber, line int) error) error {
	ps := s.space.PageSize()
	root, err := s.bp.Fetch(s.space.Id(), s.root, basic.PageRecordLocator, basic.LockShared)
	if err != nil {
		return err
	}
	leaves := make([]basic.PageNumber, rootFanout(ps))
	for i := range leaves {
		leaves[i] = basic.PageNumber(pages.GetInt32(root.Frame, locEntries+i*4))
	}
	s.bp.Release(root, basic.LockShared)

	fan := leafFanout(ps)
	type entry struct {
		rn   basic.RecordNumber
		page basic.PageNumber
		line int
	}
	for li, leafPn := range leaves {
		if leafPn == 0 {
			continue
		}
		leaf, err := s.bp.Fetch(s.space.Id(), leafPn, basic.PageRecordLocator, basic.LockShared)
		if err != nil {
			return err
		}
		var found []entry
		for slot := 0; slot < fan; slot++ {
			at := locEntries + slot*leafEntrySize
			if pn := basic.PageNumber(pages.GetInt32(leaf.Frame, at)); pn != 0 {
				found = append(found, entry{basic.RecordNumber(li*fan + slot), pn, int(pages.GetUint16(leaf.Frame, at+4))})
			}
		}
		s.bp.Release(leaf, basic.LockShared)
		for _, e := range found {
			if err := fn(e.rn, e.page, e.line); err != nil {
				return err
			}
		}
	}
	return nil
}

// MaxRecordNumber returns the highest stored record number, or
// NoRecordNumber for an empty section.
func (s *Section) MaxRecordNumber() (basic.RecordNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := basic.NoRecordNumber
	err := s.walk(func(rn basic.RecordNumber, _ basic.PageNumber, _ int) error {
		last = rn
		return nil
	})
	return last, err
}

// RecordNumbers returns the set of stored record numbers.
func (s *Section) RecordNumbers() (*roaring.Bitmap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used := roaring.New()
	err := s.walk(func(rn basic.RecordNumber, _ basic.PageNumber, _ int) error {
		used.Add(uint32(rn))
		return nil
	})
	return used, err
}

// Count returns the number of stored records.
func (s *Section) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	err := s.walk(func(basic.RecordNumber, basic.PageNumber, int) error {
		n++
		return nil
	})
	return n, err
}

// Drop frees every page of the section and clears its directory slot.
func (s *Section) Drop(tid basic.TransId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataPages := make(map[basic.PageNumber]struct{})
	var overflow []basic.PageNumber
	err := s.walk(func(rn basic.RecordNumber, pn basic.PageNumber, line int) error {
		if _, seen := dataPages[pn]; seen {
			return nil
		}
		dataPages[pn] = struct{}{}
		block, err := s.bp.Fetch(s.space.Id(), pn, basic.PageData, basic.LockShared)
		if err != nil {
			return err
		}
		n := dpLineCount(block.Frame)
		for i := 0; i < n; i++ {
			if rec := dpGet(block.Frame, i); rec != nil && rec[0] == flagOverflow {
				overflow = append(overflow, basic.PageNumber(int32(binary.LittleEndian.Uint32(rec[5:]))))
			}
		}
		s.bp.Release(block, basic.LockShared)
		return nil
	})
	if err != nil {
		return err
	}
	for _, first := range overflow {
		if err := s.freeOverflow(first, tid); err != nil {
			return err
		}
	}
	for pn := range dataPages {
		if err := s.space.FreePage(pn, tid); err != nil {
			return err
		}
	}

	root, err := s.bp.Fetch(s.space.Id(), s.root, basic.PageRecordLocator, basic.LockShared)
	if err != nil {
		return err
	}
	var leaves []basic.PageNumber
	for i := 0; i < rootFanout(s.space.PageSize()); i++ {
		if pn := basic.PageNumber(pages.GetInt32(root.Frame, locEntries+i*4)); pn != 0 {
			leaves = append(leaves, pn)
		}
	}
	s.bp.Release(root, basic.LockShared)
	for _, pn := range append(leaves, s.root) {
		if err := s.space.FreePage(pn, tid); err != nil {
			return err
		}
	}
	s.fill = basic.NoPage
	logger.Infof("section %d of table space %d dropped, %d data pages freed", s.slot, s.space.Id(), len(dataPages))
	return s.space.SetSectionRoot(s.slot, basic.NoPage, tid)
}
