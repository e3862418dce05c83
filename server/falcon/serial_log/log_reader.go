package serial_log

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// ErrStopScan ends a Scan early without an error.
var ErrStopScan = errors.New("stop scan")

// findEnd walks every block of every file and returns the start of the last
// valid block, or the header block of the first file when the log is empty.
// Files after the end are stale and removed.
func (sl *SerialLog) findEnd() (basic.VirtualOffset, error) {
	bs := basic.VirtualOffset(sl.cfg.BlockSize)
	last := sl.files[0].base
	buf := make([]byte, sl.cfg.BlockSize)
	endFile := 0

outer:
	for i, lf := range sl.files {
		if i > 0 && lf.base != sl.files[i-1].base+basic.VirtualOffset(sl.cfg.FileSize) {
			break
		}
		for start := lf.base + bs; lf.contains(start, sl.cfg.FileSize); start += bs {
			if !sl.readBlockAt(lf, start, buf) || !validBlock(buf, start, sl.cfg.BlockSize) {
				break outer
			}
			last = start
			endFile = i
		}
	}

	for _, lf := range sl.files[endFile+1:] {
		logger.Warnf("serial log: removing %s past the end of the log", lf.path)
		_ = lf.f.Close()
		_ = os.Remove(lf.path)
	}
	sl.files = sl.files[:endFile+1]
	return last, nil
}

func (sl *SerialLog) readBlockAt(lf *logFile, start basic.VirtualOffset, buf []byte) bool {
	n, err := lf.f.ReadAt(buf, int64(start-lf.base))
	if err != nil && err != io.EOF {
		return false
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return n > 0
}

func validBlock(block []byte, start basic.VirtualOffset, blockSize int) bool {
	if binary.LittleEndian.Uint32(block[0:]) != blockMagic ||
		binary.LittleEndian.Uint16(block[4:]) != logVersion {
		return false
	}
	length := int(binary.LittleEndian.Uint32(block[8:]))
	if length < blockHeaderSize || length > blockSize {
		return false
	}
	return basic.VirtualOffset(binary.LittleEndian.Uint64(block[16:])) == start
}

// readBlock returns a copy of the block at start. The current block comes
// from memory, blocks of sealed windows from the window cache.
func (sl *SerialLog) readBlock(start basic.VirtualOffset, buf []byte) (bool, error) {
	sl.mu.Lock()
	if start == sl.blockStart {
		copy(buf, sl.block)
		sl.mu.Unlock()
		return true, nil
	}
	if start > sl.blockStart {
		sl.mu.Unlock()
		return false, nil
	}
	lf := sl.fileFor(start)
	current := sl.blockStart
	sl.mu.Unlock()
	if lf == nil {
		return false, nil
	}

	ws := basic.VirtualOffset(sl.cfg.WindowSize)
	windowStart := lf.base + (start-lf.base)/ws*ws
	if windowStart+ws > current {
		if !sl.readBlockAt(lf, start, buf) {
			return false, basic.Errorf(basic.KindSerialLogIOError, "readBlock", "cannot read block %d of %s", start, lf.path)
		}
		return true, nil
	}

	window, err := sl.window(lf, windowStart)
	if err != nil {
		return false, err
	}
	copy(buf, window[start-windowStart:])
	return true, nil
}

// window returns a sealed window, reading it once.
func (sl *SerialLog) window(lf *logFile, windowStart basic.VirtualOffset) ([]byte, error) {
	sl.windowMu.Lock()
	defer sl.windowMu.Unlock()
	if w, ok := sl.windows[windowStart]; ok {
		return w, nil
	}
	w := make([]byte, sl.cfg.WindowSize)
	n, err := lf.f.ReadAt(w, int64(windowStart-lf.base))
	if err != nil && err != io.EOF {
		return nil, basic.NewError(basic.KindSerialLogIOError, "window", errors.Wrap(err, lf.path))
	}
	for i := n; i < len(w); i++ {
		w[i] = 0
	}
	if len(sl.winOrder) >= windowCacheSize {
		delete(sl.windows, sl.winOrder[0])
		sl.winOrder = sl.winOrder[1:]
	}
	sl.windows[windowStart] = w
	sl.winOrder = append(sl.winOrder, windowStart)
	return w, nil
}

// parseRecord validates the record at pos of block. It returns the record
// size, or 0 when the bytes are not a valid record.
func parseRecord(block []byte, pos, length int) (RecordType, []byte, int) {
	if pos+recordHeaderSize > length {
		return 0, nil, 0
	}
	h := block[pos:]
	if h[0] != recordVersion {
		return 0, nil, 0
	}
	t := RecordType(binary.LittleEndian.Uint16(h[2:]))
	size := int(binary.LittleEndian.Uint32(h[4:]))
	if pos+recordHeaderSize+size > length {
		return 0, nil, 0
	}
	payload := h[recordHeaderSize : recordHeaderSize+size]
	if util.Checksum32(payload) != binary.LittleEndian.Uint32(h[8:]) {
		return 0, nil, 0
	}
	return t, payload, recordHeaderSize + size
}

func (sl *SerialLog) blockOf(off basic.VirtualOffset) basic.VirtualOffset {
	bs := basic.VirtualOffset(sl.cfg.BlockSize)
	return off / bs * bs
}

// ReadRecord reads the record starting at off and returns the offset right
// after it.
func (sl *SerialLog) ReadRecord(off basic.VirtualOffset) (Record, basic.VirtualOffset, error) {
	start := sl.blockOf(off)
	block := make([]byte, sl.cfg.BlockSize)
	ok, err := sl.readBlock(start, block)
	if err != nil {
		return nil, 0, err
	}
	if !ok || !validBlock(block, start, sl.cfg.BlockSize) {
		return nil, 0, basic.Errorf(basic.KindCorruption, "ReadRecord", "no log block at %d", start)
	}
	length := int(binary.LittleEndian.Uint32(block[8:]))
	t, payload, size := parseRecord(block, int(off-start), length)
	if size == 0 {
		return nil, 0, basic.Errorf(basic.KindCorruption, "ReadRecord", "no valid record at %d", off)
	}
	rec, err := decodeRecord(t, payload)
	if err != nil {
		return nil, 0, basic.NewError(basic.KindCorruption, "ReadRecord", err)
	}
	return rec, off + basic.VirtualOffset(size), nil
}

// Scan calls fn for every valid record starting at or after from, in log
// order. A damaged record ends its block; an invalid block ends the scan.
func (sl *SerialLog) Scan(from basic.VirtualOffset, fn func(off basic.VirtualOffset, rec Record) error) error {
	bs := basic.VirtualOffset(sl.cfg.BlockSize)
	sl.mu.Lock()
	if len(sl.files) == 0 {
		sl.mu.Unlock()
		return nil
	}
	first := sl.files[0].base + bs
	sl.mu.Unlock()

	start := sl.blockOf(from)
	if start < first {
		start = first
	}
	block := make([]byte, sl.cfg.BlockSize)
	for {
		sl.mu.Lock()
		lf := sl.fileFor(start)
		sl.mu.Unlock()
		if lf == nil {
			return nil
		}
		if start == lf.base {
			start += bs
			continue
		}
		ok, err := sl.readBlock(start, block)
		if err != nil {
			return err
		}
		if !ok || !validBlock(block, start, sl.cfg.BlockSize) {
			return nil
		}
		length := int(binary.LittleEndian.Uint32(block[8:]))
		for pos := blockHeaderSize; pos < length; {
			t, payload, size := parseRecord(block, pos, length)
			if size == 0 {
				logger.Warnf("serial log: damaged record at %d, skipping rest of block", start+basic.VirtualOffset(pos))
				break
			}
			off := start + basic.VirtualOffset(pos)
			pos += size
			if off < from {
				continue
			}
			rec, err := decodeRecord(t, payload)
			if err != nil {
				logger.Warnf("serial log: undecodable record at %d: %v", off, err)
				continue
			}
			if err := fn(off, rec); err != nil {
				if err == ErrStopScan {
					return nil
				}
				return err
			}
		}
		start += bs
	}
}
