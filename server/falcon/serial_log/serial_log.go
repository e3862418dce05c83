package serial_log

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

/*
Log layout. Every file starts with a header block; the rest of the file is
a sequence of blocks of BlockSize bytes. A virtual offset is the file's base
plus the byte position inside the file, so offsets are continuous across
files and include headers and padding.

	file header:   magic u32, version u16, pad u16, seq u64, base u64,
	               file size u64, block size u32
	block header:  magic u32, version u16, pad u16, length u32, pad u32,
	               virtual offset u64
	record header: version u8, pad u8, type u16, length u32, checksum u32
*/
const (
	fileMagic         uint32 = 0x474F4C46 // "FLOG"
	blockMagic        uint32 = 0x4B4C4246 // "FBLK"
	logVersion        uint16 = 1
	recordVersion     uint8  = 1
	fileHeaderLen            = 40
	blockHeaderSize          = 24
	recordHeaderSize         = 12
	windowCacheSize          = 8
	defaultBlockSize         = 64 * 1024
	defaultWindowSize        = 1024 * 1024
	defaultFileSize          = 64 * 1024 * 1024
)

// Config 串行日志配置
type Config struct {
	Dir        string
	Prefix     string
	BlockSize  int
	WindowSize int
	FileSize   int64
	Fsync      bool
	Priority   bool // 日志写优先于页面写
}

type logFile struct {
	seq  uint64
	base basic.VirtualOffset
	path string
	f    *os.File
}

func (lf *logFile) contains(off basic.VirtualOffset, fileSize int64) bool {
	return off >= lf.base && off < lf.base+basic.VirtualOffset(fileSize)
}

// SerialLog is the write-ahead log. Appends serialize on one mutex; Flush
// makes everything appended so far durable.
type SerialLog struct {
	cfg Config

	mu         sync.Mutex // append mutex
	files      []*logFile // 按 seq 升序
	cur        *logFile
	block      []byte
	blockStart basic.VirtualOffset
	blockLen   int
	written    basic.VirtualOffset // 已交给操作系统的末尾
	unsynced   map[*logFile]struct{}
	failed     error

	flushMu sync.Mutex
	durable uint64 // basic.VirtualOffset

	priority *latch.SyncObject

	windowMu sync.Mutex
	windows  map[basic.VirtualOffset][]byte
	winOrder []basic.VirtualOffset

	records uint64
	bytes   uint64
	flushes uint64
}

// Stats 日志统计信息
type Stats struct {
	End      basic.VirtualOffset
	Durable  basic.VirtualOffset
	Files    int
	Records  uint64
	Bytes    uint64
	Flushes  uint64
	MaxBlock int
}

// Open opens the log in cfg.Dir, creating the first file if none exists.
// The append position is placed after the last valid block.
func Open(cfg Config) (*SerialLog, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.FileSize == 0 {
		cfg.FileSize = defaultFileSize
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "falcon_serial_log"
	}
	if !basic.IsPowerOfTwo(cfg.BlockSize) || cfg.WindowSize%cfg.BlockSize != 0 ||
		cfg.FileSize%int64(cfg.WindowSize) != 0 || cfg.FileSize < 2*int64(cfg.BlockSize) {
		return nil, basic.Errorf(basic.KindInvalidState, "serial_log.Open",
			"block %d, window %d and file %d sizes do not nest", cfg.BlockSize, cfg.WindowSize, cfg.FileSize)
	}
	if err := util.EnsureDir(cfg.Dir); err != nil {
		return nil, basic.NewError(basic.KindSerialLogIOError, "serial_log.Open", err)
	}

	sl := &SerialLog{
		cfg:      cfg,
		block:    make([]byte, cfg.BlockSize),
		unsynced: make(map[*logFile]struct{}),
		priority: latch.NewSyncObject("serial log priority"),
		windows:  make(map[basic.VirtualOffset][]byte),
	}
	if err := sl.openFiles(); err != nil {
		sl.closeFiles()
		return nil, err
	}
	return sl, nil
}

func (sl *SerialLog) fileName(seq uint64) string {
	return filepath.Join(sl.cfg.Dir, fmt.Sprintf("%s.%d", sl.cfg.Prefix, seq))
}

func (sl *SerialLog) openFiles() error {
	entries, err := os.ReadDir(sl.cfg.Dir)
	if err != nil {
		return basic.NewError(basic.KindSerialLogIOError, "serial_log.Open", err)
	}
	prefix := sl.cfg.Prefix + "."
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			continue
		}
		lf, err := sl.openLogFile(seq)
		if err != nil {
			return err
		}
		if lf != nil {
			sl.files = append(sl.files, lf)
		}
	}
	sort.Slice(sl.files, func(i, j int) bool { return sl.files[i].seq < sl.files[j].seq })

	if len(sl.files) == 0 {
		lf, err := sl.createLogFile(1, 0)
		if err != nil {
			return err
		}
		sl.files = append(sl.files, lf)
		sl.startBlock(lf, basic.VirtualOffset(sl.cfg.BlockSize))
		sl.written = sl.blockStart
		atomic.StoreUint64(&sl.durable, uint64(sl.blockStart))
		logger.Infof("serial log: created %s", lf.path)
		return nil
	}

	last, err := sl.findEnd()
	if err != nil {
		return err
	}
	sl.placeAfter(last)
	sl.written = sl.blockStart
	atomic.StoreUint64(&sl.durable, uint64(sl.blockStart))
	// a stale block right behind the new append position must not be
	// mistaken for log data by the next recovery
	sl.zeroBlock(sl.blockStart + basic.VirtualOffset(sl.cfg.BlockSize))
	logger.Infof("serial log: %d files, append position %d", len(sl.files), sl.blockStart)
	return nil
}

func (sl *SerialLog) openLogFile(seq uint64) (*logFile, error) {
	path := sl.fileName(seq)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, basic.NewError(basic.KindSerialLogIOError, "serial_log.Open", errors.Wrap(err, path))
	}
	header := make([]byte, fileHeaderLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		_ = f.Close()
		logger.Warnf("serial log: ignoring %s without a header: %v", path, err)
		return nil, nil
	}
	if binary.LittleEndian.Uint32(header[0:]) != fileMagic {
		_ = f.Close()
		logger.Warnf("serial log: ignoring %s with a bad magic", path)
		return nil, nil
	}
	fileSeq := binary.LittleEndian.Uint64(header[8:])
	base := basic.VirtualOffset(binary.LittleEndian.Uint64(header[16:]))
	fileSize := int64(binary.LittleEndian.Uint64(header[24:]))
	blockSize := int(binary.LittleEndian.Uint32(header[32:]))
	if fileSeq != seq || fileSize != sl.cfg.FileSize || blockSize != sl.cfg.BlockSize {
		_ = f.Close()
		return nil, basic.Errorf(basic.KindSerialLogIOError, "serial_log.Open",
			"%s: seq %d size %d block %d does not match configuration", path, fileSeq, fileSize, blockSize)
	}
	return &logFile{seq: seq, base: base, path: path, f: f}, nil
}

func (sl *SerialLog) createLogFile(seq uint64, base basic.VirtualOffset) (*logFile, error) {
	path := sl.fileName(seq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, basic.NewError(basic.KindSerialLogIOError, "createLogFile", errors.Wrap(err, path))
	}
	header := make([]byte, sl.cfg.BlockSize)
	binary.LittleEndian.PutUint32(header[0:], fileMagic)
	binary.LittleEndian.PutUint16(header[4:], logVersion)
	binary.LittleEndian.PutUint64(header[8:], seq)
	binary.LittleEndian.PutUint64(header[16:], uint64(base))
	binary.LittleEndian.PutUint64(header[24:], uint64(sl.cfg.FileSize))
	binary.LittleEndian.PutUint32(header[32:], uint32(sl.cfg.BlockSize))
	if _, err := f.WriteAt(header, 0); err != nil {
		_ = f.Close()
		return nil, basic.NewError(basic.KindSerialLogIOError, "createLogFile", errors.Wrap(err, path))
	}
	lf := &logFile{seq: seq, base: base, path: path, f: f}
	sl.unsynced[lf] = struct{}{}
	return lf, nil
}

func (sl *SerialLog) fileFor(off basic.VirtualOffset) *logFile {
	for i := len(sl.files) - 1; i >= 0; i-- {
		if sl.files[i].contains(off, sl.cfg.FileSize) {
			return sl.files[i]
		}
	}
	return nil
}

// startBlock makes the block at start current, in memory only.
func (sl *SerialLog) startBlock(lf *logFile, start basic.VirtualOffset) {
	sl.cur = lf
	for i := range sl.block {
		sl.block[i] = 0
	}
	binary.LittleEndian.PutUint32(sl.block[0:], blockMagic)
	binary.LittleEndian.PutUint16(sl.block[4:], logVersion)
	binary.LittleEndian.PutUint64(sl.block[16:], uint64(start))
	sl.blockStart = start
	sl.blockLen = blockHeaderSize
	binary.LittleEndian.PutUint32(sl.block[8:], uint32(sl.blockLen))
}

// nextBlockStart returns the block after the current one, opening the next
// file when the current one is full.
func (sl *SerialLog) advance() error {
	next := sl.blockStart + basic.VirtualOffset(sl.cfg.BlockSize)
	if sl.cur.contains(next, sl.cfg.FileSize) {
		sl.startBlock(sl.cur, next)
		return nil
	}
	base := sl.cur.base + basic.VirtualOffset(sl.cfg.FileSize)
	lf, err := sl.createLogFile(sl.cur.seq+1, base)
	if err != nil {
		return err
	}
	sl.files = append(sl.files, lf)
	sl.startBlock(lf, base+basic.VirtualOffset(sl.cfg.BlockSize))
	if logger.DebugEnabled(logger.DebugSerialLog) {
		logger.Debugf("serial log: switched to %s", lf.path)
	}
	return nil
}

// placeAfter positions the append block right after the block at last.
func (sl *SerialLog) placeAfter(last basic.VirtualOffset) {
	lf := sl.fileFor(last)
	sl.cur = lf
	sl.blockStart = last
	if err := sl.advance(); err != nil {
		sl.failed = err
	}
}

func (sl *SerialLog) zeroBlock(start basic.VirtualOffset) {
	lf := sl.fileFor(start)
	if lf == nil {
		return
	}
	zero := make([]byte, sl.cfg.BlockSize)
	_, _ = lf.f.WriteAt(zero, int64(start-lf.base))
}

// writeBlock writes the current block at its position. Caller holds mu.
func (sl *SerialLog) writeBlock(full bool) error {
	size := sl.blockLen
	if full {
		size = sl.cfg.BlockSize
	}
	if _, err := sl.cur.f.WriteAt(sl.block[:size], int64(sl.blockStart-sl.cur.base)); err != nil {
		sl.failed = basic.NewError(basic.KindSerialLogIOError, "writeBlock", errors.Wrap(err, sl.cur.path))
		logger.Errorf("serial log write failed, no further commits: %v", err)
		return sl.failed
	}
	sl.unsynced[sl.cur] = struct{}{}
	if end := sl.blockStart + basic.VirtualOffset(sl.blockLen); end > sl.written {
		sl.written = end
	}
	return nil
}

// MaxRecordSize is the largest payload a single record may carry.
func (sl *SerialLog) MaxRecordSize() int {
	return sl.cfg.BlockSize - blockHeaderSize - recordHeaderSize
}

// Append writes rec into the current block and returns the virtual offsets
// of its first byte and of the byte after it.
func (sl *SerialLog) Append(rec Record) (start, end basic.VirtualOffset, err error) {
	scratch := gxbytes.GetBytes(sl.cfg.BlockSize)
	defer gxbytes.PutBytes(scratch)
	payload := rec.encode((*scratch)[:0])
	if len(payload) > sl.MaxRecordSize() {
		return 0, 0, basic.Errorf(basic.KindInternal, "Append", "%s record of %d bytes exceeds %d",
			rec.Type(), len(payload), sl.MaxRecordSize())
	}
	size := recordHeaderSize + len(payload)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.failed != nil {
		return 0, 0, sl.failed
	}
	if sl.blockLen+size > sl.cfg.BlockSize {
		if err := sl.writeBlock(true); err != nil {
			return 0, 0, err
		}
		if err := sl.advance(); err != nil {
			sl.failed = err
			return 0, 0, err
		}
	}

	start = sl.blockStart + basic.VirtualOffset(sl.blockLen)
	h := sl.block[sl.blockLen:]
	h[0] = recordVersion
	h[1] = 0
	binary.LittleEndian.PutUint16(h[2:], uint16(rec.Type()))
	binary.LittleEndian.PutUint32(h[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(h[8:], util.Checksum32(payload))
	copy(h[recordHeaderSize:], payload)
	sl.blockLen += size
	binary.LittleEndian.PutUint32(sl.block[8:], uint32(sl.blockLen))
	end = start + basic.VirtualOffset(size)

	sl.records++
	sl.bytes += uint64(size)
	if logger.DebugEnabled(logger.DebugSerialLog) {
		logger.Debugf("serial log: %s at %d (%d bytes)", rec.Type(), start, size)
	}
	return start, end, nil
}

// End is the virtual offset the next record will start at, or beyond.
func (sl *SerialLog) End() basic.VirtualOffset {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.blockStart + basic.VirtualOffset(sl.blockLen)
}

// Durable returns the offset up to which the log is on stable storage.
func (sl *SerialLog) Durable() basic.VirtualOffset {
	return basic.VirtualOffset(atomic.LoadUint64(&sl.durable))
}

// Flush makes the log durable up to at least upTo.
func (sl *SerialLog) Flush(upTo basic.VirtualOffset) error {
	if upTo <= sl.Durable() {
		return nil
	}
	sl.flushMu.Lock()
	defer sl.flushMu.Unlock()
	if upTo <= sl.Durable() {
		return nil
	}

	if sl.cfg.Priority {
		sl.priority.Lock(basic.LockExclusive)
		defer sl.priority.Unlock()
	}

	sl.mu.Lock()
	if sl.failed != nil {
		err := sl.failed
		sl.mu.Unlock()
		return err
	}
	if err := sl.writeBlock(false); err != nil {
		sl.mu.Unlock()
		return err
	}
	end := sl.blockStart + basic.VirtualOffset(sl.blockLen)
	var files []*logFile
	for lf := range sl.unsynced {
		files = append(files, lf)
	}
	sl.unsynced = make(map[*logFile]struct{})
	sl.mu.Unlock()

	if sl.cfg.Fsync {
		for _, lf := range files {
			if err := lf.f.Sync(); err != nil {
				sl.mu.Lock()
				sl.failed = basic.NewError(basic.KindSerialLogIOError, "Flush", errors.Wrap(err, lf.path))
				err = sl.failed
				sl.mu.Unlock()
				return err
			}
		}
	}
	atomic.StoreUint64(&sl.durable, uint64(end))
	atomic.AddUint64(&sl.flushes, 1)
	return nil
}

// EnterPageWrite and ExitPageWrite bracket page writes so that a pending
// log flush goes first.
func (sl *SerialLog) EnterPageWrite() {
	if sl.cfg.Priority {
		sl.priority.Lock(basic.LockShared)
	}
}

func (sl *SerialLog) ExitPageWrite() {
	if sl.cfg.Priority {
		sl.priority.Unlock()
	}
}

// Checkpoint records that recovery may start at oldest and releases log
// files that lie entirely below it.
func (sl *SerialLog) Checkpoint(oldest basic.VirtualOffset, nextTransId basic.TransId) error {
	_, end, err := sl.Append(&Checkpoint{Oldest: oldest, NextTransId: nextTransId})
	if err != nil {
		return err
	}
	if err := sl.Flush(end); err != nil {
		return err
	}

	sl.mu.Lock()
	var released []*logFile
	kept := sl.files[:0]
	for _, lf := range sl.files {
		if lf != sl.cur && lf.base+basic.VirtualOffset(sl.cfg.FileSize) <= oldest {
			released = append(released, lf)
			delete(sl.unsynced, lf)
			continue
		}
		kept = append(kept, lf)
	}
	sl.files = kept
	sl.mu.Unlock()

	sl.windowMu.Lock()
	for _, lf := range released {
		for start := range sl.windows {
			if lf.contains(start, sl.cfg.FileSize) {
				delete(sl.windows, start)
			}
		}
	}
	sl.windowMu.Unlock()

	for _, lf := range released {
		_ = lf.f.Close()
		if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("serial log: could not remove %s: %v", lf.path, err)
		}
	}
	if len(released) > 0 {
		logger.Infof("serial log: checkpoint at %d released %d files", oldest, len(released))
	}
	return nil
}

// Stats 返回日志统计
func (sl *SerialLog) Stats() Stats {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return Stats{
		End:      sl.blockStart + basic.VirtualOffset(sl.blockLen),
		Durable:  sl.Durable(),
		Files:    len(sl.files),
		Records:  sl.records,
		Bytes:    sl.bytes,
		Flushes:  atomic.LoadUint64(&sl.flushes),
		MaxBlock: sl.cfg.BlockSize,
	}
}

// Close flushes and closes every file.
func (sl *SerialLog) Close() error {
	err := sl.Flush(sl.End())
	sl.mu.Lock()
	sl.closeFiles()
	if sl.failed == nil {
		sl.failed = basic.Errorf(basic.KindSerialLogIOError, "Append", "serial log closed")
	}
	sl.mu.Unlock()
	return err
}

func (sl *SerialLog) closeFiles() {
	for _, lf := range sl.files {
		_ = lf.f.Close()
	}
}
