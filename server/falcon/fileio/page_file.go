package fileio

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// Options 页面文件选项
type Options struct {
	PageSize  int
	ReadOnly  bool
	DirectIO  bool // 在支持的平台上使用 O_DIRECT
	Checksums bool // 写入时计算校验和
}

// PageFile is one table-space file. All I/O is positional and page aligned.
type PageFile struct {
	path     string
	opts     Options
	directIO bool

	mu     sync.RWMutex // guards file against Close
	file   *os.File
	closed bool

	pendingWrites int64
	writes        uint64
	reads         uint64
}

// Open opens an existing page file.
func Open(path string, opts Options) (*PageFile, error) {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	return openFile(path, flags, opts)
}

// Create creates a new page file. It fails if the file already exists.
func Create(path string, opts Options) (*PageFile, error) {
	return openFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, opts)
}

func openFile(path string, flags int, opts Options) (*PageFile, error) {
	if !basic.IsPowerOfTwo(opts.PageSize) || opts.PageSize < basic.MinPageSize {
		return nil, basic.Errorf(basic.KindInvalidState, "fileio.Open", "bad page size %d", opts.PageSize)
	}
	pf := &PageFile{path: path, opts: opts}

	if opts.DirectIO {
		f, err := os.OpenFile(path, flags|directFlag, 0644)
		if err == nil {
			pf.file = f
			pf.directIO = directFlag != 0
			return pf, nil
		}
		if os.IsExist(err) || os.IsNotExist(err) {
			return nil, openError(path, err)
		}
		logger.Warnf("direct I/O unavailable for %s, using buffered I/O: %v", path, err)
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, openError(path, err)
	}
	pf.file = f
	return pf, nil
}

func openError(path string, err error) error {
	if os.IsExist(err) {
		return basic.NewError(basic.KindDataFileExists, "fileio.Create", errors.Wrap(err, path))
	}
	return wrapIOError("open", path, err)
}

func (pf *PageFile) Path() string { return pf.path }

func (pf *PageFile) PageSize() int { return pf.opts.PageSize }

// PageCount 文件当前页数
func (pf *PageFile) PageCount() (int64, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if pf.closed {
		return 0, basic.Errorf(basic.KindIOError, "PageCount", "%s is closed", pf.path)
	}
	st, err := pf.file.Stat()
	if err != nil {
		return 0, wrapIOError("stat", pf.path, err)
	}
	return st.Size() / int64(pf.opts.PageSize), nil
}

// ReadPage reads one page into buf and validates its checksum.
// Pages past the end of the file read as zeros.
func (pf *PageFile) ReadPage(pageNumber basic.PageNumber, buf []byte) error {
	if len(buf) != pf.opts.PageSize {
		return basic.Errorf(basic.KindInternal, "ReadPage", "buffer %d is not one page", len(buf))
	}
	if err := pf.ReadPages(pageNumber, buf); err != nil {
		return err
	}
	return ValidateChecksum(buf, pageNumber)
}

// ReadPages reads len(buf)/pageSize consecutive pages without validating
// them. Short reads past the end of the file are zero filled.
func (pf *PageFile) ReadPages(first basic.PageNumber, buf []byte) error {
	if len(buf)%pf.opts.PageSize != 0 {
		return basic.Errorf(basic.KindInternal, "ReadPages", "length %d is not a page multiple", len(buf))
	}
	if len(buf) == 0 {
		return nil
	}
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if pf.closed {
		return basic.Errorf(basic.KindIOError, "ReadPages", "%s is closed", pf.path)
	}

	target := buf
	if pf.directIO && !isAligned(buf) {
		target = AlignedBuffer(len(buf))
	}
	n, err := pf.file.ReadAt(target, int64(first)*int64(pf.opts.PageSize))
	if err != nil && err != io.EOF {
		return wrapIOError("read", pf.path, err)
	}
	for i := n; i < len(target); i++ {
		target[i] = 0
	}
	if &target[0] != &buf[0] {
		copy(buf, target)
	}
	atomic.AddUint64(&pf.reads, 1)
	return nil
}

// WritePages stamps checksums and writes consecutive pages starting at first.
// ENOSPC surfaces as DeviceFull; the caller keeps its copy and may retry.
func (pf *PageFile) WritePages(first basic.PageNumber, buf []byte) error {
	pageSize := pf.opts.PageSize
	if len(buf) == 0 || len(buf)%pageSize != 0 {
		return basic.Errorf(basic.KindInternal, "WritePages", "length %d is not a page multiple", len(buf))
	}
	if pf.opts.ReadOnly {
		return basic.Errorf(basic.KindIOError, "WritePages", "%s is read only", pf.path)
	}
	for off := 0; off < len(buf); off += pageSize {
		page := buf[off : off+pageSize]
		if pf.opts.Checksums {
			StampChecksum(page)
		} else {
			page[basic.PageChecksumOffset] = 0
			page[basic.PageChecksumOffset+1] = 0
		}
	}

	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if pf.closed {
		return basic.Errorf(basic.KindIOError, "WritePages", "%s is closed", pf.path)
	}
	source := buf
	if pf.directIO && !isAligned(buf) {
		source = AlignedBuffer(len(buf))
		copy(source, buf)
	}
	if _, err := pf.file.WriteAt(source, int64(first)*int64(pageSize)); err != nil {
		if isDeviceFull(err) {
			return basic.NewError(basic.KindDeviceFull, "WritePages", errors.Wrap(err, pf.path))
		}
		return wrapIOError("write", pf.path, err)
	}
	atomic.AddInt64(&pf.pendingWrites, 1)
	atomic.AddUint64(&pf.writes, 1)
	return nil
}

// PendingWrites 自上次 Sync 以来的写次数
func (pf *PageFile) PendingWrites() int64 {
	return atomic.LoadInt64(&pf.pendingWrites)
}

// Sync forces written pages to stable storage.
func (pf *PageFile) Sync() error {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if pf.closed {
		return nil
	}
	if atomic.LoadInt64(&pf.pendingWrites) == 0 {
		return nil
	}
	if err := syncFile(pf.file); err != nil {
		return wrapIOError("sync", pf.path, err)
	}
	atomic.StoreInt64(&pf.pendingWrites, 0)
	return nil
}

// Stats 返回读写次数
func (pf *PageFile) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&pf.reads), atomic.LoadUint64(&pf.writes)
}

func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.closed {
		return nil
	}
	pf.closed = true
	if err := pf.file.Close(); err != nil {
		return wrapIOError("close", pf.path, err)
	}
	return nil
}

// Delete closes the file and removes it from disk.
func (pf *PageFile) Delete() error {
	if err := pf.Close(); err != nil {
		return err
	}
	if err := util.RemoveIfExists(pf.path); err != nil {
		return wrapIOError("remove", pf.path, err)
	}
	return nil
}

func wrapIOError(op, path string, err error) error {
	return basic.NewError(basic.KindIOError, op, errors.Wrap(err, path))
}

const alignment = 4096

// AlignedBuffer returns a zeroed buffer whose first byte is 4 KiB aligned.
func AlignedBuffer(size int) []byte {
	raw := make([]byte, size+alignment)
	shift := alignment - int(addressOf(raw)&(alignment-1))
	if shift == alignment {
		shift = 0
	}
	return raw[shift : shift+size : shift+size]
}

func isAligned(b []byte) bool {
	return len(b) > 0 && addressOf(b)&(alignment-1) == 0
}
