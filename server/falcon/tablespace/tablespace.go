package tablespace

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/fileio"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/pages"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// SystemName is the name of table space 0, which holds the catalog.
const SystemName = "FALCON_MASTER"

// Row is the catalog row of one table space.
type Row struct {
	Id       basic.TableSpaceId
	Name     string
	Filename string
	Type     basic.TableSpaceType
}

// Catalog persists table-space rows. The engine implements it on the
// TABLESPACES and SEQUENCES system tables.
type Catalog interface {
	NextTableSpaceId() (basic.TableSpaceId, error)
	StoreTableSpace(row Row) error
	DeleteTableSpace(id basic.TableSpaceId) error
	LoadTableSpace(name string) (*Row, error)
	LoadTableSpaces() ([]Row, error)
}

// Log is the part of the serial log the manager writes to.
type Log interface {
	Append(rec serial_log.Record) (start, end basic.VirtualOffset, err error)
	Flush(upTo basic.VirtualOffset) error
}

// TableSpace 表空间
type TableSpace struct {
	Row
	file  *fileio.PageFile
	space *pages.Space

	active int32
}

// Space returns the page allocator of the table space.
func (ts *TableSpace) Space() *pages.Space { return ts.space }

func (ts *TableSpace) File() *fileio.PageFile { return ts.file }

// Active is false once a drop started.
func (ts *TableSpace) Active() bool { return atomic.LoadInt32(&ts.active) == 1 }

// Config 表空间管理器配置
type Config struct {
	Dir       string
	PageSize  int
	DirectIO  bool
	Checksums bool
}

// Manager keeps the open table spaces by id and by upper-cased name. It
// also resolves page files for the buffer pool.
type Manager struct {
	cfg     Config
	log     Log
	bp      *buffer_pool.BufferPool
	catalog Catalog

	mu       sync.RWMutex
	byId     map[basic.TableSpaceId]*TableSpace
	byName   map[string]*TableSpace
	dropping map[string]basic.TableSpaceId // files of in-flight drops
	drops    sync.WaitGroup
}

// NewManager creates an empty manager. The buffer pool and the catalog are
// attached later because both depend on the manager.
func NewManager(cfg Config, log Log) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		byId:     make(map[basic.TableSpaceId]*TableSpace),
		byName:   make(map[string]*TableSpace),
		dropping: make(map[string]basic.TableSpaceId),
	}
}

func (m *Manager) SetPool(bp *buffer_pool.BufferPool) { m.bp = bp }

func (m *Manager) SetCatalog(c Catalog) { m.catalog = c }

func (m *Manager) options() fileio.Options {
	return fileio.Options{PageSize: m.cfg.PageSize, DirectIO: m.cfg.DirectIO, Checksums: m.cfg.Checksums}
}

func (m *Manager) path(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(m.cfg.Dir, filename)
}

func normalize(name string) string { return strings.ToUpper(name) }

// PageFile implements buffer_pool.SpaceResolver.
func (m *Manager) PageFile(id basic.TableSpaceId) (*fileio.PageFile, error) {
	m.mu.RLock()
	ts := m.byId[id]
	m.mu.RUnlock()
	if ts == nil {
		return nil, basic.Errorf(basic.KindTableSpaceNotFound, "PageFile", "table space %d is not open", id)
	}
	return ts.file, nil
}

func (m *Manager) add(ts *TableSpace) {
	atomic.StoreInt32(&ts.active, 1)
	m.mu.Lock()
	m.byId[ts.Id] = ts
	m.byName[normalize(ts.Name)] = ts
	m.mu.Unlock()
}

func (m *Manager) remove(ts *TableSpace) {
	atomic.StoreInt32(&ts.active, 0)
	m.mu.Lock()
	if m.byId[ts.Id] == ts {
		delete(m.byId, ts.Id)
	}
	if m.byName[normalize(ts.Name)] == ts {
		delete(m.byName, normalize(ts.Name))
	}
	m.mu.Unlock()
}

// open attaches the file of row, creating it when create is set.
func (m *Manager) open(row Row, create bool) (*TableSpace, error) {
	path := m.path(row.Filename)
	var (
		pf  *fileio.PageFile
		err error
	)
	if create {
		pf, err = fileio.Create(path, m.options())
	} else {
		pf, err = fileio.Open(path, m.options())
	}
	if err != nil {
		return nil, err
	}
	ts := &TableSpace{Row: row, file: pf, space: pages.NewSpace(row.Id, m.bp, m.log)}
	m.add(ts)
	return ts, nil
}

// OpenSystem opens or creates table space 0.
func (m *Manager) OpenSystem(filename string) (*TableSpace, bool, error) {
	row := Row{Id: basic.SystemTableSpaceId, Name: SystemName, Filename: filename, Type: basic.TableSpaceData}
	_, err := os.Stat(m.path(filename))
	create := os.IsNotExist(err)
	ts, err := m.open(row, create)
	if err != nil {
		return nil, false, err
	}
	if create {
		if err := ts.space.Format(basic.NoTransId); err != nil {
			return nil, false, err
		}
	}
	return ts, create, nil
}

// GetTableSpace resolves an id among the open table spaces.
func (m *Manager) GetTableSpace(id basic.TableSpaceId) (*TableSpace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts := m.byId[id]; ts != nil {
		return ts, nil
	}
	return nil, basic.Errorf(basic.KindTableSpaceNotFound, "GetTableSpace", "table space %d", id)
}

// FindTableSpace looks name up in the cache, then in the catalog.
func (m *Manager) FindTableSpace(name string) (*TableSpace, error) {
	m.mu.RLock()
	ts := m.byName[normalize(name)]
	m.mu.RUnlock()
	if ts != nil {
		return ts, nil
	}
	if m.catalog == nil {
		return nil, basic.Errorf(basic.KindTableSpaceNotFound, "FindTableSpace", "table space %s", name)
	}
	row, err := m.catalog.LoadTableSpace(name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, basic.Errorf(basic.KindTableSpaceNotFound, "FindTableSpace", "table space %s", name)
	}
	if ts, err := m.GetTableSpace(row.Id); err == nil {
		return ts, nil
	}
	return m.open(*row, false)
}

// CreateTableSpace allocates an id, persists the catalog row, creates and
// formats the file and logs the creation.
func (m *Manager) CreateTableSpace(name, filename string, typ basic.TableSpaceType, tid basic.TransId) (*TableSpace, error) {
	if _, err := m.FindTableSpace(name); err == nil {
		return nil, basic.Errorf(basic.KindTableSpaceExists, "CreateTableSpace", "table space %s", name)
	} else if !basic.IsKind(err, basic.KindTableSpaceNotFound) {
		return nil, err
	}
	path := m.path(filename)
	m.mu.RLock()
	_, dropping := m.dropping[path]
	m.mu.RUnlock()
	if exists, _ := util.PathExists(path); exists && !dropping {
		return nil, basic.Errorf(basic.KindDataFileExists, "CreateTableSpace", "file %s", path)
	}
	if dropping {
		// the drop deletes the file once its frames drained
		m.drops.Wait()
	}

	id, err := m.catalog.NextTableSpaceId()
	if err != nil {
		return nil, errors.Wrap(err, "allocate table space id")
	}
	row := Row{Id: id, Name: name, Filename: filename, Type: typ}
	if err := m.catalog.StoreTableSpace(row); err != nil {
		return nil, err
	}
	ts, err := m.open(row, true)
	if err != nil {
		_ = m.catalog.DeleteTableSpace(id)
		return nil, err
	}
	_, end, err := m.log.Append(&serial_log.CreateTableSpace{Id: id, Name: name, Filename: filename, Kind: typ})
	if err == nil {
		err = m.log.Flush(end)
	}
	if err == nil {
		err = ts.space.Format(tid)
	}
	if err != nil {
		m.remove(ts)
		_ = ts.file.Delete()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"id": id, "name": name, "file": path}).Info("table space created")
	return ts, nil
}

// DropTableSpace deletes the catalog row, logs the drop and deletes the
// file in the background once no frame of the table space is left.
func (m *Manager) DropTableSpace(name string) error {
	ts, err := m.FindTableSpace(name)
	if err != nil {
		return err
	}
	if ts.Id == basic.SystemTableSpaceId {
		return basic.Errorf(basic.KindInvalidState, "DropTableSpace", "the system table space cannot be dropped")
	}
	if err := m.catalog.DeleteTableSpace(ts.Id); err != nil {
		return err
	}
	_, end, err := m.log.Append(&serial_log.DropTableSpace{Id: ts.Id})
	if err == nil {
		err = m.log.Flush(end)
	}
	if err != nil {
		return err
	}
	m.remove(ts)
	m.deleteLater(ts)
	logger.WithFields(logrus.Fields{"id": ts.Id, "name": ts.Name}).Info("table space dropped")
	return nil
}

func (m *Manager) deleteLater(ts *TableSpace) {
	path := ts.file.Path()
	m.mu.Lock()
	m.dropping[path] = ts.Id
	m.mu.Unlock()
	m.drops.Add(1)
	go func() {
		defer m.drops.Done()
		if m.bp != nil {
			if err := m.bp.DiscardTableSpace(context.Background(), ts.Id); err != nil {
				logger.Warnf("table space %s: discard frames: %v", ts.Name, err)
			}
		}
		if err := ts.file.Delete(); err != nil {
			logger.Warnf("table space %s: delete %s: %v", ts.Name, path, err)
		}
		m.mu.Lock()
		delete(m.dropping, path)
		m.mu.Unlock()
	}()
}

// WaitDrops blocks until every pending file delete finished.
func (m *Manager) WaitDrops() { m.drops.Wait() }

// Enumerate lists the open table spaces by id.
func (m *Manager) Enumerate() []Row {
	m.mu.RLock()
	rows := make([]Row, 0, len(m.byId))
	for _, ts := range m.byId {
		rows = append(rows, ts.Row)
	}
	m.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Id < rows[j].Id })
	return rows
}

// LoadCatalog opens every table space the catalog lists and is not open
// yet. Ids in skip were dropped after the catalog was last written.
func (m *Manager) LoadCatalog(skip map[basic.TableSpaceId]bool) error {
	rows, err := m.catalog.LoadTableSpaces()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if skip[row.Id] {
			continue
		}
		if _, err := m.GetTableSpace(row.Id); err == nil {
			continue
		}
		ts, err := m.open(row, false)
		if err != nil {
			return errors.Wrapf(err, "open table space %s", row.Name)
		}
		if err := ts.space.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Replay rebuilds the table-space map from log records before page redo
// runs. It returns the ids that were dropped.
func (m *Manager) Replay(recs []serial_log.Record) (map[basic.TableSpaceId]bool, error) {
	created := make(map[basic.TableSpaceId]*serial_log.CreateTableSpace)
	var order []basic.TableSpaceId
	dropped := make(map[basic.TableSpaceId]bool)
	for _, rec := range recs {
		switch r := rec.(type) {
		case *serial_log.CreateTableSpace:
			if _, ok := created[r.Id]; !ok {
				order = append(order, r.Id)
			}
			created[r.Id] = r
			delete(dropped, r.Id)
		case *serial_log.DropTableSpace:
			dropped[r.Id] = true
		}
	}

	live := make(map[string]bool)
	for _, id := range order {
		r := created[id]
		if dropped[id] {
			continue
		}
		live[m.path(r.Filename)] = true
		if err := m.RedoCreate(r); err != nil {
			return nil, err
		}
	}
	for id := range dropped {
		m.RedoDrop(id, live)
		if r := created[id]; r != nil && !live[m.path(r.Filename)] {
			_ = util.RemoveIfExists(m.path(r.Filename))
		}
	}
	return dropped, nil
}

// RedoCreate opens the file of a logged creation, recreating it when the
// crash came before it reached the disk.
func (m *Manager) RedoCreate(r *serial_log.CreateTableSpace) error {
	if _, err := m.GetTableSpace(r.Id); err == nil {
		return nil
	}
	row := Row{Id: r.Id, Name: r.Name, Filename: r.Filename, Type: r.Kind}
	_, err := os.Stat(m.path(r.Filename))
	_, err = m.open(row, os.IsNotExist(err))
	if err != nil {
		return errors.Wrapf(err, "redo table space %s", r.Name)
	}
	logger.Infof("recovery: table space %d (%s) restored from the log", r.Id, r.Name)
	return nil
}

// RedoDrop closes a dropped table space. Its file is deleted unless a
// surviving table space reuses the name.
func (m *Manager) RedoDrop(id basic.TableSpaceId, live map[string]bool) {
	ts, err := m.GetTableSpace(id)
	if err != nil {
		return
	}
	m.remove(ts)
	path := ts.file.Path()
	_ = ts.file.Close()
	if !live[path] {
		_ = util.RemoveIfExists(path)
	}
}

// Close closes every file. Callers flush the buffer pool first.
func (m *Manager) Close() error {
	m.drops.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, ts := range m.byId {
		if err := ts.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.byId, id)
	}
	m.byName = make(map[string]*TableSpace)
	return first
}
