package tablespace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
)

type memCatalog struct {
	mu   sync.Mutex
	next basic.TableSpaceId
	rows map[basic.TableSpaceId]Row
}

func newMemCatalog() *memCatalog {
	return &memCatalog{next: 1, rows: make(map[basic.TableSpaceId]Row)}
}

func (c *memCatalog) NextTableSpaceId() (basic.TableSpaceId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	return id, nil
}

func (c *memCatalog) StoreTableSpace(row Row) error {
	c.mu.Lock()
	c.rows[row.Id] = row
	c.mu.Unlock()
	return nil
}

func (c *memCatalog) DeleteTableSpace(id basic.TableSpaceId) error {
	c.mu.Lock()
	delete(c.rows, id)
	c.mu.Unlock()
	return nil
}

func (c *memCatalog) LoadTableSpace(name string) (*Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rows {
		if strings.EqualFold(r.Name, name) {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) LoadTableSpaces() ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rows []Row
	for _, r := range c.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Id < rows[j].Id })
	return rows, nil
}

type env struct {
	dir string
	log *serial_log.SerialLog
	bp  *buffer_pool.BufferPool
	mgr *Manager

	once sync.Once
}

func newEnv(t *testing.T, dir string, catalog Catalog) *env {
	sl, err := serial_log.Open(serial_log.Config{Dir: filepath.Join(dir, "log"), BlockSize: 4096, WindowSize: 16384, FileSize: 1 << 20})
	require.NoError(t, err)
	mgr := NewManager(Config{Dir: dir, PageSize: 1024, Checksums: true}, sl)
	bp, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{PageSize: 1024, Frames: 64, Writers: 1, Resolver: mgr, Log: sl})
	require.NoError(t, err)
	mgr.SetPool(bp)
	mgr.SetCatalog(catalog)
	e := &env{dir: dir, log: sl, bp: bp, mgr: mgr}
	t.Cleanup(e.close)
	return e
}

func (e *env) close() {
	e.once.Do(func() {
		_ = e.bp.FlushAll()
		e.bp.Close()
		_ = e.mgr.Close()
		_ = e.log.Close()
	})
}

func TestCreateFindDrop(t *testing.T) {
	dir := t.TempDir()
	catalog := newMemCatalog()
	e := newEnv(t, dir, catalog)

	_, created, err := e.mgr.OpenSystem("master.fts")
	require.NoError(t, err)
	assert.True(t, created)

	users, err := e.mgr.CreateTableSpace("users", "users.fts", basic.TableSpaceData, 1)
	require.NoError(t, err)
	assert.Equal(t, basic.TableSpaceId(1), users.Id)
	assert.FileExists(t, filepath.Join(dir, "users.fts"))
	require.NoError(t, users.Space().Validate())

	found, err := e.mgr.FindTableSpace("USERS")
	require.NoError(t, err)
	assert.Same(t, users, found)

	t.Run("重复创建", func(t *testing.T) {
		_, err := e.mgr.CreateTableSpace("Users", "other.fts", basic.TableSpaceData, 1)
		assert.True(t, basic.IsKind(err, basic.KindTableSpaceExists))
		_, err = e.mgr.CreateTableSpace("other", "users.fts", basic.TableSpaceData, 1)
		assert.True(t, basic.IsKind(err, basic.KindDataFileExists))
	})

	rows := e.mgr.Enumerate()
	require.Len(t, rows, 2)
	assert.Equal(t, SystemName, rows[0].Name)
	assert.Equal(t, "users", rows[1].Name)

	require.NoError(t, e.mgr.DropTableSpace("users"))
	e.mgr.WaitDrops()
	assert.NoFileExists(t, filepath.Join(dir, "users.fts"))
	_, err = e.mgr.GetTableSpace(1)
	assert.True(t, basic.IsKind(err, basic.KindTableSpaceNotFound))
	assert.Len(t, e.mgr.Enumerate(), 1)
	assert.Error(t, e.mgr.DropTableSpace(SystemName))

	var kinds []serial_log.RecordType
	require.NoError(t, e.log.Scan(0, func(_ basic.VirtualOffset, rec serial_log.Record) error {
		kinds = append(kinds, rec.Type())
		return nil
	}))
	assert.Contains(t, kinds, serial_log.RecCreateTableSpace)
	assert.Contains(t, kinds, serial_log.RecDropTableSpace)

	t.Run("file name reusable after drop", func(t *testing.T) {
		again, err := e.mgr.CreateTableSpace("users2", "users.fts", basic.TableSpaceData, 1)
		require.NoError(t, err)
		assert.Equal(t, basic.TableSpaceId(2), again.Id)
	})
}

func TestReopenFromCatalog(t *testing.T) {
	dir := t.TempDir()
	catalog := newMemCatalog()
	first := newEnv(t, dir, catalog)
	_, _, err := first.mgr.OpenSystem("master.fts")
	require.NoError(t, err)
	_, err = first.mgr.CreateTableSpace("orders", "orders.fts", basic.TableSpaceData, 1)
	require.NoError(t, err)
	first.close()

	second := newEnv(t, dir, catalog)
	_, created, err := second.mgr.OpenSystem("master.fts")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, second.mgr.LoadCatalog(nil))
	ts, err := second.mgr.GetTableSpace(1)
	require.NoError(t, err)
	assert.Equal(t, "orders", ts.Name)
	assert.NoError(t, ts.Space().Validate())
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, newMemCatalog())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fts"), nil, 0o644))

	dropped, err := e.mgr.Replay([]serial_log.Record{
		&serial_log.CreateTableSpace{Id: 1, Name: "a", Filename: "a.fts"},
		&serial_log.CreateTableSpace{Id: 2, Name: "b", Filename: "b.fts"},
		&serial_log.DropTableSpace{Id: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[basic.TableSpaceId]bool{1: true}, dropped)
	assert.NoFileExists(t, filepath.Join(dir, "a.fts"))
	assert.FileExists(t, filepath.Join(dir, "b.fts"))

	b, err := e.mgr.FindTableSpace("B")
	require.NoError(t, err)
	assert.Equal(t, basic.TableSpaceId(2), b.Id)
	_, err = e.mgr.GetTableSpace(1)
	assert.Error(t, err)
}
