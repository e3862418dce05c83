package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/conf"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/buffer_pool"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/gopher"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mdl"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/mvcc"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/recovery"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/section"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/sector_cache"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/tablespace"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// Engine is one open Falcon database: the serial log, the page cache, the
// table spaces with their catalog and the transaction manager.
type Engine struct {
	cfg *conf.Cfg

	log     *serial_log.SerialLog
	sectors *sector_cache.SectorCache
	bp      *buffer_pool.BufferPool
	spaces  *tablespace.Manager
	system  *tablespace.TableSpace
	cycles  *cycle.Manager
	backlog *mvcc.Backlog
	mvcc    *mvcc.Manager
	gopher  *gopher.Gopher
	mdl     *mdl.Manager
	cron    *Crontab

	sysSec [sysCount]*section.Section
	sys    [sysCount]*mvcc.Table

	catMu      sync.RWMutex
	ready      bool
	spaceRows  map[basic.TableSpaceId]*spaceEntry
	tables     map[string]*Table
	tablesById map[tableKey]*Table
	indexes    map[int32]*Index

	seqMu sync.Mutex
	seqs  map[string]*sequence

	// DDL runs one statement at a time
	ddlMu sync.Mutex

	postMu     sync.Mutex
	postCommit map[basic.TransId][]func(tid basic.TransId) error

	doubtMu sync.Mutex
	inDoubt []*recovery.InDoubt

	connIds uint64
	closed  int32

	haltOnce sync.Once
	halted   chan struct{}
	faultMu  sync.Mutex
	fault    error // first background failure
}

// Open opens the database described by cfg, creating it when the master
// table space does not exist, and recovers from the serial log otherwise.
func Open(cfg *conf.Cfg) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetDebugMask(cfg.DebugMask)
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, basic.NewError(basic.KindIOError, "Open", err)
	}
	e := &Engine{
		cfg:        cfg,
		spaceRows:  make(map[basic.TableSpaceId]*spaceEntry),
		tables:     make(map[string]*Table),
		tablesById: make(map[tableKey]*Table),
		indexes:    make(map[int32]*Index),
		seqs:       make(map[string]*sequence),
		postCommit: make(map[basic.TransId][]func(basic.TransId) error),
		halted:     make(chan struct{}),
	}
	if err := e.open(); err != nil {
		logger.Errorf("falcon: open failed: %s", jerrors.ErrorStack(err))
		e.halt()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open() error {
	cfg := e.cfg
	var err error
	e.log, err = serial_log.Open(serial_log.Config{
		Dir:        cfg.SerialLogDir,
		Prefix:     cfg.SerialLogPrefix,
		BlockSize:  cfg.SerialLogBlockSize,
		WindowSize: cfg.SerialLogWindowSize,
		FileSize:   cfg.SerialLogFileSize,
		Fsync:      cfg.SerialLogFsync,
		Priority:   cfg.SerialLogPriority,
	})
	if err != nil {
		return jerrors.Annotatef(err, "open serial log in %s", cfg.SerialLogDir)
	}

	e.spaces = tablespace.NewManager(tablespace.Config{
		Dir:       cfg.DataDir,
		PageSize:  cfg.PageSize,
		DirectIO:  cfg.DirectIO,
		Checksums: cfg.Checksums,
	}, e.log)
	if cfg.UseSectorCache {
		e.sectors = sector_cache.NewSectorCache(cfg.SectorCount, cfg.SectorSize, cfg.PageSize)
	}
	bpCfg := &buffer_pool.BufferPoolConfig{
		PageSize: cfg.PageSize,
		Frames:   cfg.PageCacheSize,
		Writers:  cfg.IOThreads,
		Resolver: e.spaces,
		Sectors:  e.sectors,
		Log:      e.log,
	}
	if cfg.SerialLogPriority {
		bpCfg.Gate = e.log
	}
	if e.bp, err = buffer_pool.NewBufferPool(bpCfg); err != nil {
		return err
	}
	e.spaces.SetPool(e.bp)
	e.spaces.SetCatalog(catalog{e: e})

	e.cycles = cycle.NewManager(cfg.CycleInterval)
	if cfg.BacklogFile != "" {
		path := cfg.BacklogFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		if e.backlog, err = mvcc.OpenBacklog(path); err != nil {
			return err
		}
	}
	e.mvcc = mvcc.NewManager(mvcc.Config{
		LockWaitTimeout:   cfg.LockWaitTimeout,
		ChillThreshold:    cfg.RecordChillThreshold,
		ScavengeThreshold: cfg.RecordScavengeThreshold,
		ScavengeFloor:     cfg.RecordScavengeFloor,
	}, e.log, e.cycles, e.backlog)
	e.mdl = mdl.NewManager(cfg.LockWaitTimeout)
	e.gopher = gopher.NewGopher(cfg.GopherThreads)
	e.cycles.Start()

	var created bool
	e.system, created, err = e.spaces.OpenSystem(masterFile)
	if err != nil {
		return jerrors.Annotatef(err, "open %s", masterFile)
	}
	var res *recovery.Result
	if created {
		if err := e.bootstrap(); err != nil {
			return err
		}
	} else {
		res, err = recovery.NewDriver(e.log, e.spaces, e.bp, newReplayer(e, false)).Run()
		if err != nil {
			return jerrors.Annotatef(err, "recover %s", cfg.DataDir)
		}
		e.mvcc.SetNextTransId(res.NextTransId)
	}
	if err := e.loadCatalog(); err != nil {
		return jerrors.Annotatef(err, "load catalog")
	}
	if res != nil {
		e.holdInDoubt(res.InDoubt)
	}
	e.mvcc.SetCommitHandler(e.onCommit)
	if created {
		// the catalog sections must be on disk before anything refers to them
		if err := e.Checkpoint(); err != nil {
			return err
		}
	}

	e.cron = NewCrontab()
	if err := e.cron.Every("checkpoint", cfg.CheckpointInterval, e.checkpointJob); err != nil {
		return err
	}
	if err := e.cron.Every("scavenge", cfg.ScavengeInterval, e.scavengeJob); err != nil {
		return err
	}
	e.cron.Start()

	logger.WithFields(logrus.Fields{
		"dir": cfg.DataDir, "page_size": cfg.PageSize, "frames": cfg.PageCacheSize,
		"created": created, "next_trans": e.mvcc.NextTransId(),
	}).Info("falcon engine open")
	return nil
}

// holdInDoubt keeps the record numbers of in-doubt transactions out of
// reach of new inserts until the host resolves them.
func (e *Engine) holdInDoubt(list []*recovery.InDoubt) {
	e.doubtMu.Lock()
	e.inDoubt = list
	e.doubtMu.Unlock()
	for _, d := range list {
		forEachRecord(d, func(space basic.TableSpaceId, id int32, rd serial_log.RecordData) {
			if tbl := e.mvcc.Table(space, id); tbl != nil {
				tbl.Reserve(rd.RecordNumber)
			}
		})
		logger.Warnf("transaction %d with xid %q is in doubt", d.TransId, d.Xid)
	}
}

func forEachRecord(d *recovery.InDoubt, fn func(space basic.TableSpaceId, id int32, rd serial_log.RecordData)) {
	for _, rec := range d.Records {
		if ur, ok := rec.(*serial_log.UpdateRecords); ok {
			for _, rd := range ur.Records {
				fn(ur.TableSpace, ur.TableId, rd)
			}
		}
	}
}

// Close waits for post-commit work, writes a checkpoint and closes every
// file.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		<-e.halted
		return e.Fault()
	}
	e.cron.Stop()
	e.gopher.Drain()
	err := e.Checkpoint()
	e.halt()
	if err != nil {
		return errors.Wrap(err, "close")
	}
	logger.Infof("falcon engine closed")
	return nil
}

// fail records a background failure the engine cannot continue after and
// halts it. The last checkpoint and the serial log stay authoritative, so
// the next Open recovers what the failed work left behind.
func (e *Engine) fail(op string, err error) {
	e.faultMu.Lock()
	if e.fault == nil {
		e.fault = errors.Wrap(err, op)
	}
	e.faultMu.Unlock()
	logger.Errorf("falcon: %s failed, halting: %v", op, err)
	if atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		// may run on a gopher worker, which halt waits for
		go e.halt()
	}
}

// Fault is the background failure that halted the engine, or nil.
func (e *Engine) Fault() error {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	return e.fault
}

// Halted reports whether the engine stopped, by Close or by a failure.
func (e *Engine) Halted() bool { return atomic.LoadInt32(&e.closed) == 1 }

// halt stops the background work and closes the files without flushing
// dirty pages.
func (e *Engine) halt() {
	e.haltOnce.Do(e.stop)
	<-e.halted
}

func (e *Engine) stop() {
	defer close(e.halted)
	if e.cron != nil {
		e.cron.Stop()
	}
	if e.gopher != nil {
		e.gopher.Close()
	}
	if e.cycles != nil {
		e.cycles.Stop()
	}
	if e.bp != nil {
		e.bp.Close()
	}
	if e.spaces != nil {
		e.spaces.WaitDrops()
		if err := e.spaces.Close(); err != nil {
			logger.Warnf("close table spaces: %v", err)
		}
	}
	if e.backlog != nil {
		if err := e.backlog.Close(); err != nil {
			logger.Warnf("close backlog: %v", err)
		}
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			logger.Warnf("close serial log: %v", err)
		}
	}
}

// autocommit runs fn in a system transaction and commits it.
func (e *Engine) autocommit(op string, fn func(t *mvcc.Transaction) error) error {
	t := e.mvcc.Begin(context.Background(), basic.ReadCommitted)
	if err := fn(t); err != nil {
		e.dropPostCommit(t.Id)
		if rbErr := t.Rollback(); rbErr != nil {
			logger.Warnf("%s: rollback: %v", op, rbErr)
		}
		return err
	}
	if err := t.Commit(); err != nil {
		e.dropPostCommit(t.Id)
		_ = t.Rollback()
		return errors.Wrap(err, op)
	}
	return nil
}

func (e *Engine) tableById(space basic.TableSpaceId, id int32) *Table {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.tablesById[tableKey{space: space, id: id}]
}

func (e *Engine) indexById(id int32) *Index {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.indexes[id]
}

// Table resolves a table by schema and name.
func (e *Engine) Table(schema, name string) (*Table, error) {
	e.catMu.RLock()
	tbl := e.tables[tableName(schema, name)]
	e.catMu.RUnlock()
	if tbl == nil {
		return nil, basic.Errorf(basic.KindTableNotFound, "Table", "%s.%s", schema, name)
	}
	return tbl, nil
}

// Tables lists the user tables.
func (e *Engine) Tables() []*Table {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	out := make([]*Table, 0, len(e.tables))
	for _, tbl := range e.tables {
		out = append(out, tbl)
	}
	return out
}
