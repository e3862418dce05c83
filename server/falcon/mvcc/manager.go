package mvcc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/cycle"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/index"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/serial_log"
)

// Log is the part of the serial log transactions write to.
type Log interface {
	Append(rec serial_log.Record) (start, end basic.VirtualOffset, err error)
	Flush(upTo basic.VirtualOffset) error
	ReadRecord(off basic.VirtualOffset) (serial_log.Record, basic.VirtualOffset, error)
	MaxRecordSize() int
}

// CommitHandler receives every committed transaction that wrote something.
// It must eventually call WriteRecords and Complete.
type CommitHandler func(t *Transaction)

// Config 事务管理器配置
type Config struct {
	LockWaitTimeout time.Duration
	// bytes of record images a transaction keeps before chilling them
	ChillThreshold int64
	// record memory above which a scavenge retires and backlogs versions
	ScavengeThreshold int64
	ScavengeFloor     int64
}

// Stats 事务统计
type Stats struct {
	Active       int
	Committed    int
	NextTransId  basic.TransId
	Commits      uint64
	Rollbacks    uint64
	RecordMemory int64
	Backlogged   int64
	Chilled      uint64
	Pruned       uint64
	Retired      uint64
}

// Manager 事务管理器. It owns the active and committed transaction sets
// and the tables whose record chains they write.
type Manager struct {
	cfg     Config
	log     Log
	cycles  *cycle.Manager
	backlog *Backlog
	handler CommitHandler

	// lock order: activeMu before committedMu
	activeMu  sync.RWMutex
	active    map[basic.TransId]*Transaction
	activeIds *btree.BTreeG[basic.TransId]

	committedMu sync.Mutex
	committed   []*Transaction

	tablesMu sync.RWMutex
	tables   map[tableKey]*Table

	nextId    uint32
	commitSeq uint64

	recordMemory int64
	commits      uint64
	rollbacks    uint64
	chilled      uint64
	pruned       uint64
	retired      uint64
}

type tableKey struct {
	space basic.TableSpaceId
	id    int32
}

// NewManager creates a transaction manager. backlog may be nil, in which
// case versions are never spilled.
func NewManager(cfg Config, log Log, cycles *cycle.Manager, backlog *Backlog) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		cycles:    cycles,
		backlog:   backlog,
		active:    make(map[basic.TransId]*Transaction),
		activeIds: btree.NewBTreeG[basic.TransId](func(a, b basic.TransId) bool { return a < b }),
		tables:    make(map[tableKey]*Table),
		nextId:    1,
	}
}

// SetCommitHandler installs the post-commit hook.
func (m *Manager) SetCommitHandler(h CommitHandler) { m.handler = h }

// SetNextTransId moves the id sequence past ids used before a restart.
func (m *Manager) SetNextTransId(id basic.TransId) {
	for {
		cur := atomic.LoadUint32(&m.nextId)
		if uint32(id) <= cur || atomic.CompareAndSwapUint32(&m.nextId, cur, uint32(id)) {
			return
		}
	}
}

// NextTransId is the id the next transaction will get.
func (m *Manager) NextTransId() basic.TransId {
	return basic.TransId(atomic.LoadUint32(&m.nextId))
}

func (m *Manager) Log() Log { return m.log }

// Begin starts a transaction. The snapshot of concurrently active
// transactions is taken under the active-set lock together with the id, so
// no transaction can start or finish in between.
func (m *Manager) Begin(ctx context.Context, isolation basic.Isolation) *Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	m.activeMu.Lock()
	id := basic.TransId(atomic.AddUint32(&m.nextId, 1) - 1)
	ts := newTransState(id)
	t := &Transaction{
		mgr:       m,
		state:     ts,
		Id:        id,
		Isolation: isolation,
		ctx:       ctx,
		cancel:    cancel,
		indexes:   make(map[indexKey]*index.DeferredIndex),
		oldest:    id,
	}
	for otherId, other := range m.active {
		if otherId >= id {
			continue
		}
		other.state.addRef()
		t.snapshot = append(t.snapshot, snapshotEntry{state: other.state, id: otherId, observed: other.state.State()})
		if otherId < t.oldest {
			t.oldest = otherId
		}
	}
	sort.Slice(t.snapshot, func(i, j int) bool { return t.snapshot[i].id < t.snapshot[j].id })
	m.active[id] = t
	m.activeIds.Set(id)
	ts.setState(basic.TransActive)
	m.activeMu.Unlock()

	if logger.DebugEnabled(logger.DebugTransactions) {
		logger.Debugf("trans %d begins %s, %d in snapshot", id, isolation, len(t.snapshot))
	}
	return t
}

// endActive moves t out of the active set, into the committed set when
// it committed.
func (m *Manager) endActive(t *Transaction, committed bool) {
	m.activeMu.Lock()
	delete(m.active, t.Id)
	m.activeIds.Delete(t.Id)
	if committed {
		m.committedMu.Lock()
		m.committed = append(m.committed, t)
		m.committedMu.Unlock()
	}
	m.activeMu.Unlock()
}

// OldestActive is the smallest active transaction id, or the next id when
// none is active.
func (m *Manager) OldestActive() basic.TransId {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	if id, ok := m.activeIds.Min(); ok {
		return id
	}
	return m.NextTransId()
}

// oldestNeeded is the smallest id any active transaction's snapshot
// depends on. Versions of transactions below it are visible to everybody.
func (m *Manager) oldestNeeded() basic.TransId {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	oldest := m.NextTransId()
	for _, t := range m.active {
		if t.oldest < oldest {
			oldest = t.oldest
		}
	}
	return oldest
}

// Find returns the active transaction with id, or nil.
func (m *Manager) Find(id basic.TransId) *Transaction {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active[id]
}

// Purge commits in place the versions of committed transactions that no
// snapshot can distinguish from the base anymore, and forgets them.
func (m *Manager) Purge() int {
	oldest := m.oldestNeeded()
	m.committedMu.Lock()
	var keep, done []*Transaction
	for _, t := range m.committed {
		if t.state.State() == basic.TransAvailable && t.Id < oldest && !t.state.referenced() {
			done = append(done, t)
		} else {
			keep = append(keep, t)
		}
	}
	m.committed = keep
	m.committedMu.Unlock()

	for _, t := range done {
		t.commitInPlace()
	}
	return len(done)
}

// OldestLogOffset is the first log offset any unfinished transaction may
// still need at recovery, or 0 when none.
func (m *Manager) OldestLogOffset() basic.VirtualOffset {
	var oldest basic.VirtualOffset
	consider := func(t *Transaction) {
		off := t.FirstLogOffset()
		if off != 0 && (oldest == 0 || off < oldest) {
			oldest = off
		}
	}
	m.activeMu.RLock()
	for _, t := range m.active {
		consider(t)
	}
	m.committedMu.Lock()
	for _, t := range m.committed {
		if t.state.State() != basic.TransAvailable {
			consider(t)
		}
	}
	m.committedMu.Unlock()
	m.activeMu.RUnlock()
	return oldest
}

// VisitDeferred calls fn with the deferred index batches for (space,
// indexId) that are not merged into the B-tree yet.
func (m *Manager) VisitDeferred(space basic.TableSpaceId, indexId int32, fn func(owner *TransState, di *index.DeferredIndex)) {
	var trans []*Transaction
	m.activeMu.RLock()
	for _, t := range m.active {
		trans = append(trans, t)
	}
	m.committedMu.Lock()
	for _, t := range m.committed {
		if t.state.State() != basic.TransAvailable {
			trans = append(trans, t)
		}
	}
	m.committedMu.Unlock()
	m.activeMu.RUnlock()

	for _, t := range trans {
		t.mu.Lock()
		di := t.indexes[indexKey{space: space, id: indexId}]
		t.mu.Unlock()
		if di != nil {
			if di.Chilled() {
				if err := t.thawIndex(di); err != nil {
					logger.Warnf("trans %d: thaw index %d: %v", t.Id, indexId, err)
					continue
				}
			}
			fn(t.state, di)
		}
	}
}

// stateOf finds the state of an active transaction.
func (m *Manager) stateOf(id basic.TransId) *TransState {
	if t := m.Find(id); t != nil {
		return t.state
	}
	return nil
}

func (m *Manager) charge(delta int64) {
	atomic.AddInt64(&m.recordMemory, delta)
}

// RecordMemory is the number of bytes held by in-memory record images.
func (m *Manager) RecordMemory() int64 { return atomic.LoadInt64(&m.recordMemory) }

// RegisterTable makes tbl known to the scavenger.
func (m *Manager) RegisterTable(tbl *Table) {
	m.tablesMu.Lock()
	m.tables[tableKey{space: tbl.TableSpace, id: tbl.Id}] = tbl
	m.tablesMu.Unlock()
}

// UnregisterTable forgets tbl and the memory of its cached versions.
func (m *Manager) UnregisterTable(tbl *Table) {
	m.tablesMu.Lock()
	delete(m.tables, tableKey{space: tbl.TableSpace, id: tbl.Id})
	m.tablesMu.Unlock()
	m.charge(-tbl.Memory())
}

func (m *Manager) Table(space basic.TableSpaceId, id int32) *Table {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	return m.tables[tableKey{space: space, id: id}]
}

func (m *Manager) allTables() []*Table {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	out := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	return out
}

// Stats 统计信息
func (m *Manager) Stats() Stats {
	m.activeMu.RLock()
	active := len(m.active)
	m.activeMu.RUnlock()
	m.committedMu.Lock()
	committed := len(m.committed)
	m.committedMu.Unlock()
	s := Stats{
		Active:       active,
		Committed:    committed,
		NextTransId:  m.NextTransId(),
		Commits:      atomic.LoadUint64(&m.commits),
		Rollbacks:    atomic.LoadUint64(&m.rollbacks),
		RecordMemory: m.RecordMemory(),
		Chilled:      atomic.LoadUint64(&m.chilled),
		Pruned:       atomic.LoadUint64(&m.pruned),
		Retired:      atomic.LoadUint64(&m.retired),
	}
	if m.backlog != nil {
		s.Backlogged = m.backlog.Len()
	}
	return s
}
