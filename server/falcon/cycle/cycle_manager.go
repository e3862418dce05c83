package cycle

import (
	"sync"
	"sync/atomic"
	"time"

	gxtime "github.com/dubbogo/gost/time"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
)

// Reclaimable is something that may only be freed once no thread can hold
// a pointer to it.
type Reclaimable interface {
	Reclaim()
}

// ReclaimFunc adapts a function to Reclaimable.
type ReclaimFunc func()

func (f ReclaimFunc) Reclaim() { f() }

type purgeNode struct {
	item Reclaimable
	next *purgeNode
}

// Manager 周期管理器. Threads working on shared record chains hold a
// shared lock on the current clock. Every tick the clocks swap and the
// manager waits for the previous clock to drain before freeing what was
// queued before the swap.
type Manager struct {
	clocks  [2]*latch.SyncObject
	current int32

	purge atomic.Pointer[purgeNode]

	tickMu   sync.Mutex
	epoch    uint64
	queued   uint64
	freed    uint64
	interval time.Duration
	wheel    *gxtime.Wheel
	stop     chan struct{}
	done     chan struct{}
	running  bool

	picked func() // 测试用: runs between reading the clock and locking it
}

// CycleLock is a shared hold on one clock.
type CycleLock struct {
	mgr    *Manager
	clock  *latch.SyncObject
	locked bool
}

// Stats 周期管理器统计
type Stats struct {
	Epoch  uint64
	Queued uint64
	Freed  uint64
}

// NewManager creates a cycle manager ticking every interval once started.
func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{
		clocks: [2]*latch.SyncObject{
			latch.NewSyncObject("cycle clock 0"),
			latch.NewSyncObject("cycle clock 1"),
		},
		interval: interval,
	}
}

// Start runs the tick loop on a timing wheel.
func (m *Manager) Start() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if m.running {
		return
	}
	span := m.interval / 4
	if span < time.Millisecond {
		span = time.Millisecond
	}
	m.wheel = gxtime.NewWheel(span, int(m.interval/span)*2+2)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	go m.loop(m.wheel, m.stop, m.done)
}

func (m *Manager) loop(wheel *gxtime.Wheel, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-wheel.After(m.interval):
			m.Cycle()
		case <-stop:
			return
		}
	}
}

// Stop ends the tick loop and frees everything still queued.
func (m *Manager) Stop() {
	m.tickMu.Lock()
	running := m.running
	m.running = false
	stop, done, wheel := m.stop, m.done, m.wheel
	m.tickMu.Unlock()
	if running {
		close(stop)
		<-done
		wheel.Stop()
	}
	// two ticks drain both generations
	m.Cycle()
	m.Cycle()
}

// LockCycle takes a shared hold on the current clock.
func (m *Manager) LockCycle() *CycleLock {
	l := &CycleLock{mgr: m}
	l.Relock()
	return l
}

// Unlock drops the hold, typically before blocking for a long time.
func (l *CycleLock) Unlock() {
	if !l.locked {
		return
	}
	l.clock.Unlock()
	l.locked = false
	l.clock = nil
}

// Relock reacquires a hold on whichever clock is now current.
func (l *CycleLock) Relock() {
	if l.locked {
		return
	}
	for {
		cur := atomic.LoadInt32(&l.mgr.current)
		clock := l.mgr.clocks[cur]
		if l.mgr.picked != nil {
			l.mgr.picked()
		}
		clock.Lock(basic.LockShared)
		// a tick that swapped in between would not wait for us
		if atomic.LoadInt32(&l.mgr.current) != cur {
			clock.Unlock()
			continue
		}
		l.clock = clock
		l.locked = true
		return
	}
}

// Release queues item to be reclaimed after every thread that might still
// see it has left its cycle.
func (m *Manager) Release(item Reclaimable) {
	n := &purgeNode{item: item}
	for {
		head := m.purge.Load()
		n.next = head
		if m.purge.CompareAndSwap(head, n) {
			break
		}
	}
	atomic.AddUint64(&m.queued, 1)
}

// Cycle performs one tick: detach the purge list, swap clocks, wait for the
// previous clock to drain, then reclaim.
func (m *Manager) Cycle() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	list := m.purge.Swap(nil)
	prev := atomic.LoadInt32(&m.current)
	atomic.StoreInt32(&m.current, 1-prev)

	clock := m.clocks[prev]
	clock.Lock(basic.LockExclusive)
	clock.Unlock()
	m.epoch++

	n := 0
	for node := list; node != nil; node = node.next {
		node.item.Reclaim()
		n++
	}
	atomic.AddUint64(&m.freed, uint64(n))
	if n > 0 && logger.DebugEnabled(logger.DebugRecords) {
		logger.Debugf("cycle %d reclaimed %d items", m.epoch, n)
	}
}

// Epoch is the number of completed ticks.
func (m *Manager) Epoch() uint64 {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.epoch
}

func (m *Manager) Stats() Stats {
	return Stats{
		Epoch:  m.Epoch(),
		Queued: atomic.LoadUint64(&m.queued),
		Freed:  atomic.LoadUint64(&m.freed),
	}
}
