package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

// TransState is the part of a transaction that record versions and
// snapshots point at. It outlives the Transaction that owns it.
type TransState struct {
	Id basic.TransId

	state    int32  // basic.TransactionState
	commitNo uint64 // position in commit order, 0 until committed

	// snapshots of other transactions holding this state
	snapshotRefs int32

	// closed when the transaction stops being active
	doneOnce sync.Once
	done     chan struct{}

	waitingFor atomic.Pointer[TransState]
}

func newTransState(id basic.TransId) *TransState {
	return &TransState{Id: id, state: int32(basic.TransInitializing), done: make(chan struct{})}
}

func (ts *TransState) State() basic.TransactionState {
	return basic.TransactionState(atomic.LoadInt32(&ts.state))
}

func (ts *TransState) setState(s basic.TransactionState) {
	atomic.StoreInt32(&ts.state, int32(s))
	if s != basic.TransActive && s != basic.TransLimbo && s != basic.TransInitializing {
		ts.doneOnce.Do(func() { close(ts.done) })
	}
}

// Committed reports whether the owner committed; Available follows commit.
func (ts *TransState) Committed() bool {
	s := ts.State()
	return s == basic.TransCommitted || s == basic.TransAvailable
}

// Active reports whether other writers must wait for the owner.
func (ts *TransState) Active() bool {
	s := ts.State()
	return s == basic.TransActive || s == basic.TransLimbo || s == basic.TransInitializing
}

func (ts *TransState) CommitNo() uint64 { return atomic.LoadUint64(&ts.commitNo) }

func (ts *TransState) addRef()  { atomic.AddInt32(&ts.snapshotRefs, 1) }
func (ts *TransState) release() { atomic.AddInt32(&ts.snapshotRefs, -1) }

func (ts *TransState) referenced() bool { return atomic.LoadInt32(&ts.snapshotRefs) > 0 }

// Done is closed when the owner commits or rolls back.
func (ts *TransState) Done() <-chan struct{} { return ts.done }

// waitsOn reports whether following waitingFor links from ts reaches
// target.
func (ts *TransState) waitsOn(target *TransState) bool {
	seen := 0
	for p := ts; p != nil; p = p.waitingFor.Load() {
		if p == target {
			return true
		}
		if seen++; seen > 1<<16 {
			return true
		}
	}
	return false
}
