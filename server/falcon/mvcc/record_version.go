package mvcc

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

type versionKind uint8

const (
	versionData versionKind = iota
	versionDeleted
	versionLock // row lock without a new image
)

// RecordVersion is one image of a record. Versions chain newest to oldest
// through prior. A version whose trans is nil was committed before every
// running transaction began.
type RecordVersion struct {
	Number    basic.RecordNumber
	TransId   basic.TransId
	kind      versionKind
	savepoint int32

	trans atomic.Pointer[TransState]
	prior atomic.Pointer[RecordVersion]

	// data is nil while the image lives only in the serial log
	data      atomic.Pointer[[]byte]
	chilledAt uint64
	chillSlot int32 // position inside the UpdateRecords at chilledAt
	size      int64

	useCount int32
}

func newVersion(rn basic.RecordNumber, ts *TransState, kind versionKind, data []byte, savepoint int32) *RecordVersion {
	v := &RecordVersion{Number: rn, kind: kind, savepoint: savepoint}
	if ts != nil {
		v.TransId = ts.Id
		v.trans.Store(ts)
	}
	if data != nil {
		v.data.Store(&data)
		v.size = int64(len(data))
	}
	return v
}

// newBaseVersion wraps a record loaded from its section.
func newBaseVersion(rn basic.RecordNumber, data []byte) *RecordVersion {
	return newVersion(rn, nil, versionData, data, 0)
}

func (v *RecordVersion) Trans() *TransState { return v.trans.Load() }

func (v *RecordVersion) Prior() *RecordVersion { return v.prior.Load() }

func (v *RecordVersion) Deleted() bool { return v.kind == versionDeleted }

func (v *RecordVersion) IsLock() bool { return v.kind == versionLock }

func (v *RecordVersion) Savepoint() int32 { return atomic.LoadInt32(&v.savepoint) }

// Data returns the image, or nil when it was chilled.
func (v *RecordVersion) Data() []byte {
	if p := v.data.Load(); p != nil {
		return *p
	}
	return nil
}

// Chilled reports whether the image must be read back from the log.
func (v *RecordVersion) Chilled() bool {
	return v.data.Load() == nil && atomic.LoadUint64(&v.chilledAt) != 0
}

func (v *RecordVersion) chill(at basic.VirtualOffset, slot int) {
	atomic.StoreInt32(&v.chillSlot, int32(slot))
	atomic.StoreUint64(&v.chilledAt, uint64(at))
	v.data.Store(nil)
}

// thaw reinstalls an image; only the first of concurrent thaws wins.
func (v *RecordVersion) thaw(data []byte) bool {
	return v.data.CompareAndSwap(nil, &data)
}

func (v *RecordVersion) ChilledAt() basic.VirtualOffset {
	return basic.VirtualOffset(atomic.LoadUint64(&v.chilledAt))
}

func (v *RecordVersion) pin()   { atomic.AddInt32(&v.useCount, 1) }
func (v *RecordVersion) unpin() { atomic.AddInt32(&v.useCount, -1) }

func (v *RecordVersion) quiescent() bool { return atomic.LoadInt32(&v.useCount) == 0 }

// committedForAll reports whether every running and future transaction
// sees v as committed and its image already reached the section.
func (v *RecordVersion) committedForAll(oldestActive basic.TransId) bool {
	ts := v.Trans()
	if ts == nil {
		return true
	}
	return ts.State() == basic.TransAvailable && ts.Id < oldestActive && !ts.referenced()
}
