package mdl

import (
	"fmt"
	"strings"

	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// ObjectType 元数据对象类型
type ObjectType int

const (
	ObjectSchema ObjectType = iota
	ObjectTable
	ObjectProcedure
	ObjectFunction
	ObjectTrigger
	ObjectTableSpace
)

func (t ObjectType) String() string {
	switch t {
	case ObjectSchema:
		return "SCHEMA"
	case ObjectTable:
		return "TABLE"
	case ObjectProcedure:
		return "PROCEDURE"
	case ObjectFunction:
		return "FUNCTION"
	case ObjectTrigger:
		return "TRIGGER"
	case ObjectTableSpace:
		return "TABLESPACE"
	}
	return fmt.Sprintf("ObjectType(%d)", int(t))
}

// Key names a lockable object.
type Key struct {
	Type     ObjectType
	Database string
	Name     string
}

// TableKey 表的锁键
func TableKey(database, name string) Key {
	return Key{Type: ObjectTable, Database: database, Name: name}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s.%s", k.Type, k.Database, k.Name)
}

// normalized keys compare case-insensitively, like the host's identifiers
func (k Key) normalized() Key {
	return Key{Type: k.Type, Database: strings.ToUpper(k.Database), Name: strings.ToUpper(k.Name)}
}

func (k Key) hash() uint64 {
	return util.HashString(k.String())
}

// RequestType 请求形态
type RequestType int

const (
	Shared RequestType = iota
	SharedUpgradable
	Exclusive
)

func (t RequestType) String() string {
	switch t {
	case Shared:
		return "SHARED"
	case SharedUpgradable:
		return "SHARED_UPGRADABLE"
	case Exclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("RequestType(%d)", int(t))
}

type requestState int

const (
	stateInitialized requestState = iota
	statePending                  // 等待排他
	stateAcquired
)

// Request is one lock request of a Context. A request starts in the
// initialized state and returns there whenever an acquisition is undone.
type Request struct {
	Key   Key
	Type  RequestType
	owner *Context
	state requestState
	entry *lockEntry
	// originalType is restored when an exclusive acquisition is undone
	originalType RequestType
}

// NewRequest 创建锁请求
func NewRequest(key Key, t RequestType) *Request {
	return &Request{Key: key.normalized(), Type: t, originalType: t}
}

// Acquired reports whether the request is currently granted.
func (r *Request) Acquired() bool {
	return r.state == stateAcquired
}

func (r *Request) reset() {
	r.state = stateInitialized
	r.entry = nil
	r.Type = r.originalType
}

// lockEntry holds every request attached to one key.
type lockEntry struct {
	key  Key
	hash uint64
	next *lockEntry // 哈希链

	activeShared        []*Request
	activeSharedUpgrade []*Request // 等待升级的共享请求
	activeExclusive     []*Request
	waitingExclusive    []*Request
	refs                int

	cached  interface{}
	release func(interface{})
}

func removeRequest(list []*Request, req *Request) ([]*Request, bool) {
	for i, r := range list {
		if r == req {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1], true
		}
	}
	return list, false
}

func hasOtherOwner(list []*Request, owner *Context) bool {
	for _, r := range list {
		if r.owner != owner {
			return true
		}
	}
	return false
}

// sharedGrantable reports whether a new shared request of owner may be
// granted: no exclusive of another owner, and no upgrader or pending
// exclusive it could overtake.
func (e *lockEntry) sharedGrantable(owner *Context) bool {
	return !hasOtherOwner(e.activeExclusive, owner) &&
		!hasOtherOwner(e.activeSharedUpgrade, owner) &&
		!hasOtherOwner(e.waitingExclusive, owner)
}

// exclusiveGrantable reports whether owner may hold the key exclusively.
func (e *lockEntry) exclusiveGrantable(owner *Context) bool {
	return !hasOtherOwner(e.activeExclusive, owner) &&
		!hasOtherOwner(e.activeShared, owner) &&
		!hasOtherOwner(e.activeSharedUpgrade, owner)
}

func (e *lockEntry) releaseCached() {
	if e.release != nil && e.cached != nil {
		e.release(e.cached)
	}
	e.cached = nil
	e.release = nil
}

// LockerInfo 诊断视图中的一行
type LockerInfo struct {
	Key   Key
	Owner uint64
	Type  RequestType
	State string
}
