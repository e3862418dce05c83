package basic

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the engine reports to its host.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindConflictingUpdate
	KindDeadlock
	KindLockWaitTimeout
	KindDuplicateKey
	KindIndexOverflow
	KindTableNotFound
	KindTableSpaceNotFound
	KindTableSpaceExists
	KindDataFileExists
	KindTableNotEmpty
	KindDeviceFull
	KindIOError
	KindSerialLogIOError
	KindCorruption
	KindOutOfMemory
	KindOutOfRecordMemory
	KindCancelled
	KindInvalidState
	KindIndexNotFound
	KindTableExists
	KindRecordNotFound
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "internal error",
	KindConflictingUpdate:  "conflicting update",
	KindDeadlock:           "deadlock",
	KindLockWaitTimeout:    "lock wait timeout",
	KindDuplicateKey:       "duplicate key",
	KindIndexOverflow:      "index overflow",
	KindTableNotFound:      "table not found",
	KindTableSpaceNotFound: "tablespace not found",
	KindTableSpaceExists:   "tablespace exists",
	KindDataFileExists:     "data file exists",
	KindTableNotEmpty:      "table not empty",
	KindDeviceFull:         "device full",
	KindIOError:            "I/O error",
	KindSerialLogIOError:   "serial log I/O error",
	KindCorruption:         "corruption",
	KindOutOfMemory:        "out of memory",
	KindOutOfRecordMemory:  "out of record memory",
	KindCancelled:          "cancelled",
	KindInvalidState:       "invalid state",
	KindIndexNotFound:      "index not found",
	KindTableExists:        "table exists",
	KindRecordNotFound:     "record not found",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// EngineError 引擎错误
type EngineError struct {
	Kind ErrorKind
	Op   string // 操作名称
	Err  error  // 原始错误
}

func (e *EngineError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches any engine error of the same kind, so errors.Is(err,
// ErrDeadlock) holds for every deadlock regardless of Op and cause.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError 创建引擎错误
func NewError(kind ErrorKind, op string, err error) error {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// Errorf builds an engine error with a formatted cause.
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) error {
	return &EngineError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

var (
	ErrConflictingUpdate  = &EngineError{Kind: KindConflictingUpdate}
	ErrDeadlock           = &EngineError{Kind: KindDeadlock}
	ErrLockWaitTimeout    = &EngineError{Kind: KindLockWaitTimeout}
	ErrDuplicateKey       = &EngineError{Kind: KindDuplicateKey}
	ErrIndexOverflow      = &EngineError{Kind: KindIndexOverflow}
	ErrTableNotFound      = &EngineError{Kind: KindTableNotFound}
	ErrTableSpaceNotFound = &EngineError{Kind: KindTableSpaceNotFound}
	ErrTableSpaceExists   = &EngineError{Kind: KindTableSpaceExists}
	ErrDataFileExists     = &EngineError{Kind: KindDataFileExists}
	ErrTableNotEmpty      = &EngineError{Kind: KindTableNotEmpty}
	ErrDeviceFull         = &EngineError{Kind: KindDeviceFull}
	ErrIOError            = &EngineError{Kind: KindIOError}
	ErrSerialLogIOError   = &EngineError{Kind: KindSerialLogIOError}
	ErrCorruption         = &EngineError{Kind: KindCorruption}
	ErrOutOfMemory        = &EngineError{Kind: KindOutOfMemory}
	ErrOutOfRecordMemory  = &EngineError{Kind: KindOutOfRecordMemory}
	ErrCancelled          = &EngineError{Kind: KindCancelled}
	ErrInvalidState       = &EngineError{Kind: KindInvalidState}
	ErrIndexNotFound      = &EngineError{Kind: KindIndexNotFound}
	ErrTableExists        = &EngineError{Kind: KindTableExists}
	ErrRecordNotFound     = &EngineError{Kind: KindRecordNotFound}
)

// KindOf returns the kind of the first engine error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return KindInternal, false
}

// IsKind reports whether err carries an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsConflict 检查是否为更新冲突
func IsConflict(err error) bool { return IsKind(err, KindConflictingUpdate) }

// IsDeadlock 检查是否为死锁错误
func IsDeadlock(err error) bool { return IsKind(err, KindDeadlock) }

// IsTimeout 检查是否为锁等待超时
func IsTimeout(err error) bool { return IsKind(err, KindLockWaitTimeout) }

// IsDeviceFull 检查是否为磁盘空间不足
func IsDeviceFull(err error) bool { return IsKind(err, KindDeviceFull) }

// IsCorruption 检查是否为页面损坏
func IsCorruption(err error) bool { return IsKind(err, KindCorruption) }

// IsCancelled 检查任务是否被取消
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsDuplicateKey 检查是否违反唯一约束
func IsDuplicateKey(err error) bool { return IsKind(err, KindDuplicateKey) }

// IsRetryable reports whether the caller may retry the failed operation
// without rolling back the transaction.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindConflictingUpdate, KindLockWaitTimeout, KindDeviceFull:
		return true
	}
	return false
}
