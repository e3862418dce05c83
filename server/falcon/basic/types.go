package basic

import "fmt"

// TransId 事务ID, 0 保留
type TransId uint32

// RecordNumber 表内记录号
type RecordNumber int32

// TableSpaceId 表空间ID
type TableSpaceId int32

// PageNumber 表空间内页号, 从0开始
type PageNumber int32

// VirtualOffset serial log 中全局单调的字节地址
type VirtualOffset uint64

const (
	NoTransId       TransId       = 0
	NoRecordNumber  RecordNumber  = -1
	NoTableSpace    TableSpaceId  = -1
	NoPage          PageNumber    = -1
	NoVirtualOffset VirtualOffset = 0

	SystemTableSpaceId TableSpaceId = 0
)

// LockType is the mode a latch or a page is held in.
type LockType int

const (
	LockNone LockType = iota
	LockShared
	LockExclusive
)

func (l LockType) String() string {
	switch l {
	case LockShared:
		return "Shared"
	case LockExclusive:
		return "Exclusive"
	}
	return "None"
}

// Isolation 事务隔离级别
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	WriteCommitted
	ConsistentRead
	Serializable
)

// RepeatableRead is the host's name for the snapshot level.
const RepeatableRead = ConsistentRead

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "READ-UNCOMMITTED"
	case ReadCommitted:
		return "READ-COMMITTED"
	case WriteCommitted:
		return "WRITE-COMMITTED"
	case ConsistentRead:
		return "CONSISTENT-READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// UsesSnapshot reports whether the level reads from the start-time snapshot.
func (i Isolation) UsesSnapshot() bool {
	return i == ConsistentRead || i == Serializable
}

// TransactionState 事务状态
type TransactionState int32

const (
	TransInitializing TransactionState = iota
	TransActive
	TransLimbo
	TransCommitted
	TransRolledBack
	TransAvailable
)

func (s TransactionState) String() string {
	switch s {
	case TransInitializing:
		return "Initializing"
	case TransActive:
		return "Active"
	case TransLimbo:
		return "Limbo"
	case TransCommitted:
		return "Committed"
	case TransRolledBack:
		return "RolledBack"
	case TransAvailable:
		return "Available"
	}
	return fmt.Sprintf("TransactionState(%d)", int32(s))
}

// PageType 页面类型
type PageType uint8

const (
	PageFree PageType = iota
	PageHeader
	PageSections
	PageRecordLocator
	PageBtree
	PageData
	PageDataOverflow
	PageInventory
	PageInversion
	PageAny PageType = 0xFF
)

var pageTypeNames = map[PageType]string{
	PageFree:          "Free",
	PageHeader:        "Header",
	PageSections:      "Sections",
	PageRecordLocator: "RecordLocator",
	PageBtree:         "Btree",
	PageData:          "Data",
	PageDataOverflow:  "DataOverflow",
	PageInventory:     "Inventory",
	PageInversion:     "Inversion",
	PageAny:           "Any",
}

func (t PageType) String() string {
	if name, ok := pageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// TableSpaceType 表空间类型
type TableSpaceType int

const (
	TableSpaceData TableSpaceType = iota
	TableSpaceRepository
)

func (t TableSpaceType) String() string {
	if t == TableSpaceRepository {
		return "repository"
	}
	return "data"
}

// PageKey identifies a page across table spaces.
type PageKey struct {
	TableSpace TableSpaceId
	Page       PageNumber
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.TableSpace, k.Page)
}
