package serial_log

import (
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

// RecordType 日志记录类型
type RecordType uint16

const (
	RecBeginTransaction RecordType = iota + 1
	RecPrepare
	RecCommit
	RecRollback
	RecCreateTableSpace
	RecDropTableSpace
	RecIndexPage
	RecInventoryPage
	RecUpdateIndex
	RecDeleteIndex
	RecSavepoint
	RecSavepointRollback
	RecUpdateRecords
	RecDataPage
	RecTransactionComplete
	RecCheckpoint
)

var recordTypeNames = map[RecordType]string{
	RecBeginTransaction:    "BeginTransaction",
	RecPrepare:             "Prepare",
	RecCommit:              "Commit",
	RecRollback:            "Rollback",
	RecCreateTableSpace:    "CreateTableSpace",
	RecDropTableSpace:      "DropTableSpace",
	RecIndexPage:           "IndexPage",
	RecInventoryPage:       "InventoryPage",
	RecUpdateIndex:         "UpdateIndex",
	RecDeleteIndex:         "DeleteIndex",
	RecSavepoint:           "Savepoint",
	RecSavepointRollback:   "SavepointRollback",
	RecUpdateRecords:       "UpdateRecords",
	RecDataPage:            "DataPage",
	RecTransactionComplete: "TransactionComplete",
	RecCheckpoint:          "Checkpoint",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RecordType(%d)", uint16(t))
}

// Record is one serial log record. Each type is its own struct.
type Record interface {
	Type() RecordType
	encode(buf []byte) []byte
}

// TransRecord is implemented by records that belong to a transaction.
type TransRecord interface {
	Record
	Trans() basic.TransId
}

type BeginTransaction struct {
	TransId basic.TransId
}

type Prepare struct {
	TransId basic.TransId
	Xid     []byte // 外部分支ID
}

type Commit struct {
	TransId basic.TransId
}

type Rollback struct {
	TransId basic.TransId
}

type CreateTableSpace struct {
	Id       basic.TableSpaceId
	Name     string
	Filename string
	Kind     basic.TableSpaceType
}

type DropTableSpace struct {
	Id basic.TableSpaceId
}

// IndexPage replaces a B-tree node verbatim on redo.
type IndexPage struct {
	TableSpace   basic.TableSpaceId
	Page         basic.PageNumber
	Level        uint8
	RightSibling basic.PageNumber
	Image        []byte
}

// InventoryPage recreates a free-page bitmap page.
type InventoryPage struct {
	TableSpace basic.TableSpaceId
	Page       basic.PageNumber
	Image      []byte
}

// DataPage carries the image of any other page type.
type DataPage struct {
	TableSpace basic.TableSpaceId
	Page       basic.PageNumber
	PageType   basic.PageType
	Image      []byte
}

// IndexEntry 延迟索引中的一项
type IndexEntry struct {
	RecordNumber basic.RecordNumber
	Key          []byte
	Delete       bool
}

// UpdateIndex is one slice of a deferred-index batch. Final marks the last
// slice of the batch.
type UpdateIndex struct {
	TableSpace basic.TableSpaceId
	TransId    basic.TransId
	IndexId    int32
	Version    int32
	Final      bool
	Entries    []IndexEntry
}

type DeleteIndex struct {
	TableSpace basic.TableSpaceId
	TransId    basic.TransId
	IndexId    int32
	Version    int32
}

type Savepoint struct {
	TransId     basic.TransId
	SavepointId int32
}

type SavepointRollback struct {
	TransId     basic.TransId
	SavepointId int32
}

// RecordData 一个记录版本的数据
type RecordData struct {
	RecordNumber basic.RecordNumber
	SavepointId  int32
	Deleted      bool
	Data         []byte
}

// UpdateRecords logs record versions of a transaction. Chilled batches were
// written to free memory before commit.
type UpdateRecords struct {
	TransId    basic.TransId
	TableSpace basic.TableSpaceId
	TableId    int32
	Chilled    bool
	Records    []RecordData
}

// TransactionComplete marks that all post-commit work of a transaction is on
// disk, so recovery need not replay it.
type TransactionComplete struct {
	TransId basic.TransId
}

// Checkpoint names the oldest offset recovery must read.
type Checkpoint struct {
	Oldest      basic.VirtualOffset
	NextTransId basic.TransId
}

func (*BeginTransaction) Type() RecordType    { return RecBeginTransaction }
func (*Prepare) Type() RecordType             { return RecPrepare }
func (*Commit) Type() RecordType              { return RecCommit }
func (*Rollback) Type() RecordType            { return RecRollback }
func (*CreateTableSpace) Type() RecordType    { return RecCreateTableSpace }
func (*DropTableSpace) Type() RecordType      { return RecDropTableSpace }
func (*IndexPage) Type() RecordType           { return RecIndexPage }
func (*InventoryPage) Type() RecordType       { return RecInventoryPage }
func (*DataPage) Type() RecordType            { return RecDataPage }
func (*UpdateIndex) Type() RecordType         { return RecUpdateIndex }
func (*DeleteIndex) Type() RecordType         { return RecDeleteIndex }
func (*Savepoint) Type() RecordType           { return RecSavepoint }
func (*SavepointRollback) Type() RecordType   { return RecSavepointRollback }
func (*UpdateRecords) Type() RecordType       { return RecUpdateRecords }
func (*TransactionComplete) Type() RecordType { return RecTransactionComplete }
func (*Checkpoint) Type() RecordType          { return RecCheckpoint }

func (r *BeginTransaction) Trans() basic.TransId    { return r.TransId }
func (r *Prepare) Trans() basic.TransId             { return r.TransId }
func (r *Commit) Trans() basic.TransId              { return r.TransId }
func (r *Rollback) Trans() basic.TransId            { return r.TransId }
func (r *UpdateIndex) Trans() basic.TransId         { return r.TransId }
func (r *DeleteIndex) Trans() basic.TransId         { return r.TransId }
func (r *Savepoint) Trans() basic.TransId           { return r.TransId }
func (r *SavepointRollback) Trans() basic.TransId   { return r.TransId }
func (r *UpdateRecords) Trans() basic.TransId       { return r.TransId }
func (r *TransactionComplete) Trans() basic.TransId { return r.TransId }

func (r *BeginTransaction) encode(buf []byte) []byte { return util.WriteUB4(buf, uint32(r.TransId)) }
func (r *Commit) encode(buf []byte) []byte           { return util.WriteUB4(buf, uint32(r.TransId)) }
func (r *Rollback) encode(buf []byte) []byte         { return util.WriteUB4(buf, uint32(r.TransId)) }
func (r *TransactionComplete) encode(buf []byte) []byte {
	return util.WriteUB4(buf, uint32(r.TransId))
}

func (r *Prepare) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TransId))
	return util.WriteWithLength(buf, r.Xid)
}

func (r *CreateTableSpace) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.Id))
	buf = util.WriteString(buf, r.Name)
	buf = util.WriteString(buf, r.Filename)
	return util.WriteByte(buf, byte(r.Kind))
}

func (r *DropTableSpace) encode(buf []byte) []byte { return util.WriteUB4(buf, uint32(r.Id)) }

func (r *IndexPage) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.Page))
	buf = util.WriteByte(buf, r.Level)
	buf = util.WriteUB4(buf, uint32(r.RightSibling))
	return encodeImage(buf, r.Image)
}

func (r *InventoryPage) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.Page))
	return encodeImage(buf, r.Image)
}

func (r *DataPage) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.Page))
	buf = util.WriteByte(buf, byte(r.PageType))
	return encodeImage(buf, r.Image)
}

func (r *UpdateIndex) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.TransId))
	buf = util.WriteUB4(buf, uint32(r.IndexId))
	buf = util.WriteUB4(buf, uint32(r.Version))
	buf = util.WriteByte(buf, util.ConvertBool2Byte(r.Final))
	buf = util.WriteUB4(buf, uint32(len(r.Entries)))
	for _, e := range r.Entries {
		buf = util.WriteUB4(buf, uint32(e.RecordNumber))
		buf = util.WriteByte(buf, util.ConvertBool2Byte(e.Delete))
		buf = util.WriteWithLength(buf, e.Key)
	}
	return buf
}

func (r *DeleteIndex) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.TransId))
	buf = util.WriteUB4(buf, uint32(r.IndexId))
	return util.WriteUB4(buf, uint32(r.Version))
}

func (r *Savepoint) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TransId))
	return util.WriteUB4(buf, uint32(r.SavepointId))
}

func (r *SavepointRollback) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TransId))
	return util.WriteUB4(buf, uint32(r.SavepointId))
}

func (r *UpdateRecords) encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, uint32(r.TransId))
	buf = util.WriteUB4(buf, uint32(r.TableSpace))
	buf = util.WriteUB4(buf, uint32(r.TableId))
	buf = util.WriteByte(buf, util.ConvertBool2Byte(r.Chilled))
	buf = util.WriteUB4(buf, uint32(len(r.Records)))
	for _, rec := range r.Records {
		buf = util.WriteUB4(buf, uint32(rec.RecordNumber))
		buf = util.WriteUB4(buf, uint32(rec.SavepointId))
		buf = util.WriteByte(buf, util.ConvertBool2Byte(rec.Deleted))
		buf = util.WriteWithLength(buf, rec.Data)
	}
	return buf
}

func (r *Checkpoint) encode(buf []byte) []byte {
	buf = util.WriteUB8(buf, uint64(r.Oldest))
	return util.WriteUB4(buf, uint32(r.NextTransId))
}

// encodeImage stores a page image lz4 compressed, or raw when it does not
// compress.
func encodeImage(buf []byte, image []byte) []byte {
	buf = util.WriteUB4(buf, uint32(len(image)))
	compressed := make([]byte, lz4.CompressBlockBound(len(image)))
	n, err := lz4.CompressBlock(image, compressed, nil)
	if err != nil || n == 0 || n >= len(image) {
		buf = util.WriteByte(buf, 0)
		return util.WriteWithLength(buf, image)
	}
	buf = util.WriteByte(buf, 1)
	return util.WriteWithLength(buf, compressed[:n])
}

func decodeImage(r *util.BufferReader) ([]byte, error) {
	size := int(r.ReadUB4())
	compressed := r.ReadByte() == 1
	data := r.ReadWithLength()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !compressed {
		return append([]byte(nil), data...), nil
	}
	image := make([]byte, size)
	n, err := lz4.UncompressBlock(data, image)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("page image is %d bytes, expected %d", n, size)
	}
	return image, nil
}

func readBool(r *util.BufferReader) bool { return r.ReadByte() != 0 }

// decodeRecord parses a payload produced by Record.encode.
func decodeRecord(t RecordType, payload []byte) (Record, error) {
	r := util.NewBufferReader(payload)
	var rec Record
	var err error
	switch t {
	case RecBeginTransaction:
		rec = &BeginTransaction{TransId: basic.TransId(r.ReadUB4())}
	case RecPrepare:
		p := &Prepare{TransId: basic.TransId(r.ReadUB4())}
		p.Xid = append([]byte(nil), r.ReadWithLength()...)
		rec = p
	case RecCommit:
		rec = &Commit{TransId: basic.TransId(r.ReadUB4())}
	case RecRollback:
		rec = &Rollback{TransId: basic.TransId(r.ReadUB4())}
	case RecCreateTableSpace:
		rec = &CreateTableSpace{
			Id:       basic.TableSpaceId(r.ReadUB4()),
			Name:     r.ReadString(),
			Filename: r.ReadString(),
			Kind:     basic.TableSpaceType(r.ReadByte()),
		}
	case RecDropTableSpace:
		rec = &DropTableSpace{Id: basic.TableSpaceId(r.ReadUB4())}
	case RecIndexPage:
		p := &IndexPage{
			TableSpace:   basic.TableSpaceId(r.ReadUB4()),
			Page:         basic.PageNumber(r.ReadUB4()),
			Level:        r.ReadByte(),
			RightSibling: basic.PageNumber(r.ReadUB4()),
		}
		p.Image, err = decodeImage(r)
		rec = p
	case RecInventoryPage:
		p := &InventoryPage{
			TableSpace: basic.TableSpaceId(r.ReadUB4()),
			Page:       basic.PageNumber(r.ReadUB4()),
		}
		p.Image, err = decodeImage(r)
		rec = p
	case RecDataPage:
		p := &DataPage{
			TableSpace: basic.TableSpaceId(r.ReadUB4()),
			Page:       basic.PageNumber(r.ReadUB4()),
			PageType:   basic.PageType(r.ReadByte()),
		}
		p.Image, err = decodeImage(r)
		rec = p
	case RecUpdateIndex:
		u := &UpdateIndex{
			TableSpace: basic.TableSpaceId(r.ReadUB4()),
			TransId:    basic.TransId(r.ReadUB4()),
			IndexId:    int32(r.ReadUB4()),
			Version:    int32(r.ReadUB4()),
			Final:      readBool(r),
		}
		n := int(r.ReadUB4())
		for i := 0; i < n && r.Err() == nil; i++ {
			e := IndexEntry{RecordNumber: basic.RecordNumber(r.ReadUB4()), Delete: readBool(r)}
			e.Key = append([]byte(nil), r.ReadWithLength()...)
			u.Entries = append(u.Entries, e)
		}
		rec = u
	case RecDeleteIndex:
		rec = &DeleteIndex{
			TableSpace: basic.TableSpaceId(r.ReadUB4()),
			TransId:    basic.TransId(r.ReadUB4()),
			IndexId:    int32(r.ReadUB4()),
			Version:    int32(r.ReadUB4()),
		}
	case RecSavepoint:
		rec = &Savepoint{TransId: basic.TransId(r.ReadUB4()), SavepointId: int32(r.ReadUB4())}
	case RecSavepointRollback:
		rec = &SavepointRollback{TransId: basic.TransId(r.ReadUB4()), SavepointId: int32(r.ReadUB4())}
	case RecUpdateRecords:
		u := &UpdateRecords{
			TransId:    basic.TransId(r.ReadUB4()),
			TableSpace: basic.TableSpaceId(r.ReadUB4()),
			TableId:    int32(r.ReadUB4()),
			Chilled:    readBool(r),
		}
		n := int(r.ReadUB4())
		for i := 0; i < n && r.Err() == nil; i++ {
			d := RecordData{
				RecordNumber: basic.RecordNumber(r.ReadUB4()),
				SavepointId:  int32(r.ReadUB4()),
				Deleted:      readBool(r),
			}
			d.Data = append([]byte(nil), r.ReadWithLength()...)
			u.Records = append(u.Records, d)
		}
		rec = u
	case RecTransactionComplete:
		rec = &TransactionComplete{TransId: basic.TransId(r.ReadUB4())}
	case RecCheckpoint:
		rec = &Checkpoint{Oldest: basic.VirtualOffset(r.ReadUB8()), NextTransId: basic.TransId(r.ReadUB4())}
	default:
		return nil, fmt.Errorf("unknown record type %d", uint16(t))
	}
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return rec, nil
}

// EncodedSize returns the payload size of rec, used to split batches.
func EncodedSize(rec Record) int {
	return len(rec.encode(nil))
}
