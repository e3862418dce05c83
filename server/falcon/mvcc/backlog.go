package mvcc

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/util"
)

var backlogBucket = []byte("backlog")

// Backlog is the side store for record versions of large active
// transactions. Its contents never outlive the process.
type Backlog struct {
	db    *bolt.DB
	path  string
	count int64
}

type backlogEntry struct {
	transId   basic.TransId
	savepoint int32
	kind      versionKind
	data      []byte
}

// OpenBacklog creates a fresh backlog file at path, discarding any left by
// an earlier run.
func OpenBacklog(path string) (*Backlog, error) {
	if err := util.RemoveIfExists(path); err != nil {
		return nil, errors.Wrapf(err, "remove stale backlog %s", path)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		return nil, errors.Wrapf(err, "open backlog %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backlogBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create backlog bucket")
	}
	logger.Infof("record backlog at %s", path)
	return &Backlog{db: db, path: path}, nil
}

func backlogKey(tk tableKey, rn basic.RecordNumber) []byte {
	var k [12]byte
	binary.BigEndian.PutUint32(k[:4], uint32(tk.space))
	binary.BigEndian.PutUint32(k[4:], uint32(tk.id))
	binary.BigEndian.PutUint32(k[8:], uint32(rn))
	return k[:]
}

func (b *Backlog) save(tk tableKey, rn basic.RecordNumber, e backlogEntry) error {
	raw := make([]byte, 9+len(e.data))
	binary.LittleEndian.PutUint32(raw, uint32(e.transId))
	binary.LittleEndian.PutUint32(raw[4:], uint32(e.savepoint))
	raw[8] = byte(e.kind)
	copy(raw[9:], e.data)
	value := snappy.Encode(nil, raw)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(backlogBucket)
		key := backlogKey(tk, rn)
		if bucket.Get(key) == nil {
			atomic.AddInt64(&b.count, 1)
		}
		return bucket.Put(key, value)
	})
	return errors.Wrapf(err, "backlog record %d of table %d:%d", rn, tk.space, tk.id)
}

func (b *Backlog) load(tk tableKey, rn basic.RecordNumber) (backlogEntry, bool, error) {
	var e backlogEntry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(backlogBucket).Get(backlogKey(tk, rn))
		if value == nil {
			return nil
		}
		raw, err := snappy.Decode(nil, value)
		if err != nil {
			return err
		}
		if len(raw) < 9 {
			return errors.Errorf("short backlog entry of %d bytes", len(raw))
		}
		e.transId = basic.TransId(binary.LittleEndian.Uint32(raw))
		e.savepoint = int32(binary.LittleEndian.Uint32(raw[4:]))
		e.kind = versionKind(raw[8])
		if e.kind != versionLock {
			e.data = append([]byte{}, raw[9:]...)
		}
		found = true
		return nil
	})
	if err != nil {
		return e, false, basic.NewError(basic.KindCorruption, "backlog", err)
	}
	return e, found, nil
}

func (b *Backlog) delete(tk tableKey, rn basic.RecordNumber) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(backlogBucket)
		key := backlogKey(tk, rn)
		if bucket.Get(key) == nil {
			return nil
		}
		atomic.AddInt64(&b.count, -1)
		return bucket.Delete(key)
	})
	return errors.Wrap(err, "backlog delete")
}

// Len is the number of backlogged versions.
func (b *Backlog) Len() int64 { return atomic.LoadInt64(&b.count) }

// Close closes and removes the backlog file.
func (b *Backlog) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Wrap(err, "close backlog")
	}
	return util.RemoveIfExists(b.path)
}
