package serial_log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

func testConfig(dir string) Config {
	return Config{
		Dir:        dir,
		Prefix:     "falcon_log",
		BlockSize:  1024,
		WindowSize: 2048,
		FileSize:   8192,
		Fsync:      true,
		Priority:   true,
	}
}

func scanAll(t *testing.T, sl *SerialLog, from basic.VirtualOffset) []Record {
	var out []Record
	require.NoError(t, sl.Scan(from, func(off basic.VirtualOffset, rec Record) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

func commitIds(records []Record) []basic.TransId {
	var ids []basic.TransId
	for _, rec := range records {
		if c, ok := rec.(*Commit); ok {
			ids = append(ids, c.TransId)
		}
	}
	return ids
}

func TestAppendFlushReopen(t *testing.T) {
	dir := t.TempDir()
	sl, err := Open(testConfig(dir))
	require.NoError(t, err)

	image := make([]byte, 1024)
	for i := range image {
		image[i] = byte(i % 7)
	}
	records := []Record{
		&BeginTransaction{TransId: 5},
		&UpdateRecords{TransId: 5, TableSpace: 0, TableId: 3, Records: []RecordData{
			{RecordNumber: 0, SavepointId: 0, Data: []byte("row zero")},
			{RecordNumber: 1, SavepointId: 1, Deleted: true},
		}},
		&IndexPage{TableSpace: 2, Page: 9, Level: 1, RightSibling: basic.NoPage, Image: image},
		&Commit{TransId: 5},
	}
	var end basic.VirtualOffset
	for _, rec := range records {
		_, end, err = sl.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, sl.Flush(end))
	assert.GreaterOrEqual(t, sl.Durable(), end)
	require.NoError(t, sl.Close())

	sl, err = Open(testConfig(dir))
	require.NoError(t, err)
	defer sl.Close()

	got := scanAll(t, sl, 0)
	require.Len(t, got, len(records))
	assert.Equal(t, records[0], got[0])
	assert.Equal(t, records[1], got[1])
	assert.Equal(t, image, got[2].(*IndexPage).Image)
	assert.Equal(t, basic.PageNumber(basic.NoPage), got[2].(*IndexPage).RightSibling)
	assert.Equal(t, records[3], got[3])
	assert.Greater(t, sl.End(), end, "appends continue in a fresh block")
}

func TestBlocksSpanFiles(t *testing.T) {
	dir := t.TempDir()
	sl, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer sl.Close()

	offsets := make(map[basic.TransId]basic.VirtualOffset)
	for tid := basic.TransId(1); tid <= 1000; tid++ {
		start, _, err := sl.Append(&Commit{TransId: tid})
		require.NoError(t, err)
		offsets[tid] = start
	}
	assert.GreaterOrEqual(t, sl.Stats().Files, 3)

	ids := commitIds(scanAll(t, sl, 0))
	require.Len(t, ids, 1000)
	for i, id := range ids {
		assert.Equal(t, basic.TransId(i+1), id)
	}

	for _, tid := range []basic.TransId{1, 62, 63, 500, 1000} {
		rec, next, err := sl.ReadRecord(offsets[tid])
		require.NoError(t, err)
		assert.Equal(t, &Commit{TransId: tid}, rec)
		assert.Greater(t, next, offsets[tid])
	}

	t.Run("从中间开始扫描", func(t *testing.T) {
		ids := commitIds(scanAll(t, sl, offsets[700]))
		require.Len(t, ids, 301)
		assert.Equal(t, basic.TransId(700), ids[0])
	})
}

func TestTornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	sl, err := Open(cfg)
	require.NoError(t, err)
	var third basic.VirtualOffset
	for tid := basic.TransId(1); tid <= 3; tid++ {
		start, _, err := sl.Append(&Commit{TransId: tid})
		require.NoError(t, err)
		third = start
	}
	require.NoError(t, sl.Close())

	// first file has base 0, so the virtual offset is the file position
	f, err := os.OpenFile(sl.fileName(1), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xEE}, int64(third)+recordHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sl, err = Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, []basic.TransId{1, 2}, commitIds(scanAll(t, sl, 0)))

	_, _, err = sl.Append(&Commit{TransId: 4})
	require.NoError(t, err)
	require.NoError(t, sl.Close())

	sl, err = Open(cfg)
	require.NoError(t, err)
	defer sl.Close()
	assert.Equal(t, []basic.TransId{1, 2, 4}, commitIds(scanAll(t, sl, 0)))
}

func TestCheckpointReleasesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	sl, err := Open(cfg)
	require.NoError(t, err)
	defer sl.Close()

	for tid := basic.TransId(1); tid <= 1000; tid++ {
		_, _, err := sl.Append(&Commit{TransId: tid})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, sl.Stats().Files, 3)

	oldest := sl.End()
	require.NoError(t, sl.Checkpoint(oldest, 1001))
	assert.Equal(t, 1, sl.Stats().Files)
	_, err = os.Stat(sl.fileName(1))
	assert.True(t, os.IsNotExist(err))

	var checkpoints []*Checkpoint
	require.NoError(t, sl.Scan(oldest, func(off basic.VirtualOffset, rec Record) error {
		if c, ok := rec.(*Checkpoint); ok {
			checkpoints = append(checkpoints, c)
		}
		return nil
	}))
	require.Len(t, checkpoints, 1)
	assert.Equal(t, oldest, checkpoints[0].Oldest)
	assert.Equal(t, basic.TransId(1001), checkpoints[0].NextTransId)
}

func TestOversizedRecordIsRejected(t *testing.T) {
	sl, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer sl.Close()

	big := &UpdateRecords{TransId: 1, Records: []RecordData{{RecordNumber: 1, Data: make([]byte, 2000)}}}
	_, _, err = sl.Append(big)
	assert.Error(t, err)

	entries := make([]IndexEntry, 200)
	for i := range entries {
		entries[i] = IndexEntry{RecordNumber: basic.RecordNumber(i), Key: []byte("key-of-some-length")}
	}
	slices := SplitUpdateIndex(UpdateIndex{TableSpace: 1, TransId: 1, IndexId: 2}, entries, sl.MaxRecordSize())
	require.Greater(t, len(slices), 1)
	total := 0
	for i, slice := range slices {
		assert.LessOrEqual(t, EncodedSize(slice), sl.MaxRecordSize())
		assert.Equal(t, i == len(slices)-1, slice.Final)
		total += len(slice.Entries)
		_, _, err := sl.Append(slice)
		require.NoError(t, err)
	}
	assert.Equal(t, len(entries), total)
}
