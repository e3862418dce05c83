package serial_log

import "github.com/zhukovaskychina/xmysql-falcon/util"

const (
	updateIndexFixed   = 4*4 + 1 + 4
	updateRecordsFixed = 3*4 + 1 + 4
)

func lengthEncodedSize(n int) int {
	return len(util.WriteLength(nil, int64(n))) + n
}

// IndexEntrySize is the encoded size of one deferred index entry.
func IndexEntrySize(e IndexEntry) int {
	return 4 + 1 + lengthEncodedSize(len(e.Key))
}

// RecordDataSize is the encoded size of one record version.
func RecordDataSize(d RecordData) int {
	return 4 + 4 + 1 + lengthEncodedSize(len(d.Data))
}

// SplitUpdateIndex cuts a batch into records no larger than maxPayload.
// The last slice carries Final.
func SplitUpdateIndex(template UpdateIndex, entries []IndexEntry, maxPayload int) []*UpdateIndex {
	var out []*UpdateIndex
	cur := template
	cur.Entries = nil
	cur.Final = false
	size := updateIndexFixed
	for _, e := range entries {
		es := IndexEntrySize(e)
		if len(cur.Entries) > 0 && size+es > maxPayload {
			slice := cur
			out = append(out, &slice)
			cur.Entries = nil
			size = updateIndexFixed
		}
		cur.Entries = append(cur.Entries, e)
		size += es
	}
	cur.Final = true
	out = append(out, &cur)
	return out
}

// SplitUpdateRecords cuts record versions into records no larger than
// maxPayload.
func SplitUpdateRecords(template UpdateRecords, records []RecordData, maxPayload int) []*UpdateRecords {
	var out []*UpdateRecords
	cur := template
	cur.Records = nil
	size := updateRecordsFixed
	for _, d := range records {
		ds := RecordDataSize(d)
		if len(cur.Records) > 0 && size+ds > maxPayload {
			slice := cur
			out = append(out, &slice)
			cur.Records = nil
			size = updateRecordsFixed
		}
		cur.Records = append(cur.Records, d)
		size += ds
	}
	if len(cur.Records) > 0 {
		out = append(out, &cur)
	}
	return out
}
