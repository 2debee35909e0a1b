package journal

import (
	"fmt"
	"strconv"

	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/rowkey"
)

// Entry is one persisted event of a stream. Sequence numbers are assigned by
// the writer before appending; the journal never generates them.
type Entry struct {
	StreamID   string
	SequenceNr uint64
	Marker     Marker
	Payload    []byte
}

// columns returns the entry's stored column set.
func (e Entry) columns() map[string][]byte {
	return map[string][]byte{
		kv.QualifierMarker:   e.Marker.Bytes(),
		kv.QualifierSequence: []byte(strconv.FormatUint(e.SequenceNr, 10)),
		kv.QualifierPayload:  e.Payload,
	}
}

// decodeEntry reconstructs an entry from a scanned row. The stream identifier
// and sequence number come from the key; the marker column must be present
// and well formed.
func decodeEntry(row kv.Row) (Entry, error) {
	streamID, seq, err := rowkey.Decode(row.Key)
	if err != nil {
		return Entry{}, err
	}
	marker, err := ParseMarker(row.Columns[kv.QualifierMarker])
	if err != nil {
		return Entry{}, fmt.Errorf("row %q: %w", row.Key, err)
	}
	return Entry{
		StreamID:   streamID,
		SequenceNr: seq,
		Marker:     marker,
		Payload:    row.Columns[kv.QualifierPayload],
	}, nil
}
