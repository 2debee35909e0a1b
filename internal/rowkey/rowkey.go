// Package rowkey encodes (streamID, sequenceNr) pairs into sortable row keys.
//
// A key is the stream identifier, a tilde, and the sequence number as a
// zero-padded 20-digit decimal: "orders-42~00000000000000000317". Padding
// makes byte comparison equal numeric comparison, so an ascending range scan
// over one stream's key interval visits sequence numbers in increasing order.
package rowkey

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Separator joins the stream identifier and the padded sequence number.
const Separator = "~"

// seqWidth is the digit count of the padded sequence number; 20 digits cover
// the full uint64 range.
const seqWidth = 20

// Encode returns the row key for one entry of a stream.
func Encode(streamID string, sequenceNr uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%0*d", streamID, Separator, seqWidth, sequenceNr))
}

// Decode splits a row key back into its stream identifier and sequence
// number. It fails on keys that were not produced by Encode.
func Decode(key []byte) (string, uint64, error) {
	s := string(key)
	i := strings.LastIndex(s, Separator)
	if i < 0 || len(s)-i-1 != seqWidth {
		return "", 0, fmt.Errorf("malformed row key %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed sequence number in row key %q: %w", s, err)
	}
	return s[:i], seq, nil
}

// RangeStart returns the lowest key of a scan beginning at fromSequenceNr.
func RangeStart(streamID string, fromSequenceNr uint64) []byte {
	return Encode(streamID, fromSequenceNr)
}

// RangeStop returns an exclusive scan bound that still covers the ceiling
// row: the ceiling's own key extended by a zero byte sorts above the ceiling
// and below every other valid key.
func RangeStop(streamID string, ceilingSequenceNr uint64) []byte {
	return append(Encode(streamID, ceilingSequenceNr), 0x00)
}

// Pattern compiles an anchored matcher accepting exactly the keys of one
// stream. Range scans over a shared keyspace can surface adjacent-stream rows
// at interval boundaries; every scanned row must be re-validated against this
// before use.
func Pattern(streamID string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(streamID) + regexp.QuoteMeta(Separator) + `\d{` + strconv.Itoa(seqWidth) + `}$`)
}
