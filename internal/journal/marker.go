package journal

import "fmt"

// Marker tags a row within the shared keyspace.
type Marker byte

const (
	// MarkerNormal tags a live journal entry.
	MarkerNormal Marker = 'A'
	// MarkerDeleted tags a soft-deleted (tombstoned) entry. The row stays
	// in the store but replay skips it.
	MarkerDeleted Marker = 'D'
	// MarkerSnapshot tags a snapshot row. Snapshot rows are never replayed
	// as events.
	MarkerSnapshot Marker = 'S'
)

// Bytes returns the marker's stored representation.
func (m Marker) Bytes() []byte { return []byte{byte(m)} }

// ParseMarker decodes a stored marker value.
func ParseMarker(b []byte) (Marker, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("malformed marker %q", b)
	}
	switch m := Marker(b[0]); m {
	case MarkerNormal, MarkerDeleted, MarkerSnapshot:
		return m, nil
	default:
		return 0, fmt.Errorf("unknown marker %q", b)
	}
}
