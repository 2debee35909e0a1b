// Package kv defines the sorted key-value client the journal and snapshot
// stores are built on. Rows are keyed by an opaque byte key and hold a small
// set of named column qualifiers; scans walk a key range in ascending byte
// order. Concrete clients live in subpackages and register themselves by
// driver name, mirroring how the rest of the codebase selects storage
// backends.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jensholdgaard/streamjournal/internal/config"
)

// Column qualifiers shared by journal and snapshot rows.
const (
	QualifierMarker    = "marker"
	QualifierSequence  = "sequenceNr"
	QualifierPayload   = "payload"
	QualifierTimestamp = "timestamp"
)

// ErrClosed is returned by operations on a client that has been closed.
var ErrClosed = errors.New("kv: client is closed")

// Row is a single scanned row: its key and the columns present on it.
type Row struct {
	Key     []byte
	Columns map[string][]byte
}

// Scanner walks a key range in ascending key order. Next returns the next
// batch of rows; a nil or empty batch means the range is exhausted. Callers
// must Close the scanner when done, exhausted or not.
type Scanner interface {
	Next(ctx context.Context) ([]Row, error)
	Close() error
}

// Client is a sorted key-value store bound to one table. Put merges the given
// columns into the row, leaving absent qualifiers untouched, which is what
// lets a tombstone overwrite only the marker column. Scan returns rows with
// start <= key < stop; a nil stop scans to the end of the table.
type Client interface {
	Put(ctx context.Context, key []byte, columns map[string][]byte) error
	Get(ctx context.Context, key []byte) (map[string][]byte, error)
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, start, stop []byte, batchSize int) (Scanner, error)
	// Flush pushes any client-side write buffering to the store without
	// waiting for acknowledgment. Clients without buffering return nil.
	Flush(ctx context.Context) error
	// Ping checks the underlying connection health.
	Ping(ctx context.Context) error
	Close() error
}

// Driver is a function that opens a client bound to the named table.
type Driver func(ctx context.Context, cfg config.StoreConfig, table string) (Client, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns a client bound
// to the given table.
func Open(ctx context.Context, cfg config.StoreConfig, table string) (Client, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown kv driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, table)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
