// Package snapshot defines the snapshot store used by the recovery path to
// establish a replay floor, plus the driver registry its backends register
// with. Backends live in subpackages: sortedstore keeps snapshots in the same
// kind of row table as the journal, filestore keeps one file per snapshot in
// a directory.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/streamjournal/internal/clock"
	"github.com/jensholdgaard/streamjournal/internal/codec"
	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/kv"
)

// ErrAlreadySaving is returned for a save whose descriptor is already being
// written by this store instance.
var ErrAlreadySaving = errors.New("snapshot: save already in flight for this descriptor")

// Descriptor identifies one persisted snapshot. Multiple snapshots per
// stream are expected; recovery loads the newest one at or below its ceiling.
type Descriptor struct {
	StreamID   string
	SequenceNr uint64
	Timestamp  time.Time
}

// Store persists and retrieves snapshots. Load decodes the newest snapshot
// at or below the sequence-number and timestamp ceilings into state and
// returns its descriptor, or (nil, nil) when no decodable snapshot exists —
// an empty result, not an error. Candidates that fail to decode are skipped.
type Store interface {
	Save(ctx context.Context, desc Descriptor, state any) error
	Load(ctx context.Context, streamID string, maxSequenceNr uint64, maxTimestamp time.Time, state any) (*Descriptor, error)
	// Delete removes the exact snapshot named by desc.
	Delete(ctx context.Context, desc Descriptor) error
	// DeleteUpTo removes every snapshot of the stream with sequence number
	// at or below maxSequenceNr.
	DeleteUpTo(ctx context.Context, streamID string, maxSequenceNr uint64) error
	// List returns the descriptors of every snapshot in the store.
	List(ctx context.Context) ([]Descriptor, error)
	Close() error
}

// Deps carries the collaborators a backend may need. Client is only used by
// the sorted-store backend.
type Deps struct {
	Client kv.Client
	Codec  codec.Codec
	Clock  clock.Clock
	Logger *slog.Logger
	Tracer trace.TracerProvider
}

// Driver is a function that opens a snapshot store backend.
type Driver func(ctx context.Context, cfg config.SnapshotConfig, deps Deps) (Store, error)

// registry maps backend names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named backend to the global registry.
// It is intended to be called from init() in each backend package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the backend specified in cfg.Backend and returns a store.
func Open(ctx context.Context, cfg config.SnapshotConfig, deps Deps) (Store, error) {
	d, ok := registry[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown snapshot backend %q (registered: %v)", cfg.Backend, registeredNames())
	}
	return d(ctx, cfg, deps)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// InFlight tracks descriptors currently being written so duplicate
// concurrent saves for the same (stream, sequence) pair can be rejected with
// a distinct error. It is per store instance and cleared on store shutdown.
type InFlight struct {
	saving map[string]struct{}
}

// NewInFlight returns an empty in-flight set.
func NewInFlight() *InFlight {
	return &InFlight{saving: make(map[string]struct{})}
}

func inFlightKey(desc Descriptor) string {
	return fmt.Sprintf("%s~%d", desc.StreamID, desc.SequenceNr)
}

// Begin registers desc, reporting whether it was already in flight.
// Not safe for concurrent use; callers hold their own lock.
func (f *InFlight) Begin(desc Descriptor) bool {
	k := inFlightKey(desc)
	if _, dup := f.saving[k]; dup {
		return false
	}
	f.saving[k] = struct{}{}
	return true
}

// End removes desc, whether the save succeeded, failed or was deleted.
func (f *InFlight) End(desc Descriptor) {
	delete(f.saving, inFlightKey(desc))
}

// Clear empties the set.
func (f *InFlight) Clear() {
	f.saving = make(map[string]struct{})
}
