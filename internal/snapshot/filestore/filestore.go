// Package filestore implements the snapshot store on a directory of files,
// one per snapshot, named snapshot~{streamID}~{sequenceNr}~{timestampMillis}.
// Filesystem I/O is synchronous, so every operation passes through a bounded
// worker pool to keep those waits from starving callers.
package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jensholdgaard/streamjournal/internal/clock"
	"github.com/jensholdgaard/streamjournal/internal/codec"
	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/snapshot"
)

func init() {
	snapshot.Register("filesystem", open)
}

const filePrefix = "snapshot"

const fileSeparator = "~"

// open is the snapshot.Driver for the "filesystem" backend.
func open(_ context.Context, cfg config.SnapshotConfig, deps snapshot.Deps) (snapshot.Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filesystem snapshot backend requires a directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	attempts := cfg.LoadAttempts
	if attempts < 1 {
		attempts = 1
	}
	maxIO := cfg.MaxConcurrentIO
	if maxIO < 1 {
		maxIO = 1
	}
	return &Store{
		dir:      cfg.Dir,
		codec:    deps.Codec,
		clock:    deps.Clock,
		attempts: attempts,
		io:       semaphore.NewWeighted(int64(maxIO)),
		logger:   deps.Logger,
		tracer:   deps.Tracer.Tracer("github.com/jensholdgaard/streamjournal/internal/snapshot/filestore"),
		inflight: snapshot.NewInFlight(),
	}, nil
}

// Store implements snapshot.Store on a snapshot directory.
type Store struct {
	dir      string
	codec    codec.Codec
	clock    clock.Clock
	attempts int
	io       *semaphore.Weighted
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight *snapshot.InFlight
}

// fileName derives the snapshot's file name from its descriptor.
func fileName(desc snapshot.Descriptor) string {
	return strings.Join([]string{
		filePrefix,
		desc.StreamID,
		strconv.FormatUint(desc.SequenceNr, 10),
		strconv.FormatInt(desc.Timestamp.UnixMilli(), 10),
	}, fileSeparator)
}

// parseFileName recovers a descriptor from a file name. The sequence number
// and timestamp are split off the right so stream identifiers containing the
// separator still parse.
func parseFileName(name string) (snapshot.Descriptor, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix+fileSeparator)
	if !ok {
		return snapshot.Descriptor{}, false
	}
	i := strings.LastIndex(rest, fileSeparator)
	if i < 0 {
		return snapshot.Descriptor{}, false
	}
	millis, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return snapshot.Descriptor{}, false
	}
	rest = rest[:i]
	i = strings.LastIndex(rest, fileSeparator)
	if i < 0 {
		return snapshot.Descriptor{}, false
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return snapshot.Descriptor{}, false
	}
	streamID := rest[:i]
	if streamID == "" {
		return snapshot.Descriptor{}, false
	}
	return snapshot.Descriptor{
		StreamID:   streamID,
		SequenceNr: seq,
		Timestamp:  time.UnixMilli(millis).UTC(),
	}, true
}

// Save serializes state and writes it to a new snapshot file. A write
// failure is returned to the caller rather than swallowed, so the caller can
// decide whether to log or retry; it must never crash the writer.
func (s *Store) Save(ctx context.Context, desc snapshot.Descriptor, state any) error {
	ctx, span := s.tracer.Start(ctx, "Store.Save",
		trace.WithAttributes(
			attribute.String("stream_id", desc.StreamID),
			attribute.Int64("sequence_nr", int64(desc.SequenceNr)),
		),
	)
	defer span.End()

	if desc.Timestamp.IsZero() {
		desc.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	ok := s.inflight.Begin(desc)
	s.mu.Unlock()
	if !ok {
		return snapshot.ErrAlreadySaving
	}
	defer func() {
		s.mu.Lock()
		s.inflight.End(desc)
		s.mu.Unlock()
	}()

	data, err := s.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("saving snapshot for stream %s: %w", desc.StreamID, err)
	}

	path := filepath.Join(s.dir, fileName(desc))
	if err := s.withIO(ctx, func() error {
		return os.WriteFile(path, data, 0o644)
	}); err != nil {
		s.logger.ErrorContext(ctx, "snapshot write failed",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return fmt.Errorf("saving snapshot for stream %s: %w", desc.StreamID, err)
	}

	s.logger.InfoContext(ctx, "snapshot saved",
		slog.String("stream_id", desc.StreamID),
		slog.Uint64("sequence_nr", desc.SequenceNr),
	)
	return nil
}

// Load lists the stream's snapshot files, newest first by sequence number,
// and decodes the first viable one into state, trying at most the configured
// number of candidates. If every attempt fails the result is no snapshot,
// not the last decode error.
func (s *Store) Load(ctx context.Context, streamID string, maxSequenceNr uint64, maxTimestamp time.Time, state any) (*snapshot.Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Load",
		trace.WithAttributes(attribute.String("stream_id", streamID)),
	)
	defer span.End()

	descs, err := s.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for stream %s: %w", streamID, err)
	}

	candidates := descs[:0]
	for _, d := range descs {
		if d.StreamID != streamID || d.SequenceNr > maxSequenceNr {
			continue
		}
		if !maxTimestamp.IsZero() && d.Timestamp.After(maxTimestamp) {
			continue
		}
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SequenceNr != candidates[j].SequenceNr {
			return candidates[i].SequenceNr > candidates[j].SequenceNr
		}
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})
	if len(candidates) > s.attempts {
		candidates = candidates[:s.attempts]
	}

	for _, d := range candidates {
		path := filepath.Join(s.dir, fileName(d))
		var data []byte
		err := s.withIO(ctx, func() error {
			var readErr error
			data, readErr = os.ReadFile(path)
			return readErr
		})
		if err == nil {
			err = s.codec.Unmarshal(data, state)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable snapshot file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		desc := d
		return &desc, nil
	}
	return nil, nil
}

// Delete removes the exact snapshot file named by desc.
func (s *Store) Delete(ctx context.Context, desc snapshot.Descriptor) error {
	ctx, span := s.tracer.Start(ctx, "Store.Delete",
		trace.WithAttributes(
			attribute.String("stream_id", desc.StreamID),
			attribute.Int64("sequence_nr", int64(desc.SequenceNr)),
		),
	)
	defer span.End()

	s.mu.Lock()
	s.inflight.End(desc)
	s.mu.Unlock()

	path := filepath.Join(s.dir, fileName(desc))
	err := s.withIO(ctx, func() error { return os.Remove(path) })
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot for stream %s: %w", desc.StreamID, err)
	}
	return nil
}

// DeleteUpTo removes every snapshot file of the stream with sequence number
// at or below maxSequenceNr: those snapshots are superseded by the criteria.
func (s *Store) DeleteUpTo(ctx context.Context, streamID string, maxSequenceNr uint64) error {
	ctx, span := s.tracer.Start(ctx, "Store.DeleteUpTo",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("max_sequence_nr", int64(maxSequenceNr)),
		),
	)
	defer span.End()

	descs, err := s.list(ctx)
	if err != nil {
		return fmt.Errorf("deleting snapshots for stream %s: %w", streamID, err)
	}

	for _, d := range descs {
		if d.StreamID != streamID || d.SequenceNr > maxSequenceNr {
			continue
		}
		if err := s.Delete(ctx, d); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "snapshot range deleted",
		slog.String("stream_id", streamID),
		slog.Uint64("max_sequence_nr", maxSequenceNr),
	)
	return nil
}

// List returns the descriptors of every snapshot file in the directory.
func (s *Store) List(ctx context.Context) ([]snapshot.Descriptor, error) {
	return s.list(ctx)
}

// Close clears the in-flight set. The directory needs no teardown.
func (s *Store) Close() error {
	s.mu.Lock()
	s.inflight.Clear()
	s.mu.Unlock()
	return nil
}

func (s *Store) list(ctx context.Context) ([]snapshot.Descriptor, error) {
	var entries []os.DirEntry
	err := s.withIO(ctx, func() error {
		var readErr error
		entries, readErr = os.ReadDir(s.dir)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshot directory: %w", err)
	}

	var descs []snapshot.Descriptor
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if desc, ok := parseFileName(e.Name()); ok {
			descs = append(descs, desc)
		}
	}
	return descs, nil
}

// withIO runs fn under the bounded I/O pool.
func (s *Store) withIO(ctx context.Context, fn func() error) error {
	if err := s.io.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.io.Release(1)
	return fn()
}
