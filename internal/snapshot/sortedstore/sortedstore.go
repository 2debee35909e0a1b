// Package sortedstore implements the snapshot store on the same sorted
// key-value row layout as the journal. Snapshot rows are keyed like journal
// rows and tagged with the snapshot marker so the two kinds can share a
// keyspace without replay ever delivering a snapshot as an event.
package sortedstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/streamjournal/internal/clock"
	"github.com/jensholdgaard/streamjournal/internal/codec"
	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/journal"
	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/rowkey"
	"github.com/jensholdgaard/streamjournal/internal/snapshot"
)

func init() {
	snapshot.Register("sorted-store", open)
}

// open is the snapshot.Driver for the "sorted-store" backend.
func open(_ context.Context, cfg config.SnapshotConfig, deps snapshot.Deps) (snapshot.Store, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("sorted-store snapshot backend requires a kv client")
	}
	batchSize := cfg.ScanBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	return &Store{
		client:    deps.Client,
		codec:     deps.Codec,
		clock:     deps.Clock,
		batchSize: batchSize,
		logger:    deps.Logger,
		tracer:    deps.Tracer.Tracer("github.com/jensholdgaard/streamjournal/internal/snapshot/sortedstore"),
		inflight:  snapshot.NewInFlight(),
	}, nil
}

// Store implements snapshot.Store on a sorted key-value table.
type Store struct {
	client    kv.Client
	codec     codec.Codec
	clock     clock.Clock
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	inflight *snapshot.InFlight
}

// Save serializes state and writes it as a snapshot row. A concurrent save
// for the same (stream, sequence) pair is rejected with ErrAlreadySaving.
func (s *Store) Save(ctx context.Context, desc snapshot.Descriptor, state any) error {
	ctx, span := s.tracer.Start(ctx, "Store.Save",
		trace.WithAttributes(
			attribute.String("stream_id", desc.StreamID),
			attribute.Int64("sequence_nr", int64(desc.SequenceNr)),
		),
	)
	defer span.End()

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

	ts := desc.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	err = s.client.Put(ctx, rowkey.Encode(desc.StreamID, desc.SequenceNr), map[string][]byte{
		kv.QualifierMarker:    journal.MarkerSnapshot.Bytes(),
		kv.QualifierSequence:  []byte(strconv.FormatUint(desc.SequenceNr, 10)),
		kv.QualifierTimestamp: []byte(strconv.FormatInt(ts.UnixMilli(), 10)),
		kv.QualifierPayload:   data,
	})
	if err != nil {
		return fmt.Errorf("saving snapshot for stream %s: %w", desc.StreamID, err)
	}

	s.logger.InfoContext(ctx, "snapshot saved",
		slog.String("stream_id", desc.StreamID),
		slog.Uint64("sequence_nr", desc.SequenceNr),
	)
	return nil
}

// Load scans the stream's snapshot range up to the ceiling and decodes the
// newest viable snapshot into state. Rows that fail to decode count as
// absent and the next-newest candidate is tried.
func (s *Store) Load(ctx context.Context, streamID string, maxSequenceNr uint64, maxTimestamp time.Time, state any) (*snapshot.Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Load",
		trace.WithAttributes(attribute.String("stream_id", streamID)),
	)
	defer span.End()

	type candidate struct {
		desc snapshot.Descriptor
		data []byte
	}
	var candidates []candidate

	err := s.eachSnapshotRow(ctx, streamID, maxSequenceNr, func(row kv.Row) error {
		desc, data, err := decodeRow(row)
		if err != nil {
			// Treated as "no snapshot at this position".
			s.logger.WarnContext(ctx, "skipping undecodable snapshot row",
				slog.String("row_key", string(row.Key)),
				slog.Any("error", err),
			)
			return nil
		}
		if !maxTimestamp.IsZero() && desc.Timestamp.After(maxTimestamp) {
			return nil
		}
		candidates = append(candidates, candidate{desc: desc, data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for stream %s: %w", streamID, err)
	}

	// The scan is ascending, so walk candidates backwards: last viable
	// snapshot at or below the ceiling wins.
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		if err := s.codec.Unmarshal(c.data, state); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable snapshot state",
				slog.String("stream_id", c.desc.StreamID),
				slog.Uint64("sequence_nr", c.desc.SequenceNr),
				slog.Any("error", err),
			)
			continue
		}
		desc := c.desc
		return &desc, nil
	}
	return nil, nil
}

// Delete removes the exact snapshot row named by desc.
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

	if err := s.client.Delete(ctx, rowkey.Encode(desc.StreamID, desc.SequenceNr)); err != nil {
		return fmt.Errorf("deleting snapshot for stream %s: %w", desc.StreamID, err)
	}
	return nil
}

// DeleteUpTo removes every snapshot of the stream with sequence number at or
// below maxSequenceNr, scanning first to enumerate exact keys.
func (s *Store) DeleteUpTo(ctx context.Context, streamID string, maxSequenceNr uint64) error {
	ctx, span := s.tracer.Start(ctx, "Store.DeleteUpTo",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("max_sequence_nr", int64(maxSequenceNr)),
		),
	)
	defer span.End()

	err := s.eachSnapshotRow(ctx, streamID, maxSequenceNr, func(row kv.Row) error {
		return s.client.Delete(ctx, row.Key)
	})
	if err != nil {
		return fmt.Errorf("deleting snapshots for stream %s: %w", streamID, err)
	}

	s.logger.InfoContext(ctx, "snapshot range deleted",
		slog.String("stream_id", streamID),
		slog.Uint64("max_sequence_nr", maxSequenceNr),
	)
	return nil
}

// List returns the descriptors of every snapshot row in the table.
func (s *Store) List(ctx context.Context) ([]snapshot.Descriptor, error) {
	scanner, err := s.client.Scan(ctx, nil, nil, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer scanner.Close()

	var descs []snapshot.Descriptor
	for {
		batch, err := scanner.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			desc, _, err := decodeRow(row)
			if err != nil {
				continue
			}
			descs = append(descs, desc)
		}
	}
	return descs, nil
}

// Close clears the in-flight set and releases the client reference.
func (s *Store) Close() error {
	s.mu.Lock()
	s.inflight.Clear()
	s.mu.Unlock()
	return s.client.Close()
}

// eachSnapshotRow scans the stream's keys up to the ceiling and applies fn
// to every row that passes the stream-key filter and carries the snapshot
// marker.
func (s *Store) eachSnapshotRow(ctx context.Context, streamID string, maxSequenceNr uint64, fn func(kv.Row) error) error {
	scanner, err := s.client.Scan(ctx,
		rowkey.RangeStart(streamID, 0),
		rowkey.RangeStop(streamID, maxSequenceNr),
		s.batchSize,
	)
	if err != nil {
		return fmt.Errorf("opening scan: %w", err)
	}
	defer scanner.Close()

	pattern := rowkey.Pattern(streamID)
	for {
		batch, err := scanner.Next(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, row := range batch {
			if !pattern.Match(row.Key) {
				continue
			}
			if marker, err := journal.ParseMarker(row.Columns[kv.QualifierMarker]); err != nil || marker != journal.MarkerSnapshot {
				continue
			}
			if err := fn(row); err != nil {
				return err
			}
		}
	}
}

// decodeRow turns a snapshot row into its descriptor and raw state bytes.
func decodeRow(row kv.Row) (snapshot.Descriptor, []byte, error) {
	streamID, seq, err := rowkey.Decode(row.Key)
	if err != nil {
		return snapshot.Descriptor{}, nil, err
	}
	if marker, err := journal.ParseMarker(row.Columns[kv.QualifierMarker]); err != nil {
		return snapshot.Descriptor{}, nil, fmt.Errorf("row %q: %w", row.Key, err)
	} else if marker != journal.MarkerSnapshot {
		return snapshot.Descriptor{}, nil, fmt.Errorf("row %q is not a snapshot row", row.Key)
	}
	millis, err := strconv.ParseInt(string(row.Columns[kv.QualifierTimestamp]), 10, 64)
	if err != nil {
		return snapshot.Descriptor{}, nil, fmt.Errorf("row %q: malformed timestamp: %w", row.Key, err)
	}
	return snapshot.Descriptor{
		StreamID:   streamID,
		SequenceNr: seq,
		Timestamp:  time.UnixMilli(millis).UTC(),
	}, row.Columns[kv.QualifierPayload], nil
}
