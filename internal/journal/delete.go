package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/rowkey"
)

// Deletion describes a completed delete operation.
type Deletion struct {
	StreamID     string
	ToSequenceNr uint64
	// Permanent is true for hard deletes, false for tombstoning.
	Permanent bool
}

// DeletionListener is notified after a delete has processed its full range.
type DeletionListener func(Deletion)

// Deleter marks journal entries as deleted or removes them physically. There
// is no cross-operation lock between deletion and replay on the same stream:
// a replay racing a delete may or may not observe the affected rows, matching
// the store's read-after-write visibility.
type Deleter struct {
	client    kv.Client
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	listeners []DeletionListener
}

// NewDeleter returns a deleter operating through the given client.
func NewDeleter(client kv.Client, batchSize int, logger *slog.Logger, tp trace.TracerProvider) *Deleter {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Deleter{
		client:    client,
		batchSize: batchSize,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/streamjournal/internal/journal"),
	}
}

// AddListener registers a completion listener. Listeners run synchronously
// after the full range has been processed.
func (d *Deleter) AddListener(l DeletionListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// SoftDelete tombstones every live entry of the stream with sequence number
// at or below toSequenceNr. Only the marker column is overwritten; payload
// and sequence number stay in place for inspection.
func (d *Deleter) SoftDelete(ctx context.Context, streamID string, toSequenceNr uint64) error {
	ctx, span := d.tracer.Start(ctx, "Deleter.SoftDelete",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("to_sequence_nr", int64(toSequenceNr)),
		),
	)
	defer span.End()

	err := d.eachRow(ctx, streamID, toSequenceNr, func(ctx context.Context, row kv.Row) error {
		marker, err := ParseMarker(row.Columns[kv.QualifierMarker])
		if err != nil {
			return fmt.Errorf("row %q: %w", row.Key, err)
		}
		if marker != MarkerNormal {
			return nil
		}
		return d.client.Put(ctx, row.Key, map[string][]byte{
			kv.QualifierMarker: MarkerDeleted.Bytes(),
		})
	})
	if err != nil {
		return fmt.Errorf("soft-deleting stream %s: %w", streamID, err)
	}

	d.notify(ctx, Deletion{StreamID: streamID, ToSequenceNr: toSequenceNr, Permanent: false})
	return nil
}

// HardDelete physically removes every entry of the stream with sequence
// number at or below toSequenceNr. Removed rows are indistinguishable from
// never-written ones.
func (d *Deleter) HardDelete(ctx context.Context, streamID string, toSequenceNr uint64) error {
	ctx, span := d.tracer.Start(ctx, "Deleter.HardDelete",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("to_sequence_nr", int64(toSequenceNr)),
		),
	)
	defer span.End()

	err := d.eachRow(ctx, streamID, toSequenceNr, func(ctx context.Context, row kv.Row) error {
		marker, err := ParseMarker(row.Columns[kv.QualifierMarker])
		if err != nil {
			return fmt.Errorf("row %q: %w", row.Key, err)
		}
		if marker == MarkerSnapshot {
			return nil
		}
		return d.client.Delete(ctx, row.Key)
	})
	if err != nil {
		return fmt.Errorf("hard-deleting stream %s: %w", streamID, err)
	}

	d.notify(ctx, Deletion{StreamID: streamID, ToSequenceNr: toSequenceNr, Permanent: true})
	return nil
}

// PurgeTombstones physically removes rows that are already soft-deleted, at
// or below toSequenceNr. Live entries are left alone. No completion
// notification is published; this is housekeeping, not a caller-visible
// delete.
func (d *Deleter) PurgeTombstones(ctx context.Context, streamID string, toSequenceNr uint64) error {
	ctx, span := d.tracer.Start(ctx, "Deleter.PurgeTombstones",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("to_sequence_nr", int64(toSequenceNr)),
		),
	)
	defer span.End()

	err := d.eachRow(ctx, streamID, toSequenceNr, func(ctx context.Context, row kv.Row) error {
		marker, err := ParseMarker(row.Columns[kv.QualifierMarker])
		if err != nil {
			return fmt.Errorf("row %q: %w", row.Key, err)
		}
		if marker != MarkerDeleted {
			return nil
		}
		return d.client.Delete(ctx, row.Key)
	})
	if err != nil {
		return fmt.Errorf("purging tombstones for stream %s: %w", streamID, err)
	}
	return nil
}

// eachRow scans the stream's range up to the ceiling, enumerating exact row
// keys (the store has no delete-range primitive), and applies op to each
// matching row. Per-row operations of one batch run concurrently; the next
// batch is fetched only after they all resolve, and the scan runs to
// exhaustion.
func (d *Deleter) eachRow(ctx context.Context, streamID string, toSequenceNr uint64, op func(context.Context, kv.Row) error) error {
	scanner, err := d.client.Scan(ctx,
		rowkey.RangeStart(streamID, 0),
		rowkey.RangeStop(streamID, toSequenceNr),
		d.batchSize,
	)
	if err != nil {
		return fmt.Errorf("opening scan: %w", err)
	}
	defer scanner.Close()

	pattern := rowkey.Pattern(streamID)
	rows := 0

	for {
		batch, err := scanner.Next(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, row := range batch {
			if !pattern.Match(row.Key) {
				continue
			}
			g.Go(func() error { return op(gctx, row) })
			rows++
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	d.logger.DebugContext(ctx, "delete range processed",
		slog.String("stream_id", streamID),
		slog.Int("rows", rows),
	)
	return nil
}

func (d *Deleter) notify(ctx context.Context, del Deletion) {
	d.mu.Lock()
	listeners := make([]DeletionListener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, l := range listeners {
		l(del)
	}

	d.logger.InfoContext(ctx, "deletion complete",
		slog.String("stream_id", del.StreamID),
		slog.Uint64("to_sequence_nr", del.ToSequenceNr),
		slog.Bool("permanent", del.Permanent),
	)
}
