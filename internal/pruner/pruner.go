// Package pruner implements retention: it keeps the newest N snapshots per
// stream, removes the superseded ones, and optionally purges journal
// tombstones that fall below the oldest retained snapshot.
package pruner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/journal"
	"github.com/jensholdgaard/streamjournal/internal/snapshot"
)

// Pruner runs retention passes over the snapshot store and journal.
type Pruner struct {
	snapshots snapshot.Store
	deleter   *journal.Deleter
	cfg       config.RetentionConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New returns a pruner. deleter may be nil when tombstone purging is
// disabled.
func New(snapshots snapshot.Store, deleter *journal.Deleter, cfg config.RetentionConfig, logger *slog.Logger, tp trace.TracerProvider) *Pruner {
	return &Pruner{
		snapshots: snapshots,
		deleter:   deleter,
		cfg:       cfg,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/streamjournal/internal/pruner"),
	}
}

// Run executes one retention pass across all streams. Streams that fail are
// logged and skipped so one bad stream cannot block retention for the rest;
// the first error is still reported to the caller.
func (p *Pruner) Run(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "Pruner.Run")
	defer span.End()

	descs, err := p.snapshots.List(ctx)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	byStream := make(map[string][]snapshot.Descriptor)
	for _, d := range descs {
		byStream[d.StreamID] = append(byStream[d.StreamID], d)
	}

	var firstErr error
	pruned := 0
	for streamID, streamDescs := range byStream {
		n, err := p.pruneStream(ctx, streamID, streamDescs)
		if err != nil {
			p.logger.ErrorContext(ctx, "retention failed for stream",
				slog.String("stream_id", streamID),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pruned += n
	}

	span.SetAttributes(attribute.Int("snapshots_pruned", pruned))
	p.logger.InfoContext(ctx, "retention pass complete",
		slog.Int("streams", len(byStream)),
		slog.Int("snapshots_pruned", pruned),
	)
	return firstErr
}

// pruneStream removes all but the newest keep snapshots of one stream and
// returns how many it removed.
func (p *Pruner) pruneStream(ctx context.Context, streamID string, descs []snapshot.Descriptor) (int, error) {
	keep := p.cfg.KeepSnapshots
	if keep < 1 {
		keep = 1
	}

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].SequenceNr != descs[j].SequenceNr {
			return descs[i].SequenceNr > descs[j].SequenceNr
		}
		return descs[i].Timestamp.After(descs[j].Timestamp)
	})

	pruned := 0
	if len(descs) > keep {
		for _, d := range descs[keep:] {
			if err := p.snapshots.Delete(ctx, d); err != nil {
				return pruned, err
			}
			pruned++
		}
	}

	if p.cfg.PurgeTombstones && p.deleter != nil {
		// Tombstones below the newest retained snapshot can never be
		// replayed again; reclaim them.
		floor := descs[0].SequenceNr
		if err := p.deleter.PurgeTombstones(ctx, streamID, floor); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// Schedule starts a scheduler running the pruner at the configured interval.
// The caller owns the returned scheduler and must Shutdown it.
func Schedule(p *Pruner, interval time.Duration, logger *slog.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := p.Run(ctx); err != nil {
				logger.Error("retention pass failed", slog.Any("error", err))
			}
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("registering retention job: %w", err)
	}

	s.Start()
	return s, nil
}
