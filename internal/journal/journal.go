// Package journal implements the append-only per-stream event log: the
// asynchronous write path, the replay engine and the deletion subsystem. All
// three operate on the same sorted key-value table, keyed by
// rowkey.Encode(streamID, sequenceNr).
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/rowkey"
)

// ErrJournalClosed is returned for appends issued after Close.
var ErrJournalClosed = errors.New("journal: closed")

// Ack tracks completion of a single append. The write has been acknowledged
// by the store (or has failed) once Done is closed.
type Ack struct {
	done chan struct{}
	err  error
}

func newAck() *Ack { return &Ack{done: make(chan struct{})} }

// Done is closed when the append has completed.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the append's outcome. Only valid after Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the append completes or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Ack) resolve(err error) {
	a.err = err
	close(a.done)
}

type pendingWrite struct {
	key     []byte
	columns map[string][]byte
	ack     *Ack
}

// Journal is the asynchronous write path. Appends are buffered and submitted
// by a background writer; each append resolves its own acknowledgment when
// the store accepts or rejects the put. The journal performs no retries and
// enforces no ordering across concurrent appends beyond the order calls
// enqueue in.
type Journal struct {
	client kv.Client
	cfg    config.JournalConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	pending []pendingWrite
	closed  bool

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a journal writing through the given client.
func New(client kv.Client, cfg config.JournalConfig, logger *slog.Logger, tp trace.TracerProvider) *Journal {
	if cfg.WriteBufferSize < 1 {
		cfg.WriteBufferSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	j := &Journal{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/streamjournal/internal/journal"),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Append enqueues one entry and returns its acknowledgment. Sequence numbers
// must be positive and are the caller's responsibility; appending the same
// (stream, sequence) twice overwrites the row.
func (j *Journal) Append(ctx context.Context, streamID string, sequenceNr uint64, payload []byte) (*Ack, error) {
	_, span := j.tracer.Start(ctx, "Journal.Append",
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.Int64("sequence_nr", int64(sequenceNr)),
		),
	)
	defer span.End()

	if streamID == "" {
		return nil, fmt.Errorf("append: empty stream id")
	}
	if sequenceNr == 0 {
		return nil, fmt.Errorf("append: sequence number must be positive")
	}

	e := Entry{StreamID: streamID, SequenceNr: sequenceNr, Marker: MarkerNormal, Payload: payload}
	w := pendingWrite{
		key:     rowkey.Encode(streamID, sequenceNr),
		columns: e.columns(),
		ack:     newAck(),
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil, ErrJournalClosed
	}
	j.pending = append(j.pending, w)
	full := len(j.pending) >= j.cfg.WriteBufferSize
	j.mu.Unlock()

	if full {
		j.nudge()
	}
	return w.ack, nil
}

// Flush forces the current write buffer out to the store. It does not wait
// for acknowledgment of the buffered writes.
func (j *Journal) Flush(ctx context.Context) error {
	j.submit()
	return j.client.Flush(ctx)
}

// Close drains the buffer, stops the writer and releases the client
// reference. Appends issued after Close fail with ErrJournalClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stop)
	j.wg.Wait()
	return j.client.Close()
}

func (j *Journal) nudge() {
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			j.submit()
			return
		case <-j.kick:
			j.submit()
		case <-ticker.C:
			j.submit()
		}
	}
}

// submit writes out everything buffered so far, resolving each ack with its
// own put outcome.
func (j *Journal) submit() {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	for _, w := range batch {
		err := j.client.Put(ctx, w.key, w.columns)
		if err != nil {
			j.logger.ErrorContext(ctx, "journal put failed",
				slog.String("row_key", string(w.key)),
				slog.Any("error", err),
			)
		}
		w.ack.resolve(err)
	}
}
