package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/realtime"
)

const (
	DefaultQueueSize  = 4096
	DefaultMaxRetries = 5
)

// WriterConfig tunes the persistence queue.
type WriterConfig struct {
	QueueSize       int
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// FlushTimeout bounds how long Run keeps writing queued jobs after its
	// context is done.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

type job struct {
	kind string
	room string
	seq  uint64
	run  func(ctx context.Context) error
}

// Writer persists accepted room changes off the hot path. It implements
// realtime.Persister: enqueueing never blocks, and a write that still fails
// after its retries is logged as divergence. Accepted events are never
// rolled back.
type Writer struct {
	sink    Sink
	cfg     WriterConfig
	queue   chan job
	logger  *slog.Logger
	written metric.Int64Counter
	failed  metric.Int64Counter
}

var _ realtime.Persister = (*Writer)(nil)

// NewWriter creates a writer for sink. Call Run to start it.
func NewWriter(sink Sink, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	meter := otel.Meter("campaignsync/storage")
	written, _ := meter.Int64Counter("storage.writes", metric.WithDescription("Persisted room changes"))
	failed, _ := meter.Int64Counter("storage.divergences", metric.WithDescription("Room changes that could not be persisted"))
	return &Writer{
		sink:    sink,
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		logger:  logger,
		written: written,
		failed:  failed,
	}
}

// PersistEvent queues evt for storage.
func (w *Writer) PersistEvent(evt realtime.SyncEvent) {
	w.enqueue(job{
		kind: "event",
		room: evt.Room.String(),
		seq:  evt.Sequence,
		run:  func(ctx context.Context) error { return w.sink.AppendEvent(ctx, evt) },
	})
}

// PersistEncounter queues the latest encounter state of a room.
func (w *Writer) PersistEncounter(key realtime.RoomKey, state combat.State) {
	w.enqueue(job{
		kind: "encounter",
		room: key.String(),
		run:  func(ctx context.Context) error { return w.sink.SaveEncounter(ctx, key, state) },
	})
}

// ArchiveSession queues the archival of a session.
func (w *Writer) ArchiveSession(sessionID string) {
	w.enqueue(job{
		kind: "archive",
		room: "session:" + sessionID,
		run:  func(ctx context.Context) error { return w.sink.ArchiveSession(ctx, sessionID) },
	})
}

func (w *Writer) enqueue(j job) {
	select {
	case w.queue <- j:
	default:
		w.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		w.logger.Error("persistence queue full", "diverged", true, "kind", j.kind, "room", j.room, "seq", j.seq)
	}
}

// Pending returns the number of queued jobs.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Run writes queued jobs in order until ctx is done, then flushes what is
// left within the flush timeout. A write in flight when ctx ends still gets
// its retries.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case j := <-w.queue:
			w.write(context.WithoutCancel(ctx), j)
		case <-ctx.Done():
			w.flush()
			return nil
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()
	for {
		select {
		case j := <-w.queue:
			w.write(ctx, j)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, j job) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialInterval
	policy.MaxInterval = w.cfg.MaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := j.run(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(w.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("persist retry", "kind", j.kind, "room", j.room, "seq", j.seq, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		w.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "write")))
		w.logger.Error("persist failed", "diverged", true, "kind", j.kind, "room", j.room, "seq", j.seq, "attempts", attempts, "error", err)
		return
	}
	w.written.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", j.kind)))
}

// retryable reports whether a sink error may clear up on its own.
func retryable(err error) bool {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}
