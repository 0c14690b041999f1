// Package batch accumulates parsed records into bounded batches and flushes
// them to a storage backend on a size or time trigger.
//
// A single consumer goroutine owns the in-progress buffer, matching the
// "exactly one writer into the active partition at a time" rule: nothing
// else touches the buffer, so no mutex guards it. Submission is
// non-blocking try-enqueue onto a bounded channel; a full channel drops the
// record rather than stall the caller (the UDP receive loop, in practice).
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"syslogd/internal/logging"
	"syslogd/internal/record"
)

// ErrQueueFull is returned by Submit when the bounded queue is at capacity.
var ErrQueueFull = errors.New("batch: queue full")

// Backend is the minimal sink a Batcher flushes to. store.Backend satisfies
// this; it is declared locally to keep this package independent of the
// concrete storage implementations.
type Backend interface {
	WriteBatch(ctx context.Context, batchID uuid.UUID, records []*record.LogRecord) (int, error)
}

// Config holds batcher tuning parameters.
type Config struct {
	// BatchSize is the record-count flush threshold. Default 100.
	BatchSize int

	// BatchTimeout is how long the oldest buffered record may wait before
	// a flush is forced. Default 5s. The timer starts when the first
	// record enters an empty buffer and resets after every flush.
	BatchTimeout time.Duration

	// QueueCapacity bounds the channel between Submit and the consumer.
	// Default BatchSize * 10.
	QueueCapacity int

	// FlushHardTimeout bounds a single flush attempt (including retries).
	// Default 30s, per the shutdown drain cap in the concurrency model.
	FlushHardTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize * 10
	}
	if c.FlushHardTimeout <= 0 {
		c.FlushHardTimeout = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of the batcher's atomic counters.
type Stats struct {
	Submitted      int64
	DroppedQueue   int64
	BatchesFlushed int64
	BatchErrors    int64
	RecordsFlushed int64
}

// Batcher accumulates LogRecords and flushes them to a Backend.
type Batcher struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	queue chan *record.LogRecord

	submitted      atomic.Int64
	droppedQueue   atomic.Int64
	batchesFlushed atomic.Int64
	batchErrors    atomic.Int64
	recordsFlushed atomic.Int64

	flushNow chan chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Batcher bound to backend. Call Run to start the consumer
// goroutine; Run blocks until ctx is cancelled.
func New(backend Backend, cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		cfg:      cfg,
		backend:  backend,
		logger:   logging.Default(cfg.Logger).With("component", "batcher"),
		queue:    make(chan *record.LogRecord, cfg.QueueCapacity),
		flushNow: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
}

// Submit enqueues rec without blocking. If the queue is at capacity, rec is
// dropped and the drop counter is incremented; the caller is never blocked
// on backend I/O. Safe for concurrent use.
func (b *Batcher) Submit(rec *record.LogRecord) error {
	select {
	case b.queue <- rec:
		b.submitted.Add(1)
		return nil
	default:
		b.droppedQueue.Add(1)
		b.logger.Debug("queue full, dropping record")
		return ErrQueueFull
	}
}

// FlushNow forces an immediate flush of whatever is currently buffered and
// waits for it to complete. It is safe to call concurrently with Submit and
// with the consumer's own timer-driven flushes.
func (b *Batcher) FlushNow(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case b.flushNow <- ack:
	case <-b.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of the batcher's counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Submitted:      b.submitted.Load(),
		DroppedQueue:   b.droppedQueue.Load(),
		BatchesFlushed: b.batchesFlushed.Load(),
		BatchErrors:    b.batchErrors.Load(),
		RecordsFlushed: b.recordsFlushed.Load(),
	}
}

// Run is the consumer loop. It owns the buffer exclusively; no other
// goroutine reads or writes it. Run returns when ctx is cancelled, after
// performing one final flush of whatever remains buffered.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.done)

	buf := make([]*record.LogRecord, 0, b.cfg.BatchSize)
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	armTimer := func() {
		if timer == nil {
			timer = time.NewTimer(b.cfg.BatchTimeout)
			timerC = timer.C
		}
	}

	flush := func(reason string) {
		if len(buf) == 0 {
			return
		}
		b.doFlush(ctx, buf, reason)
		buf = make([]*record.LogRecord, 0, b.cfg.BatchSize)
		stopTimer()
	}

	for {
		select {
		case rec := <-b.queue:
			buf = append(buf, rec)
			armTimer()
			if len(buf) >= b.cfg.BatchSize {
				flush("size")
			}

		case <-timerC:
			flush("timeout")

		case ack := <-b.flushNow:
			flush("manual")
			close(ack)

		case <-ctx.Done():
			b.drainAndFlush(buf)
			return nil
		}
	}
}

// drainAndFlush is called once, on shutdown: it pulls whatever is already
// sitting in the queue (non-blocking) into the buffer, then performs one
// final flush, bounded by FlushHardTimeout.
func (b *Batcher) drainAndFlush(buf []*record.LogRecord) {
	for {
		select {
		case rec := <-b.queue:
			buf = append(buf, rec)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushHardTimeout)
			defer cancel()
			b.doFlush(ctx, buf, "shutdown")
			return
		}
	}
}

// doFlush hands buf to the backend as a single batch and updates counters.
// Failure handling (retry/backoff/drop) is the backend's responsibility
// (internal/store); doFlush only counts the outcome.
func (b *Batcher) doFlush(ctx context.Context, buf []*record.LogRecord, reason string) {
	batchID := uuid.Must(uuid.NewV7())
	flushCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushHardTimeout)
	defer cancel()

	n, err := b.backend.WriteBatch(flushCtx, batchID, buf)
	b.batchesFlushed.Add(1)
	b.recordsFlushed.Add(int64(n))
	if err != nil {
		b.batchErrors.Add(1)
		b.logger.Error("batch flush failed", "batch_id", batchID, "reason", reason, "count", len(buf), "written", n, "error", err)
		return
	}
	b.logger.Debug("batch flushed", "batch_id", batchID, "reason", reason, "count", n)
}
