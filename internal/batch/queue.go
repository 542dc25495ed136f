// Package batch provides the event batching queue: a FIFO buffer that
// accumulates outgoing telemetry records and flushes them to a delivery sink
// when the batch reaches a configured size, after a time interval, or on a
// page-lifecycle signal.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
)

// Sink delivers a flushed batch. A failed delivery is logged and the batch
// is dropped; telemetry is best-effort and never retried after the fact.
type Sink interface {
	Deliver(ctx context.Context, records []telemetry.QueuedRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, records []telemetry.QueuedRecord) error

func (f SinkFunc) Deliver(ctx context.Context, records []telemetry.QueuedRecord) error {
	return f(ctx, records)
}

// Queue buffers telemetry records awaiting delivery. Adding the record that
// reaches the size threshold flushes synchronously; otherwise a flush timer
// is armed if one is not already pending. The swap-and-clear inside a flush
// is a single locked step, so no record is ever both sent and retained.
type Queue struct {
	mu       sync.Mutex
	buffer   []telemetry.QueuedRecord
	size     int
	interval time.Duration
	timer    *time.Timer
	closed   bool

	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewQueue creates a Queue flushing to sink. m may be nil when metrics are
// not wanted (tests, the load driver).
func NewQueue(sink Sink, cfg config.BatchConfig, m *metrics.Metrics) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Queue{
		buffer:   make([]telemetry.QueuedRecord, 0, cfg.Size),
		size:     cfg.Size,
		interval: cfg.FlushInterval,
		sink:     sink,
		logger:   slog.Default().With("component", "batch-queue"),
		metrics:  m,
		now:      time.Now,
	}
}

// Add appends a record to the tail of the queue. Reaching the size threshold
// triggers a synchronous flush, which cancels any pending timer; otherwise a
// timer is armed unless one is already running.
func (q *Queue) Add(record telemetry.QueuedRecord) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop("closed", 1)
		return
	}
	if record.QueuedAt.IsZero() {
		record.QueuedAt = q.now()
	}
	q.buffer = append(q.buffer, record)

	if len(q.buffer) >= q.size {
		batch := q.swapLocked()
		q.mu.Unlock()
		q.deliver(context.Background(), batch, "size")
		return
	}

	if q.timer == nil {
		q.timer = time.AfterFunc(q.interval, q.timerFlush)
	}
	q.mu.Unlock()
}

// Flush delivers everything currently queued. It is safe to call from any
// goroutine and at any time; concurrent calls cannot double-send because the
// buffer swap happens under the lock.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.swapLocked()
	q.mu.Unlock()
	q.deliver(ctx, batch, "lifecycle")
}

// Len returns the number of records currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Close flushes any remaining records and rejects further Adds.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	batch := q.swapLocked()
	q.mu.Unlock()
	q.deliver(ctx, batch, "close")
}

// swapLocked exchanges the buffer for an empty one and cancels any pending
// timer. Callers must hold q.mu.
func (q *Queue) swapLocked() []telemetry.QueuedRecord {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.buffer) == 0 {
		return nil
	}
	batch := q.buffer
	q.buffer = make([]telemetry.QueuedRecord, 0, q.size)
	return batch
}

func (q *Queue) timerFlush() {
	q.mu.Lock()
	q.timer = nil
	batch := q.swapLocked()
	q.mu.Unlock()
	q.deliver(context.Background(), batch, "timer")
}

func (q *Queue) deliver(ctx context.Context, batch []telemetry.QueuedRecord, trigger string) {
	if len(batch) == 0 {
		return
	}
	if err := q.sink.Deliver(ctx, batch); err != nil {
		q.logger.Error("batch delivery failed",
			"trigger", trigger,
			"records", len(batch),
			"error", err,
		)
		if q.metrics != nil {
			q.metrics.BatchFlushesTotal.WithLabelValues(trigger, "error").Inc()
		}
		q.drop("delivery_failed", len(batch))
		return
	}
	q.logger.Debug("batch flushed", "trigger", trigger, "records", len(batch))
	if q.metrics != nil {
		q.metrics.BatchFlushesTotal.WithLabelValues(trigger, "ok").Inc()
		q.metrics.BatchFlushSize.Observe(float64(len(batch)))
	}
}

func (q *Queue) drop(reason string, n int) {
	if q.metrics != nil {
		q.metrics.EventsDroppedTotal.WithLabelValues(reason).Add(float64(n))
	}
}
