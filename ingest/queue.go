package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 1000

// Config configures a Queue.
type Config struct {
	Capacity int `json:"capacity" yaml:"capacity"`
	// DropLogInterval limits how often a full queue is logged.
	DropLogInterval time.Duration `json:"drop_log_interval" yaml:"drop_log_interval"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		DropLogInterval: 5 * time.Second,
	}
}

// Queue is a bounded FIFO between the receive path and the writer. Offer
// never blocks: when the queue is full the item is dropped and counted.
// Any number of goroutines may Offer; ordering holds per producer only.
type Queue[T any] struct {
	items chan T

	lifecycleMu sync.RWMutex
	closed      bool

	offered atomic.Int64
	dropped atomic.Int64

	logger   *slog.Logger
	metrics  *metric.PipelineMetrics
	dropLogs rate.Sometimes
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.PipelineMetrics
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metric.PipelineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a queue.
func New[T any](cfg Config, opts ...Option) *Queue[T] {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DropLogInterval <= 0 {
		cfg.DropLogInterval = def.DropLogInterval
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "ingest-queue")
	}

	return &Queue[T]{
		items:    make(chan T, cfg.Capacity),
		logger:   o.logger,
		metrics:  o.metrics,
		dropLogs: rate.Sometimes{First: 1, Interval: cfg.DropLogInterval},
	}
}

// Offer enqueues item without blocking. It returns false if the item was
// dropped because the queue is full or closed.
func (q *Queue[T]) Offer(item T) bool {
	q.lifecycleMu.RLock()
	defer q.lifecycleMu.RUnlock()

	if q.closed {
		q.drop("closed")
		return false
	}

	select {
	case q.items <- item:
		q.offered.Add(1)
		q.metrics.SetQueueDepth(len(q.items))
		return true
	default:
		q.drop("full")
		return false
	}
}

func (q *Queue[T]) drop(state string) {
	total := q.dropped.Add(1)
	q.metrics.RecordQueueDropped()
	q.dropLogs.Do(func() {
		q.logger.Warn("ingestion queue "+state+", item dropped",
			"capacity", cap(q.items), "dropped_total", total)
	})
}

// Take blocks until an item is available. It returns errors.ErrQueueClosed
// once the queue is closed and empty, or ctx.Err() if ctx is done first.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.items:
		if !ok {
			return zero, errors.ErrQueueClosed
		}
		q.metrics.SetQueueDepth(len(q.items))
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Items exposes the receive side for select-based consumers. The channel is
// closed by Close; items offered before Close remain readable.
func (q *Queue[T]) Items() <-chan T {
	return q.items
}

// Close stops accepting items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Stats returns how many items were accepted and dropped.
func (q *Queue[T]) Stats() (offered, dropped int64) {
	return q.offered.Load(), q.dropped.Load()
}
