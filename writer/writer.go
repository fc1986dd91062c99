package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/pkg/cache"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/telemetry"
)

// Config configures the batch writer.
type Config struct {
	// MaxBatchSize flushes the metric batch once it holds this many records.
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`
	// MaxBatchWait flushes a non-empty batch this long after the previous flush.
	MaxBatchWait time.Duration `json:"max_batch_wait" yaml:"max_batch_wait"`
	// DrainTimeout bounds how long shutdown keeps consuming queued items.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	// WriteTimeout bounds each persistence call.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// VerifyDevices rejects metrics for devices missing from the registry.
	VerifyDevices bool `json:"verify_devices" yaml:"verify_devices"`
	// DeviceCacheTTL is how long a known device is remembered.
	DeviceCacheTTL time.Duration `json:"device_cache_ttl" yaml:"device_cache_ttl"`
	// UnknownDeviceTTL is how long an unknown device is remembered.
	UnknownDeviceTTL time.Duration `json:"unknown_device_ttl" yaml:"unknown_device_ttl"`
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     100,
		MaxBatchWait:     time.Second,
		DrainTimeout:     5 * time.Second,
		WriteTimeout:     10 * time.Second,
		DeviceCacheTTL:   5 * time.Minute,
		UnknownDeviceTTL: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "max_batch_size must be positive")
	}
	if c.MaxBatchWait <= 0 || c.DrainTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"max_batch_wait, drain_timeout and write_timeout must be positive")
	}
	if c.VerifyDevices && (c.DeviceCacheTTL <= 0 || c.UnknownDeviceTTL <= 0) {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "device cache ttls must be positive")
	}
	return nil
}

// Writer is the single consumer of the ingestion queue. Raw blocks are
// written as they arrive; metric records are batched and upserted.
//
// All batch state is owned by the goroutine running Run.
type Writer struct {
	cfg     Config
	store   storage.Store
	items   <-chan telemetry.Item
	logger  *slog.Logger
	metrics *metric.PipelineMetrics
	now     func() time.Time

	devices   *cache.TTL[string, bool]
	registrar metric.MetricsRegistrar
	onRawFail func(*telemetry.RawBlock)

	batch     []telemetry.MetricRecord
	lastFlush time.Time

	rejectLogs rate.Sometimes

	drainOnce sync.Once
	drainCh   chan struct{}
	done      chan struct{}

	// shutdown writes run on abortCtx so Abort can cut them short
	abortCtx context.Context
	abort    context.CancelFunc
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records write outcomes to m.
func WithMetrics(m *metric.PipelineMetrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithCacheMetrics exports device cache metrics through r.
func WithCacheMetrics(r metric.MetricsRegistrar) Option {
	return func(w *Writer) { w.registrar = r }
}

// WithRawFailureHandler calls fn with every raw block whose write failed.
func WithRawFailureHandler(fn func(*telemetry.RawBlock)) Option {
	return func(w *Writer) { w.onRawFail = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a writer consuming items and persisting to store.
func New(cfg Config, store storage.Store, items <-chan telemetry.Item, opts ...Option) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || items == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Writer", "New", "store and item source are required")
	}

	w := &Writer{
		cfg:        cfg,
		store:      store,
		items:      items,
		logger:     slog.Default().With("component", "writer"),
		now:        time.Now,
		batch:      make([]telemetry.MetricRecord, 0, cfg.MaxBatchSize),
		rejectLogs: rate.Sometimes{Interval: 5 * time.Second},
		drainCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.abortCtx, w.abort = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(w)
	}

	if cfg.VerifyDevices {
		copts := []cache.Option[string, bool]{cache.WithClock[string, bool](w.now)}
		if w.registrar != nil {
			copts = append(copts, cache.WithMetrics[string, bool](w.registrar, "device_gate"))
		}
		devices, err := cache.NewTTL[string, bool](cfg.DeviceCacheTTL, cfg.DeviceCacheTTL, copts...)
		if err != nil {
			return nil, err
		}
		w.devices = devices
	}
	return w, nil
}

// Drain asks Run to finish: it flushes, keeps consuming queued items until
// the queue is closed and empty or DrainTimeout passes, flushes again and
// returns. Close the queue before calling Drain.
func (w *Writer) Drain() {
	w.drainOnce.Do(func() { close(w.drainCh) })
}

// Abort cancels in-flight and remaining shutdown writes. Items not yet
// persisted are discarded and Run returns promptly.
func (w *Writer) Abort() {
	w.abort()
}

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Run consumes items until the queue closes, Drain is called or ctx is done.
// Persistence failures are logged and counted, never returned.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.abort()
	if w.devices != nil {
		defer w.devices.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(w.abortCtx, cancel)()

	w.lastFlush = w.now()
	ticker := time.NewTicker(tickInterval(w.cfg.MaxBatchWait))
	defer ticker.Stop()

	for {
		if w.abortCtx.Err() != nil {
			w.drain(w.abortCtx, false)
			return nil
		}

		select {
		case <-ctx.Done():
			w.drain(w.abortCtx, false)
			return nil

		case <-w.drainCh:
			w.drain(w.abortCtx, true)
			return nil

		case item, ok := <-w.items:
			if !ok {
				w.flush(w.abortCtx, "closed")
				return nil
			}
			w.dispatch(ctx, item)

		case <-ticker.C:
			if len(w.batch) > 0 && w.now().Sub(w.lastFlush) >= w.cfg.MaxBatchWait {
				w.flush(ctx, "timeout")
			}
		}
	}
}

// tickInterval checks the batch age often enough that a record waits at most
// about a quarter of MaxBatchWait beyond it.
func tickInterval(wait time.Duration) time.Duration {
	return max(wait/4, time.Millisecond)
}

// drain flushes, consumes queued items and flushes again. With wait set it
// blocks for more items until the queue closes or DrainTimeout passes;
// otherwise it stops at the first empty read. ctx is the abort context.
func (w *Writer) drain(ctx context.Context, wait bool) {
	w.flush(ctx, "drain")

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()

	drained := 0
loop:
	for {
		if ctx.Err() != nil {
			w.logger.Warn("shutdown aborted, discarding queued items", "discarded", len(w.items))
			break loop
		}
		if !wait {
			select {
			case item, ok := <-w.items:
				if !ok {
					break loop
				}
				w.dispatch(ctx, item)
				drained++
				continue
			case <-timer.C:
				break loop
			default:
				break loop
			}
		}

		select {
		case item, ok := <-w.items:
			if !ok {
				break loop
			}
			w.dispatch(ctx, item)
			drained++
		case <-timer.C:
			w.logger.Warn("drain timeout, discarding queued items",
				"timeout", w.cfg.DrainTimeout, "discarded", len(w.items))
			break loop
		case <-ctx.Done():
		}
	}

	w.flush(ctx, "final")
	w.logger.Info("writer drained", "items", drained)
}

func (w *Writer) dispatch(ctx context.Context, item telemetry.Item) {
	defer func() { w.metrics.SetQueueDepth(len(w.items)) }()
	switch v := item.(type) {
	case *telemetry.RawBlock:
		w.writeRaw(ctx, v)
	case *telemetry.MetricRecord:
		w.addMetric(ctx, v)
	}
}

func (w *Writer) writeRaw(ctx context.Context, block *telemetry.RawBlock) {
	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	start := w.now()
	err := w.store.WriteRawBlock(wctx, block)
	if err != nil && w.onRawFail != nil {
		w.onRawFail(block)
	}
	w.metrics.RecordRawWrite(w.now().Sub(start), err)
	if err != nil {
		w.logger.Error("raw block write failed",
			"block_id", block.BlockID,
			"device_id", block.DeviceID,
			"payload_bytes", len(block.Payload),
			"error", err)
		return
	}
	w.logger.Debug("raw block written",
		"block_id", block.BlockID, "device_id", block.DeviceID, "samples", block.SampleCount)
}

func (w *Writer) addMetric(ctx context.Context, rec *telemetry.MetricRecord) {
	if rec.DeviceID == "" {
		w.reject(rec, errors.ErrMissingDevice)
		return
	}
	if w.devices != nil && !w.deviceKnown(ctx, rec.DeviceID) {
		w.reject(rec, errors.ErrUnknownDevice)
		return
	}

	w.batch = append(w.batch, *rec)
	if len(w.batch) >= w.cfg.MaxBatchSize {
		w.flush(ctx, "size")
	}
}

func (w *Writer) reject(rec *telemetry.MetricRecord, reason error) {
	w.metrics.RecordMessageRejected(errors.Reason(reason))
	w.rejectLogs.Do(func() {
		w.logger.Warn("metric record rejected",
			"device_id", rec.DeviceID, "ts_ms", rec.TimestampMillis, "reason", reason)
	})
}

// deviceKnown consults the cache, then the registry. Lookup errors let the
// record through and are not cached.
func (w *Writer) deviceKnown(ctx context.Context, deviceID string) bool {
	if known, ok := w.devices.Get(deviceID); ok {
		return known
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	known, err := w.store.DeviceExists(wctx, deviceID)
	if err != nil {
		w.logger.Warn("device lookup failed, accepting record", "device_id", deviceID, "error", err)
		return true
	}
	if known {
		w.devices.Set(deviceID, true)
	} else {
		w.devices.SetWithTTL(deviceID, false, w.cfg.UnknownDeviceTTL)
	}
	return known
}

func (w *Writer) flush(ctx context.Context, trigger string) {
	w.lastFlush = w.now()
	if len(w.batch) == 0 {
		return
	}

	batch := w.batch
	w.batch = make([]telemetry.MetricRecord, 0, w.cfg.MaxBatchSize)

	if err := ctx.Err(); err != nil {
		w.metrics.RecordMetricFlush(len(batch), 0, err)
		w.logger.Error("metric batch discarded, shutdown aborted", "size", len(batch), "trigger", trigger)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	start := w.now()
	err := w.store.UpsertMetricBatch(wctx, batch)
	w.metrics.RecordMetricFlush(len(batch), w.now().Sub(start), err)
	if err != nil {
		w.logger.Error("metric batch flush failed",
			"size", len(batch),
			"first_key", keyString(batch[0].Key()),
			"last_key", keyString(batch[len(batch)-1].Key()),
			"trigger", trigger,
			"error", err)
		return
	}
	w.logger.Debug("metric batch flushed", "size", len(batch), "trigger", trigger)
}

func keyString(k telemetry.MetricKey) string {
	return fmt.Sprintf("%s@%d", k.DeviceID, k.TimestampMillis)
}
