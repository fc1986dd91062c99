package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/ingest"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/reassembly"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/telemetry"
	"github.com/c360/sensorstream/writer"
)

// Config groups the settings of every pipeline stage.
type Config struct {
	// Delimiter used by HandleMessage; transports may bind their own with Handler.
	Delimiter  string            `json:"delimiter" yaml:"delimiter"`
	Queue      ingest.Config     `json:"queue" yaml:"queue"`
	Reassembly reassembly.Config `json:"reassembly" yaml:"reassembly"`
	Writer     writer.Config     `json:"writer" yaml:"writer"`
}

// DefaultConfig returns defaults for all stages.
func DefaultConfig() Config {
	return Config{
		Delimiter:  telemetry.MQTTDelimiter,
		Queue:      ingest.DefaultConfig(),
		Reassembly: reassembly.DefaultConfig(),
		Writer:     writer.DefaultConfig(),
	}
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	Store   storage.Store
	Logger  *slog.Logger
	Metrics *metric.PipelineMetrics
	// Registrar receives auxiliary metrics such as the device cache. Optional.
	Registrar metric.MetricsRegistrar
}

// HandlerFunc is the receive-path entrypoint a transport calls per message.
type HandlerFunc func(routingKey string, payload []byte) error

// Pipeline owns the classifier, reassembly buffer, ingestion queue and batch
// writer for one process. Receive goroutines call HandleMessage or Submit;
// neither blocks on storage.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.PipelineMetrics

	classifiers sync.Map // delimiter -> *telemetry.Classifier
	buffer      *reassembly.Buffer
	queue       *ingest.Queue[telemetry.Item]
	writer      *writer.Writer

	accepting   atomic.Bool
	lastMessage atomic.Int64
	lastMetric  atomic.Pointer[telemetry.MetricRecord]
	rejectLogs  rate.Sometimes

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New wires the pipeline stages. Call Start before submitting messages.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Pipeline", "New", "store is required")
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = telemetry.MQTTDelimiter
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:        cfg,
		logger:     logger.With("component", "pipeline"),
		metrics:    deps.Metrics,
		rejectLogs: rate.Sometimes{Interval: 5 * time.Second},
	}

	p.queue = ingest.New[telemetry.Item](cfg.Queue,
		ingest.WithLogger(logger.With("component", "queue")),
		ingest.WithMetrics(deps.Metrics))

	p.buffer = reassembly.New(cfg.Reassembly, p.emit,
		reassembly.WithLogger(logger.With("component", "reassembly")),
		reassembly.WithMetrics(deps.Metrics),
		reassembly.WithCacheMetrics(deps.Registrar))

	// a block whose write failed may be reassembled from a redelivery
	w, err := writer.New(cfg.Writer, deps.Store, p.queue.Items(),
		writer.WithLogger(logger.With("component", "writer")),
		writer.WithMetrics(deps.Metrics),
		writer.WithCacheMetrics(deps.Registrar),
		writer.WithRawFailureHandler(func(b *telemetry.RawBlock) { p.buffer.Forget(b.BlockID) }))
	if err != nil {
		return nil, err
	}
	p.writer = w

	return p, nil
}

// Start launches the writer and the reassembly sweeper and opens the
// pipeline for input.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", "Start", "start")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.writer.Run(gctx) })
	g.Go(func() error { return p.buffer.Run(gctx) })

	p.cancel = cancel
	p.group = g
	p.started = true
	p.accepting.Store(true)

	p.logger.Info("pipeline started",
		"queue_capacity", p.queue.Cap(),
		"max_batch_size", p.cfg.Writer.MaxBatchSize,
		"max_batch_wait", p.cfg.Writer.MaxBatchWait)
	return nil
}

// Stop shuts down in order: stop accepting input, close the queue so the
// writer drains and flushes, stop the sweeper, discard incomplete blocks.
// If ctx expires first, in-flight writes are aborted and whatever is still
// queued is discarded, so Stop returns shortly after the deadline.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	p.accepting.Store(false)
	p.queue.Close()
	p.writer.Drain()

	select {
	case <-p.writer.Done():
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached before writer drained", "error", ctx.Err())
		p.writer.Abort()
	}

	p.cancel()
	err := p.group.Wait()

	if n := p.buffer.Discard(); n > 0 {
		p.logger.Info("discarded incomplete blocks on shutdown", "count", n)
	}
	offered, dropped := p.queue.Stats()
	p.logger.Info("pipeline stopped", "queued_total", offered, "dropped_total", dropped)
	return err
}

// HandleMessage classifies a message using the configured delimiter and
// submits it.
func (p *Pipeline) HandleMessage(routingKey string, payload []byte) error {
	return p.handle(p.classifier(p.cfg.Delimiter), routingKey, payload)
}

// Handler returns a HandlerFunc that classifies with delimiter, for
// transports whose routing keys use a different separator.
func (p *Pipeline) Handler(delimiter string) HandlerFunc {
	c := p.classifier(delimiter)
	return func(routingKey string, payload []byte) error {
		return p.handle(c, routingKey, payload)
	}
}

func (p *Pipeline) classifier(delimiter string) *telemetry.Classifier {
	if c, ok := p.classifiers.Load(delimiter); ok {
		return c.(*telemetry.Classifier)
	}
	c, _ := p.classifiers.LoadOrStore(delimiter, telemetry.NewClassifier(delimiter))
	return c.(*telemetry.Classifier)
}

func (p *Pipeline) handle(c *telemetry.Classifier, routingKey string, payload []byte) error {
	msg, err := c.Classify(routingKey, payload)
	if err != nil {
		p.reject(routingKey, err)
		return err
	}
	return p.Submit(msg)
}

// Submit routes a classified message: metrics to the queue, raw meta and
// chunks to the reassembly buffer. It returns errors.ErrQueueFull when a
// metric was dropped; that drop is already counted by the queue.
func (p *Pipeline) Submit(msg telemetry.Message) error {
	if !p.accepting.Load() {
		err := errors.WrapTransient(errors.ErrQueueClosed, "Pipeline", "Submit", "accept message")
		p.reject(msg.Topic.DeviceID, err)
		return err
	}

	p.lastMessage.Store(time.Now().UnixNano())
	p.metrics.RecordMessageReceived(msg.Topic.Kind.String())

	var err error
	switch {
	case msg.Metric != nil:
		p.lastMetric.Store(msg.Metric)
		if !p.queue.Offer(msg.Metric) {
			return errors.WrapTransient(errors.ErrQueueFull, "Pipeline", "Submit", "offer metric")
		}
	case msg.Meta != nil:
		err = p.buffer.OnMeta(msg.Meta)
	case msg.Chunk != nil:
		err = p.buffer.OnChunk(msg.Chunk)
	default:
		err = errors.WrapInvalid(errors.ErrUnhandled, "Pipeline", "Submit", "empty message")
	}

	if err != nil {
		p.reject(msg.Topic.DeviceID, err)
	}
	return err
}

// emit hands a completed block to the queue. It runs outside the buffer lock.
func (p *Pipeline) emit(block *telemetry.RawBlock) {
	p.queue.Offer(block)
}

func (p *Pipeline) reject(source string, err error) {
	reason := errors.Reason(err)
	p.metrics.RecordMessageRejected(reason)
	p.logger.Debug("message rejected", "source", source, "reason", reason, "error", err)
	p.rejectLogs.Do(func() {
		p.logger.Warn("rejecting messages", "reason", reason, "error", err)
	})
}

// Stats is a snapshot of pipeline state for health reporting.
type Stats struct {
	Accepting     bool      `json:"accepting"`
	PendingBlocks int       `json:"pending_blocks"`
	QueueLength   int       `json:"queue_length"`
	QueueCapacity int       `json:"queue_capacity"`
	Queued        int64     `json:"queued_total"`
	Dropped       int64     `json:"dropped_total"`
	LastMessage   time.Time `json:"last_message"`

	// LastMetric is the most recent metric record received, as submitted.
	LastMetric *telemetry.MetricRecord `json:"last_metric,omitempty"`
}

// Stats returns current pipeline state.
func (p *Pipeline) Stats() Stats {
	offered, dropped := p.queue.Stats()
	s := Stats{
		Accepting:     p.accepting.Load(),
		PendingBlocks: p.buffer.Pending(),
		QueueLength:   p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
		Queued:        offered,
		Dropped:       dropped,
		LastMetric:    p.lastMetric.Load(),
	}
	if ns := p.lastMessage.Load(); ns > 0 {
		s.LastMessage = time.Unix(0, ns)
	}
	return s
}

// Healthy reports an error when the pipeline is not accepting input.
func (p *Pipeline) Healthy() error {
	if !p.accepting.Load() {
		return errors.ErrNotStarted
	}
	return nil
}
