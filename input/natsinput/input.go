package natsinput

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/natsclient"
	"github.com/c360/sensorstream/pipeline"
)

// Default subscriptions cover metric subjects and everything below them.
var DefaultSubjects = []string{
	"v1.device.*.telemetry",
	"v1.device.*.telemetry.>",
}

// Config configures the NATS input.
type Config struct {
	Subjects []string `json:"subjects" yaml:"subjects"`
	// QueueGroup load-balances each message across group members. Chunks of
	// one raw block can then reach different processes and never complete,
	// so set it only when every member's subjects are partitioned by device.
	QueueGroup string `json:"queue_group,omitempty" yaml:"queue_group,omitempty"`
}

// DefaultConfig returns the default subscriptions without a queue group.
func DefaultConfig() Config {
	return Config{
		Subjects: append([]string(nil), DefaultSubjects...),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Subjects) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "at least one subject is required")
	}
	for _, s := range c.Subjects {
		if s == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "empty subject")
		}
	}
	return nil
}

// Subscriber is the part of natsclient.Client the input uses.
type Subscriber interface {
	QueueSubscribe(ctx context.Context, subject, queue string, handler natsclient.MessageHandler) error
}

// Input feeds NATS messages into a pipeline handler.
type Input struct {
	cfg    Config
	client Subscriber
	handle pipeline.HandlerFunc
	logger *slog.Logger

	lifecycleMu sync.Mutex
	running     atomic.Bool

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errors           atomic.Int64
	lastActivity     atomic.Int64 // unix nanos

	errorLogs rate.Sometimes
}

// New creates an input. handle is usually pipeline.Handler(telemetry.NATSDelimiter).
func New(cfg Config, client Subscriber, handle pipeline.HandlerFunc, logger *slog.Logger) (*Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || handle == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Input", "New", "client and handler are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueGroup != "" {
		logger.Warn("NATS queue group set, raw blocks complete only if each device's subjects reach one member",
			"queue_group", cfg.QueueGroup)
	}
	return &Input{
		cfg:       cfg,
		client:    client,
		handle:    handle,
		logger:    logger.With("component", "nats-input"),
		errorLogs: rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

// Start subscribes to every configured subject. Subscriptions live until the
// client is closed; after Stop incoming messages are ignored.
func (i *Input) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Input", "Start", "check started state")
	}

	// running is set first so messages delivered during subscription are kept
	i.running.Store(true)
	for _, subject := range i.cfg.Subjects {
		if err := i.client.QueueSubscribe(ctx, subject, i.cfg.QueueGroup, i.onMessage); err != nil {
			i.running.Store(false)
			return errors.Wrap(err, "Input", "Start", "subscribe "+subject)
		}
		i.logger.Info("subscribed", "subject", subject, "queue_group", i.cfg.QueueGroup)
	}
	return nil
}

// Stop stops forwarding messages.
func (i *Input) Stop() {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running.Swap(false) {
		i.logger.Info("stopped",
			"messages_received", i.messagesReceived.Load(),
			"errors", i.errors.Load())
	}
}

func (i *Input) onMessage(_ context.Context, subject string, data []byte) {
	if !i.running.Load() {
		return
	}
	i.messagesReceived.Add(1)
	i.bytesReceived.Add(int64(len(data)))
	i.lastActivity.Store(time.Now().UnixNano())

	// rejections are counted and logged by the pipeline
	if err := i.handle(subject, data); err != nil {
		i.errors.Add(1)
		if errors.IsTransient(err) {
			i.errorLogs.Do(func() {
				i.logger.Warn("message not accepted", "subject", subject, "error", err)
			})
		}
	}
}

// Stats is a snapshot of input counters.
type Stats struct {
	Running          bool      `json:"running"`
	MessagesReceived int64     `json:"messages_received"`
	BytesReceived    int64     `json:"bytes_received"`
	Errors           int64     `json:"errors"`
	LastActivity     time.Time `json:"last_activity"`
}

// Stats returns the input counters.
func (i *Input) Stats() Stats {
	s := Stats{
		Running:          i.running.Load(),
		MessagesReceived: i.messagesReceived.Load(),
		BytesReceived:    i.bytesReceived.Load(),
		Errors:           i.errors.Load(),
	}
	if ns := i.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
