package mqttinput

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/pipeline"
	"github.com/c360/sensorstream/pkg/retry"
	"github.com/c360/sensorstream/pkg/tlsutil"
)

const transportName = "mqtt"

// ErrNotConnected is reported by Healthy while the broker is unreachable.
var ErrNotConnected = stderrors.New("not connected to MQTT broker")

// ClientFactory builds a Paho client from options.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Option configures an Input.
type Option func(*Input)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Input) {
		if l != nil {
			i.logger = l.With("component", "mqtt-input")
		}
	}
}

// WithMetrics records connection state to m.
func WithMetrics(m *metric.PipelineMetrics) Option {
	return func(i *Input) { i.metrics = m }
}

// WithClientFactory replaces mqtt.NewClient, for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(i *Input) {
		if f != nil {
			i.newClient = f
		}
	}
}

// Input feeds MQTT messages into a pipeline handler.
type Input struct {
	cfg       Config
	handle    pipeline.HandlerFunc
	logger    *slog.Logger
	metrics   *metric.PipelineMetrics
	newClient ClientFactory

	lifecycleMu sync.Mutex
	client      mqtt.Client
	running     atomic.Bool
	connected   atomic.Bool
	connects    atomic.Int64

	messagesReceived atomic.Int64
	errors           atomic.Int64
	lastActivity     atomic.Int64 // unix nanos

	errorLogs rate.Sometimes
}

// New creates an input. handle is usually pipeline.HandleMessage.
func New(cfg Config, handle pipeline.HandlerFunc, opts ...Option) (*Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Input", "New", "handler is required")
	}
	i := &Input{
		cfg:       cfg,
		handle:    handle,
		logger:    slog.Default().With("component", "mqtt-input"),
		newClient: mqtt.NewClient,
		errorLogs: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// clientOptions translates the configuration into Paho options.
func (i *Input) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(i.cfg.Broker).
		SetClientID(i.cfg.clientID()).
		SetUsername(i.cfg.Username).
		SetPassword(i.cfg.Password).
		SetKeepAlive(i.cfg.KeepAlive).
		SetConnectTimeout(i.cfg.ConnectTimeout).
		SetCleanSession(i.cfg.CleanSession).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(i.onConnect).
		SetConnectionLostHandler(i.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, o *mqtt.ClientOptions) {
			i.logger.Info("reconnecting to MQTT broker", "client_id", o.ClientID)
		})
	if i.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(i.cfg.MaxReconnectInterval)
	}

	tlsCfg := i.cfg.TLS
	if i.cfg.secure() {
		tlsCfg.Enabled = true
	}
	tlsConfig, err := tlsutil.LoadClientConfig(tlsCfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// Start connects to the broker, retrying while it comes up. Topics are
// subscribed from the connect handler.
func (i *Input) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Input", "Start", "check started state")
	}

	opts, err := i.clientOptions()
	if err != nil {
		return err
	}
	client := i.newClient(opts)
	i.running.Store(true)

	rc := retry.Startup()
	rc.MaxAttempts = i.cfg.ConnectAttempts
	err = retry.Do(ctx, rc, func() error {
		token := client.Connect()
		if !token.WaitTimeout(i.cfg.ConnectTimeout) {
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Input", "Start", "connect")
		}
		if err := token.Error(); err != nil {
			i.logger.Warn("MQTT connect failed", "broker", i.cfg.Broker, "error", err)
			return errors.WrapTransient(err, "Input", "Start", "connect")
		}
		return nil
	})
	if err != nil {
		i.running.Store(false)
		return errors.WrapFatal(err, "Input", "Start", fmt.Sprintf("connect to %s", i.cfg.Broker))
	}

	i.client = client
	i.logger.Info("MQTT input started", "broker", i.cfg.Broker, "client_id", opts.ClientID)
	return nil
}

// Stop disconnects from the broker.
func (i *Input) Stop() {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if !i.running.Swap(false) {
		return
	}
	if i.client != nil {
		i.client.Disconnect(250)
		i.client = nil
	}
	i.setConnected(false)
	i.logger.Info("MQTT input stopped",
		"messages_received", i.messagesReceived.Load(),
		"errors", i.errors.Load())
}

func (i *Input) setConnected(up bool) {
	i.connected.Store(up)
	i.metrics.RecordTransportStatus(transportName, up)
}

func (i *Input) onConnect(client mqtt.Client) {
	if n := i.connects.Add(1); n > 1 {
		i.metrics.RecordTransportReconnect(transportName)
	}
	i.setConnected(true)
	i.logger.Info("connected to MQTT broker", "broker", i.cfg.Broker)

	filters := i.cfg.filters()
	// the connect handler must not block on tokens
	go func() {
		token := client.SubscribeMultiple(filters, i.onMessage)
		if !token.WaitTimeout(i.cfg.ConnectTimeout) {
			i.logger.Error("MQTT subscribe timed out", "topics", i.cfg.Topics)
			return
		}
		if err := token.Error(); err != nil {
			i.logger.Error("MQTT subscribe failed", "topics", i.cfg.Topics, "error", err)
			return
		}
		i.logger.Info("subscribed", "topics", i.cfg.Topics, "qos", i.cfg.QoS)
	}()
}

func (i *Input) onConnectionLost(_ mqtt.Client, err error) {
	i.setConnected(false)
	i.logger.Warn("MQTT connection lost", "error", err)
}

func (i *Input) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if !i.running.Load() {
		return
	}
	i.messagesReceived.Add(1)
	i.lastActivity.Store(time.Now().UnixNano())

	if err := i.handle(msg.Topic(), msg.Payload()); err != nil {
		i.errors.Add(1)
		if errors.IsTransient(err) {
			i.errorLogs.Do(func() {
				i.logger.Warn("message not accepted", "topic", msg.Topic(), "error", err)
			})
		}
	}
}

// Healthy returns nil while connected to the broker.
func (i *Input) Healthy() error {
	if !i.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// Stats is a snapshot of input counters.
type Stats struct {
	Connected        bool      `json:"connected"`
	Connects         int64     `json:"connects"`
	MessagesReceived int64     `json:"messages_received"`
	Errors           int64     `json:"errors"`
	LastActivity     time.Time `json:"last_activity"`
}

// Stats returns the input counters.
func (i *Input) Stats() Stats {
	s := Stats{
		Connected:        i.connected.Load(),
		Connects:         i.connects.Load(),
		MessagesReceived: i.messagesReceived.Load(),
		Errors:           i.errors.Load(),
	}
	if ns := i.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
