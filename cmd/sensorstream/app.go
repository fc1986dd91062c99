package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/c360/sensorstream/config"
	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/input/mqttinput"
	"github.com/c360/sensorstream/input/natsinput"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/natsclient"
	"github.com/c360/sensorstream/pipeline"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/storage/objectstore"
	"github.com/c360/sensorstream/storage/sqlstore"
	"github.com/c360/sensorstream/telemetry"
)

// app owns every long-lived component of the service.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	server   *metric.Server
	nats     *natsclient.Client
	sql      *sqlstore.Store
	store    storage.Store
	pipeline *pipeline.Pipeline

	natsInput *natsinput.Input
	mqttInput *mqttinput.Input

	fatal chan error
}

// newApp connects infrastructure and wires the pipeline. Anything opened
// before a failure is closed again.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		fatal:    make(chan error, 1),
	}
	defer func() {
		if err != nil {
			a.closeInfra(context.WithoutCancel(ctx))
		}
	}()

	if cfg.UsesNATS() {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	p, err := pipeline.New(cfg.Pipeline.Config, pipeline.Deps{
		Store:     store,
		Logger:    logger,
		Metrics:   a.registry.PipelineMetrics(),
		Registrar: a.registry,
	})
	if err != nil {
		return nil, err
	}
	a.pipeline = p

	if cfg.Transport != config.TransportMQTT {
		in, err := natsinput.New(cfg.NATS.Input, a.nats, p.Handler(telemetry.NATSDelimiter), logger)
		if err != nil {
			return nil, err
		}
		a.natsInput = in
	}
	if cfg.UsesMQTT() {
		in, err := mqttinput.New(cfg.MQTT.Config, p.Handler(telemetry.MQTTDelimiter),
			mqttinput.WithLogger(logger.With("component", "mqtt-input")),
			mqttinput.WithMetrics(a.registry.PipelineMetrics()))
		if err != nil {
			return nil, err
		}
		a.mqttInput = in
	}

	if cfg.Metrics.Enabled {
		a.server = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, a.registry)
		a.addHealthChecks()
	}
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithPingInterval(n.PingInterval),
		natsclient.WithTimeout(n.ConnectTimeout),
		natsclient.WithDrainTimeout(n.DrainTimeout),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry.PipelineMetrics()),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return err
	}
	a.logger.Info("Connecting to NATS", "urls", n.URLs)
	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, "app", "connectNATS", "connect")
	}
	a.nats = client
	return nil
}

// buildStore selects the metric backend by driver and routes raw blocks to
// the object store when configured.
func (a *app) buildStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage

	var base storage.Store
	switch sc.Driver {
	case config.DriverMemory:
		a.logger.Warn("Using in-memory storage, data is lost on exit")
		base = storage.NewMemoryStore()
	default:
		s, err := sqlstore.Open(ctx, sc.SQL, a.logger.With("component", "sqlstore"))
		if err != nil {
			return nil, err
		}
		a.sql = s
		base = s
	}

	if sc.RawStore != config.RawStoreObjectStore {
		return base, nil
	}

	raw, err := objectstore.NewStore(ctx, a.nats, sc.ObjectStore,
		objectstore.WithLogger(a.logger.With("component", "objectstore")),
		objectstore.WithMetrics(a.registry))
	if err != nil {
		return nil, err
	}
	return &storage.Composite{Raw: raw, Metrics: base, Devices: base}, nil
}

// addHealthChecks registers /health checks and /status snapshots.
func (a *app) addHealthChecks() {
	a.server.AddCheck("pipeline", a.pipeline.Healthy)
	a.server.AddStatus("pipeline", func() any { return a.pipeline.Stats() })
	if a.nats != nil {
		a.server.AddCheck("nats", a.nats.Healthy)
		a.server.AddStatus("nats", func() any { return a.nats.Info() })
	}
	if a.natsInput != nil {
		a.server.AddStatus("nats_input", func() any { return a.natsInput.Stats() })
	}
	if a.mqttInput != nil {
		a.server.AddCheck("mqtt", a.mqttInput.Healthy)
		a.server.AddStatus("mqtt_input", func() any { return a.mqttInput.Stats() })
	}
	if a.sql != nil {
		a.server.AddCheck("database", func() error {
			return a.sql.Ping(context.Background())
		})
	}
}

// start launches the pipeline before any input so no message arrives at a
// closed queue. The pipeline outlives ctx; shutdown stops it after the inputs.
func (a *app) start(ctx context.Context) error {
	if err := a.pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.reportFatal(err)
			}
		}()
		a.logger.Info("Metrics endpoint enabled", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
	}

	if a.natsInput != nil {
		if err := a.natsInput.Start(ctx); err != nil {
			return err
		}
	}
	if a.mqttInput != nil {
		if err := a.mqttInput.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) reportFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// shutdown stops inputs, drains the pipeline, then releases infrastructure.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.mqttInput != nil {
		a.mqttInput.Stop()
	}
	if a.natsInput != nil {
		a.natsInput.Stop()
	}
	if err := a.pipeline.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfra(ctx)

	return stderrors.Join(errs...)
}

func (a *app) closeInfra(ctx context.Context) {
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
		a.nats = nil
	}
	if a.sql != nil {
		if err := a.sql.Close(); err != nil {
			a.logger.Warn("database close failed", "error", err)
		}
		a.sql = nil
	}
}
