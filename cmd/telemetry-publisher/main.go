// Package main implements telemetry-publisher, a load generator that
// simulates vibration sensors. Each device publishes a metric summary per
// window and, optionally, the raw window as a chunked block.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/telemetry"
)

// Options controls what is simulated and where it is sent.
type Options struct {
	Transport     string
	Broker        string
	NATSURL       string
	QoS           int
	Devices       int
	DevicePrefix  string
	Interval      time.Duration
	SampleRateHz  int
	WindowSamples int
	ChunkSamples  int
	Raw           bool
	Shuffle       bool
	Count         int
	Seed          uint64
	LogLevel      string
}

func parseFlags(args []string) (Options, error) {
	var o Options
	fs := flag.NewFlagSet("telemetry-publisher", flag.ContinueOnError)
	fs.StringVar(&o.Transport, "transport", "mqtt", "Broker type: mqtt or nats")
	fs.StringVar(&o.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	fs.StringVar(&o.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	fs.IntVar(&o.QoS, "qos", 1, "MQTT QoS (0-2)")
	fs.IntVar(&o.Devices, "devices", 1, "Number of simulated devices")
	fs.StringVar(&o.DevicePrefix, "device-prefix", "esp32", "Device id prefix")
	fs.DurationVar(&o.Interval, "interval", 3*time.Second, "Time between windows per device")
	fs.IntVar(&o.SampleRateHz, "sample-rate", 2000, "Samples per second")
	fs.IntVar(&o.WindowSamples, "window", 200, "Samples per window")
	fs.IntVar(&o.ChunkSamples, "chunk", 64, "Samples per raw chunk")
	fs.BoolVar(&o.Raw, "raw", true, "Publish raw blocks as well as metrics")
	fs.BoolVar(&o.Shuffle, "shuffle", false, "Publish raw chunks out of order")
	fs.IntVar(&o.Count, "count", 0, "Windows per device, 0 to run until interrupted")
	fs.Uint64Var(&o.Seed, "seed", uint64(time.Now().UnixNano()), "Noise seed")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, o.Validate()
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case o.Transport != "mqtt" && o.Transport != "nats":
		return invalidOption("transport must be mqtt or nats")
	case o.QoS < 0 || o.QoS > 2:
		return invalidOption("qos must be 0, 1 or 2")
	case o.Devices <= 0:
		return invalidOption("devices must be positive")
	case o.Interval <= 0:
		return invalidOption("interval must be positive")
	case o.SampleRateHz <= 0 || o.WindowSamples <= 0 || o.ChunkSamples <= 0:
		return invalidOption("sample-rate, window and chunk must be positive")
	case o.Count < 0:
		return invalidOption("count must not be negative")
	case o.DevicePrefix == "" || strings.ContainsAny(o.DevicePrefix, "/.+#*> "):
		return invalidOption("device-prefix must be a single routing key segment")
	}
	return nil
}

func invalidOption(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Options", "Validate", msg)
}

func (o Options) keys() Keys {
	if o.Transport == "nats" {
		return Keys{Delimiter: telemetry.NATSDelimiter}
	}
	return Keys{Delimiter: telemetry.MQTTDelimiter}
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		slog.Error("publisher failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, logOut io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})).
		With("service", "telemetry-publisher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pub Publisher
	if opts.Transport == "nats" {
		pub, err = newNATSPublisher(ctx, opts.NATSURL, logger)
	} else {
		pub, err = newMQTTPublisher(ctx, opts.Broker, byte(opts.QoS), logger)
	}
	if err != nil {
		return err
	}

	stats, err := Simulate(ctx, pub, opts, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := pub.Close(closeCtx); cerr != nil {
		logger.Warn("close publisher", "error", cerr)
	}

	logger.Info("publisher finished",
		"windows", stats.Windows, "messages", stats.Messages, "bytes", stats.Bytes)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Stats counts what a simulation published.
type Stats struct {
	Windows  int64
	Messages int64
	Bytes    int64
}

type counters struct {
	windows, messages, bytes atomic.Int64
}

// Simulate runs one goroutine per device until ctx is done or every device
// has published opts.Count windows. The first publish error stops all devices.
func Simulate(ctx context.Context, pub Publisher, opts Options, logger *slog.Logger) (Stats, error) {
	var c counters
	keys := opts.keys()

	g, gctx := errgroup.WithContext(ctx)
	for d := 0; d < opts.Devices; d++ {
		deviceID := fmt.Sprintf("%s-%04d", opts.DevicePrefix, d+1)
		seed := opts.Seed + uint64(d)
		g.Go(func() error {
			return simulateDevice(gctx, pub, opts, keys, deviceID, seed, &c, logger)
		})
	}
	err := g.Wait()

	return Stats{
		Windows:  c.windows.Load(),
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
	}, err
}

func simulateDevice(
	ctx context.Context,
	pub Publisher,
	opts Options,
	keys Keys,
	deviceID string,
	seed uint64,
	c *counters,
	logger *slog.Logger,
) error {
	gen := NewGenerator(DefaultProfile(), opts.SampleRateHz, seed)
	var shuffle *rand.Rand
	if opts.Shuffle {
		shuffle = rand.New(rand.NewPCG(seed, seed+1))
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		w := gen.Next(time.Now(), opts.WindowSamples)

		batch := make([]Publication, 0, 1)
		m, err := MetricMessage(keys, deviceID, w)
		if err != nil {
			return err
		}
		batch = append(batch, m)
		if opts.Raw {
			raw, err := RawBlockMessages(keys, deviceID, w, opts.ChunkSamples, shuffle)
			if err != nil {
				return err
			}
			batch = append(batch, raw...)
		}

		for _, p := range batch {
			if err := pub.Publish(ctx, p.Key, p.Payload); err != nil {
				return errors.Wrap(err, "Simulator", "Publish", p.Key)
			}
			c.messages.Add(1)
			c.bytes.Add(int64(len(p.Payload)))
		}
		c.windows.Add(1)
		logger.Debug("window published", "device_id", deviceID, "messages", len(batch))

		if opts.Count > 0 && n+1 == opts.Count {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
