// Package main implements sensorstream, a service that ingests sensor
// telemetry from NATS and MQTT, reassembles chunked raw waveform blocks and
// persists metrics and blocks in batches.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/sensorstream/config"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "sensorstream"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowHelp {
		return nil
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli.ConfigPaths, !cli.DumpConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch {
	case cli.DumpConfig:
		if _, err := fmt.Fprint(stdout, cfg.String()); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	case cli.Validate:
		logger.Info("Configuration is valid", "config_paths", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting sensorstream",
		"build_time", BuildTime,
		"config_paths", cli.ConfigPaths,
		"transport", cfg.Transport,
		"storage_driver", cfg.Storage.Driver,
		"raw_store", cfg.Storage.RawStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runWithSignalHandling(ctx, cfg, logger, cli.ShutdownTimeout)
}

// runWithSignalHandling builds and starts the service, then blocks until ctx
// is cancelled or a fatal background error occurs.
func runWithSignalHandling(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := a.start(ctx)
	if runErr == nil {
		logger.Info("sensorstream started")
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
		case runErr = <-a.fatal:
			logger.Error("Background task failed, shutting down", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if runErr == nil {
		logger.Info("sensorstream shutdown complete")
	}
	return runErr
}

// loadConfig merges the given files over the defaults. With no files the
// defaults and environment overrides are used.
func loadConfig(paths []string, validate bool) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(validate)
	for _, p := range paths {
		loader.AddLayer(p)
	}
	return loader.Load()
}
