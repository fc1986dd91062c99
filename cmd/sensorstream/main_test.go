package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/config"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/storage/sqlstore"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SENSORSTREAM_CONFIG", "SENSORSTREAM_LOG_LEVEL", "SENSORSTREAM_LOG_FORMAT",
		"SENSORSTREAM_DEBUG", "SENSORSTREAM_SHUTDOWN_TIMEOUT", "SENSORSTREAM_TRANSPORT",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	clearEnv(t)

	cli, err := parseFlags([]string{"--config", "a.yaml, b.yaml", "--debug", "--log-format=text"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cli.ConfigPaths)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, "text", cli.LogFormat)
	assert.Equal(t, 30*time.Second, cli.ShutdownTimeout)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENSORSTREAM_LOG_LEVEL", "warn")
	t.Setenv("SENSORSTREAM_SHUTDOWN_TIMEOUT", "5s")

	cli, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cli.LogLevel)
	assert.Equal(t, 5*time.Second, cli.ShutdownTimeout)
	assert.Empty(t, cli.ConfigPaths)
}

func TestParseFlags_Unknown(t *testing.T) {
	clearEnv(t)
	_, err := parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}

	assert.NoError(t, validateFlags(valid()))

	cfg := valid()
	cfg.LogLevel = "trace"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log level")

	cfg = valid()
	cfg.LogFormat = "xml"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log format")

	cfg = valid()
	cfg.ConfigPaths = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	assert.ErrorContains(t, validateFlags(cfg), "config file not found")

	cfg = valid()
	cfg.ShutdownTimeout = 0
	assert.Error(t, validateFlags(cfg))

	cfg = valid()
	cfg.LogLevel = "bogus"
	cfg.ShowVersion = true
	assert.NoError(t, validateFlags(cfg))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.Equal(t, "value", entry["key"])
	assert.NotContains(t, buf.String(), "hidden")

	buf.Reset()
	setupLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestRun_Version(t *testing.T) {
	clearEnv(t)
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), appName+" version "+Version)
}

func TestRun_DumpConfigRedacts(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
transport: mqtt
mqtt:
  broker: tcp://broker:1883
  password: hunter2
`)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--config", path, "--dump-config"}, &out))
	assert.Contains(t, out.String(), "transport: mqtt")
	assert.Contains(t, out.String(), "tcp://broker:1883")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestRun_DumpConfigShowsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "transport: carrier-pigeon\n")

	var out bytes.Buffer
	err := run([]string{"--config", path, "--dump-config"}, &out)
	assert.ErrorContains(t, err, "invalid config")
	assert.Contains(t, out.String(), "transport: carrier-pigeon")
}

func TestRun_InvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "transport: carrier-pigeon\n")

	err := run([]string{"--config", path, "--validate"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "load config")
}

func TestLoadConfig_Layers(t *testing.T) {
	clearEnv(t)
	base := writeFile(t, "base.yaml", "transport: mqtt\npipeline:\n  writer:\n    max_batch_size: 50\n")
	site := writeFile(t, "site.json", `{"pipeline": {"writer": {"max_batch_size": 25}}}`)

	cfg, err := loadConfig([]string{base, site}, true)
	require.NoError(t, err)
	assert.Equal(t, config.TransportMQTT, cfg.Transport)
	assert.Equal(t, 25, cfg.Pipeline.Writer.MaxBatchSize)
}

func mqttOnlyConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport = config.TransportMQTT
	cfg.Metrics.Enabled = false
	return cfg
}

func TestNewApp_MemoryStore(t *testing.T) {
	cfg := mqttOnlyConfig()
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, setupLogger(&bytes.Buffer{}, "info", "json"))
	require.NoError(t, err)

	assert.IsType(t, &storage.MemoryStore{}, a.store)
	assert.Nil(t, a.nats)
	assert.Nil(t, a.natsInput)
	assert.NotNil(t, a.mqttInput)
	assert.Nil(t, a.server)

	require.NoError(t, a.shutdown(context.Background()))
}

func TestNewApp_SQLiteStoreWithMetricsServer(t *testing.T) {
	cfg := mqttOnlyConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.SQL.DSN = filepath.Join(t.TempDir(), "telemetry.db")
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, setupLogger(&bytes.Buffer{}, "info", "json"))
	require.NoError(t, err)

	assert.IsType(t, &sqlstore.Store{}, a.store)
	require.NotNil(t, a.server)
	require.NotNil(t, a.sql)

	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status struct {
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Contains(t, status.Components, "pipeline")
	assert.Contains(t, status.Components, "mqtt_input")
	assert.NotContains(t, status.Components, "nats_input")

	require.NoError(t, a.shutdown(context.Background()))
	assert.Nil(t, a.sql)
}

func TestNewApp_BadSQLDriverFails(t *testing.T) {
	cfg := mqttOnlyConfig()
	cfg.Storage.Driver = "oracle"
	cfg.Storage.SQL.Driver = "oracle"
	cfg.Storage.SQL.DSN = "x"

	_, err := newApp(context.Background(), cfg, setupLogger(&bytes.Buffer{}, "info", "json"))
	assert.Error(t, err)
}
