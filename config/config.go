package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/input/mqttinput"
	"github.com/c360/sensorstream/input/natsinput"
	"github.com/c360/sensorstream/pipeline"
	"github.com/c360/sensorstream/storage/objectstore"
	"github.com/c360/sensorstream/storage/sqlstore"
)

// Transports
const (
	TransportNATS = "nats"
	TransportMQTT = "mqtt"
	TransportBoth = "both"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Raw block backends
const (
	RawStoreSQL         = "sql"
	RawStoreObjectStore = "objectstore"
)

// Config is the complete service configuration.
type Config struct {
	// Transport selects which broker(s) to ingest from.
	Transport string         `json:"transport" yaml:"transport"`
	NATS      NATSConfig     `json:"nats" yaml:"nats"`
	MQTT      MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Pipeline  PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Metrics   MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines NATS connection settings. The connection is also used
// by the object store, so it is opened whenever either needs it.
type NATSConfig struct {
	URLs          []string         `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int              `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration    `json:"reconnect_wait" yaml:"reconnect_wait"`
	// PingInterval detects dead links while devices are quiet.
	PingInterval   time.Duration    `json:"ping_interval" yaml:"ping_interval"`
	ConnectTimeout time.Duration    `json:"connect_timeout" yaml:"connect_timeout"`
	DrainTimeout   time.Duration    `json:"drain_timeout" yaml:"drain_timeout"`
	Username      string           `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string           `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string           `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           NATSTLSConfig    `json:"tls" yaml:"tls"`
	Input         natsinput.Config `json:"input" yaml:"input"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// MQTTConfig wraps the MQTT input settings.
type MQTTConfig struct {
	mqttinput.Config `yaml:",inline"`
}

// StorageConfig selects and configures the persistence backends.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	// SQL is used by the sqlite and postgres drivers; its driver field is
	// filled from Driver.
	SQL sqlstore.Config `json:"sql" yaml:"sql"`
	// RawStore sends raw blocks to the SQL database or a NATS object store.
	RawStore    string             `json:"raw_store" yaml:"raw_store"`
	ObjectStore objectstore.Config `json:"objectstore" yaml:"objectstore"`
}

// PipelineConfig wraps the pipeline stage settings.
type PipelineConfig struct {
	pipeline.Config `yaml:",inline"`
}

// MetricsConfig configures the metrics and health HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the configuration used when no file is given: NATS on
// localhost into an in-memory store.
func Default() *Config {
	return &Config{
		Transport: TransportNATS,
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "sensorstream",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:   30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			DrainTimeout:   30 * time.Second,
			Input:         natsinput.DefaultConfig(),
		},
		MQTT: MQTTConfig{Config: mqttinput.DefaultConfig()},
		Storage: StorageConfig{
			Driver: DriverMemory,
			SQL: sqlstore.Config{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			RawStore:    RawStoreSQL,
			ObjectStore: objectstore.DefaultConfig(),
		},
		Pipeline: PipelineConfig{Config: pipeline.DefaultConfig()},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// UsesNATS reports whether a NATS connection is needed.
func (c *Config) UsesNATS() bool {
	return c.Transport == TransportNATS || c.Transport == TransportBoth ||
		c.Storage.RawStore == RawStoreObjectStore
}

// UsesMQTT reports whether the MQTT input runs.
func (c *Config) UsesMQTT() bool {
	return c.Transport == TransportMQTT || c.Transport == TransportBoth
}

// Validate checks the configuration and normalizes enum values.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case TransportNATS, TransportMQTT, TransportBoth:
	default:
		return invalid("transport must be nats, mqtt or both, got %q", c.Transport)
	}

	if c.UsesNATS() {
		if err := c.NATS.validate(); err != nil {
			return err
		}
	}
	if c.Transport != TransportMQTT {
		if err := c.NATS.Input.Validate(); err != nil {
			return fmt.Errorf("nats.input: %w", err)
		}
	}
	if c.UsesMQTT() {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Writer.Validate(); err != nil {
		return fmt.Errorf("pipeline.writer: %w", err)
	}
	if c.Pipeline.Queue.Capacity <= 0 {
		return invalid("pipeline.queue.capacity must be positive")
	}
	if c.Pipeline.Reassembly.MaxAge <= 0 || c.Pipeline.Reassembly.SweepInterval <= 0 {
		return invalid("pipeline.reassembly max_age and sweep_interval must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	return nil
}

func (n *NATSConfig) validate() error {
	if len(n.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for _, raw := range n.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return invalid("nats.urls: invalid url %q", raw)
		}
	}
	if n.PingInterval <= 0 || n.ConnectTimeout <= 0 || n.DrainTimeout <= 0 {
		return invalid("nats: ping_interval, connect_timeout and drain_timeout must be positive")
	}
	if n.TLS.Enabled && (n.TLS.CertFile == "") != (n.TLS.KeyFile == "") {
		return invalid("nats.tls: cert_file and key_file must be set together")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	s.Driver = strings.ToLower(s.Driver)
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if s.SQL.DSN == "" {
			return invalid("storage.sql.dsn is required for driver %s", s.Driver)
		}
		s.SQL.Driver = s.Driver
	default:
		return invalid("storage.driver must be memory, sqlite or postgres, got %q", s.Driver)
	}

	switch s.RawStore {
	case RawStoreSQL:
	case RawStoreObjectStore:
		if err := s.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("storage.objectstore: %w", err)
		}
	default:
		return invalid("storage.raw_store must be sql or objectstore, got %q", s.RawStore)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate configuration")
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the configuration as YAML with secrets redacted.
func (c *Config) String() string {
	out := c.Clone()
	redact(&out.NATS.Password)
	redact(&out.NATS.Token)
	redact(&out.MQTT.Password)
	out.Storage.SQL.DSN = redactDSN(out.Storage.SQL.DSN)

	data, _ := yaml.Marshal(out)
	return string(data)
}

const redacted = "redacted"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN hides the password of URL-style DSNs.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
