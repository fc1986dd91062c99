package mqttinput

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/pkg/tlsutil"
)

// DefaultTopics covers metric topics and everything below them; a trailing
// "#" also matches its parent level.
var DefaultTopics = []string{
	"v1/device/+/telemetry/#",
}

// Config configures the MQTT input.
type Config struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://broker:8883.
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	Topics []string `json:"topics" yaml:"topics"`
	QoS    byte     `json:"qos" yaml:"qos"`

	KeepAlive            time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
	CleanSession         bool          `json:"clean_session" yaml:"clean_session"`
	// ConnectAttempts bounds the initial connection; 0 tries once.
	ConnectAttempts int `json:"connect_attempts" yaml:"connect_attempts"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns defaults suitable for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:               "tcp://localhost:1883",
		Topics:               append([]string(nil), DefaultTopics...),
		QoS:                  0,
		KeepAlive:            60 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		CleanSession:         true,
		ConnectAttempts:      15,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "broker is required")
	}
	u, err := url.Parse(c.Broker)
	if err != nil || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: broker %q", errors.ErrInvalidConfig, c.Broker),
			"Config", "Validate", "parse broker url")
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: broker scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"Config", "Validate", "broker scheme")
	}
	if len(c.Topics) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "at least one topic is required")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "qos must be 0, 1 or 2")
	}
	if c.KeepAlive < time.Second || c.ConnectTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"keep_alive must be at least 1s and connect_timeout positive")
	}
	return c.TLS.Validate()
}

// filters maps each topic to the configured QoS. A topic already matched by
// a sibling "<topic>/#" is left out so brokers do not deliver it twice.
func (c Config) filters() map[string]byte {
	set := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		set[t] = true
	}
	out := make(map[string]byte, len(c.Topics))
	for _, t := range c.Topics {
		if set[t+"/#"] {
			continue
		}
		out[t] = c.QoS
	}
	return out
}

// clientID returns the configured id or a random one.
func (c Config) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "sensorstream-" + uuid.NewString()[:8]
}

// secure reports whether the broker URL asks for TLS.
func (c Config) secure() bool {
	scheme, _, _ := strings.Cut(strings.ToLower(c.Broker), "://")
	switch scheme {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}
