package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
)

// ClientOption configures a Client. Options reject invalid values, so a bad
// config section fails NewClient instead of the first connect.
type ClientOption func(*Client) error

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", errors.ErrInvalidConfig, name, d)
	}
	return nil
}

// WithMaxReconnects sets how often a lost connection is retried; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("%w: max_reconnects %d", errors.ErrInvalidConfig, n)
		}
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := positive("reconnect_wait", d); err != nil {
			return err
		}
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the server is pinged.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := positive("ping_interval", d); err != nil {
			return err
		}
		c.pingInterval = d
		return nil
	}
}

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := positive("connect_timeout", d); err != nil {
			return err
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := positive("drain_timeout", d); err != nil {
			return err
		}
		c.drainTimeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithMetrics reports connection status and reconnects to the pipeline metrics.
func WithMetrics(m *metric.PipelineMetrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithCredentials sets user/password authentication. Both are required.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		if username == "" || password == "" {
			return fmt.Errorf("%w: username and password must both be set", errors.ErrInvalidConfig)
		}
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		if token == "" {
			return fmt.Errorf("%w: empty token", errors.ErrInvalidConfig)
		}
		c.token = token
		return nil
	}
}

// WithTLS enables TLS. caFile verifies the server; certFile and keyFile,
// given together, present a client certificate.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("%w: tls cert_file and key_file must be set together", errors.ErrInvalidConfig)
		}
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		c.tlsEnabled = true
		return nil
	}
}

// WithName sets the connection name shown by the server's monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}
