package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies <prefix>_* environment variables on top of the
// file layers.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	get := func(name string) string {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		return val
	}

	if val := get("TRANSPORT"); val != "" {
		cfg.Transport = val
	}

	// NATS overrides
	if val := get("NATS_URLS"); val != "" {
		cfg.NATS.URLs = splitList(val)
	}
	if val := get("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := get("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := get("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := get("NATS_QUEUE_GROUP"); val != "" {
		cfg.NATS.Input.QueueGroup = val
	}

	// MQTT overrides
	if val := get("MQTT_BROKER"); val != "" {
		cfg.MQTT.Broker = val
	}
	if val := get("MQTT_CLIENT_ID"); val != "" {
		cfg.MQTT.ClientID = val
	}
	if val := get("MQTT_USERNAME"); val != "" {
		cfg.MQTT.Username = val
	}
	if val := get("MQTT_PASSWORD"); val != "" {
		cfg.MQTT.Password = val
	}
	if val := get("MQTT_CA_FILE"); val != "" {
		cfg.MQTT.TLS.Enabled = true
		cfg.MQTT.TLS.CAFile = val
	}

	// Storage overrides
	if val := get("STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := get("STORAGE_DSN"); val != "" {
		cfg.Storage.SQL.DSN = val
	}
	if val := get("STORAGE_RAW_STORE"); val != "" {
		cfg.Storage.RawStore = val
	}
	if val := get("STORAGE_TIMESCALE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Storage.SQL.Timescale = b
		}
	}

	if val := get("METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
	if val := get("VERIFY_DEVICES"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Pipeline.Writer.VerifyDevices = b
		}
	}

	return firstErr
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
