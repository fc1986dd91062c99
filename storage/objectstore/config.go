package objectstore

import (
	"fmt"
	"time"

	"github.com/c360/sensorstream/errors"
)

// Compression names accepted in Config.Compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config holds configuration for the raw block object store.
type Config struct {
	// BucketName is the NATS JetStream ObjectStore bucket name
	BucketName string `json:"bucket_name" yaml:"bucket_name"`

	// KeyPrefix is prepended to every object key
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Compression applied to payloads before upload: "none" or "zstd"
	Compression string `json:"compression" yaml:"compression"`

	// Replicas for the bucket stream; 1 for a single server
	Replicas int `json:"replicas" yaml:"replicas"`

	// MaxAge expires stored blocks; zero keeps them forever
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BucketName:  "RAW_BLOCKS",
		KeyPrefix:   "raw",
		Compression: CompressionNone,
		Replicas:    1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BucketName == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "bucket_name is required")
	}
	switch c.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown compression %q", errors.ErrInvalidConfig, c.Compression),
			"Config", "Validate", "check compression")
	}
	if c.Replicas < 0 || c.MaxAge < 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "replicas and max_age must not be negative")
	}
	return nil
}
