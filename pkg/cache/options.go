package cache

import (
	"time"

	"github.com/c360/sensorstream/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[K comparable, V any] func(*cacheOptions[K, V])

type cacheOptions[K comparable, V any] struct {
	metricsReg    metric.MetricsRegistrar
	metricsPrefix string
	clock         func() time.Time
}

// WithMetrics exports hit, miss, eviction and size metrics labelled with
// prefix. A nil registry or empty prefix is ignored.
func WithMetrics[K comparable, V any](registry metric.MetricsRegistrar, prefix string) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		if now != nil {
			opts.clock = now
		}
	}
}

func applyOptions[K comparable, V any](options ...Option[K, V]) *cacheOptions[K, V] {
	opts := &cacheOptions[K, V]{clock: time.Now}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
