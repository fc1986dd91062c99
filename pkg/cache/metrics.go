package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorstream/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations. A nil
// *cacheMetrics records nothing.
type cacheMetrics struct {
	lookups   *prometheus.CounterVec // result: hit, miss
	evictions *prometheus.CounterVec
	size      prometheus.Gauge
}

func newCacheMetrics(registry metric.MetricsRegistrar, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "lookups_total",
			ConstLabels: labels,
			Help:        "Cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Entries removed after expiry",
		}, []string{}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "cache_lookups", m.lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.lookups.WithLabelValues("hit").Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.lookups.WithLabelValues("miss").Inc()
	}
}

func (m *cacheMetrics) recordEvictions(n int) {
	if m != nil {
		m.evictions.WithLabelValues().Add(float64(n))
	}
}

func (m *cacheMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
