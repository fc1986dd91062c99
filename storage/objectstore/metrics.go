package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorstream/metric"
)

// storeMetrics holds Prometheus metrics for object store operations.
type storeMetrics struct {
	writeOps     *prometheus.CounterVec   // result: stored, exists
	writeLatency *prometheus.HistogramVec // operation: put
	errors       *prometheus.CounterVec   // operation: put, get_info, get
	storedBytes  *prometheus.CounterVec   // kind: raw, stored
}

// newStoreMetrics creates and registers object store metrics. A nil registrar
// disables metrics.
func newStoreMetrics(registry metric.MetricsRegistrar, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		writeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "write_operations_total",
			Help:        "Raw block writes by result",
			ConstLabels: labels,
		}, []string{"result"}),

		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "write_duration_seconds",
			Help:        "Object upload duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Object store operation errors",
			ConstLabels: labels,
		}, []string{"operation"}),

		storedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "bytes_total",
			Help:        "Payload bytes before (raw) and after (stored) compression",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	prefix := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(prefix, "write_ops", m.writeOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(prefix, "write_latency", m.writeLatency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "bytes", m.storedBytes); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *storeMetrics) recordWrite(result string, seconds float64) {
	if m != nil {
		m.writeOps.WithLabelValues(result).Inc()
		m.writeLatency.WithLabelValues("put").Observe(seconds)
	}
}

func (m *storeMetrics) recordBytes(raw, stored int) {
	if m != nil {
		m.storedBytes.WithLabelValues("raw").Add(float64(raw))
		m.storedBytes.WithLabelValues("stored").Add(float64(stored))
	}
}

func (m *storeMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}
