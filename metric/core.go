package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "sensorstream"

// PipelineMetrics contains the ingestion pipeline metrics. All Record methods
// are safe to call on a nil receiver, so components can run without metrics.
type PipelineMetrics struct {
	// Receive path
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec

	// Ingestion queue
	QueueDropped prometheus.Counter
	QueueDepth   prometheus.Gauge

	// Reassembly
	AssemblyCompleted prometheus.Counter
	AssemblyEvicted    prometheus.Counter
	AssemblyDuplicates prometheus.Counter
	AssemblyPending    prometheus.Gauge

	// Writer
	RawBlocksWritten       prometheus.Counter
	RawWriteFailed         prometheus.Counter
	MetricBatchesFlushed   prometheus.Counter
	MetricBatchFlushFailed prometheus.Counter
	MetricRecordsWritten   prometheus.Counter
	MetricBatchSize        prometheus.Histogram
	PersistenceDuration    *prometheus.HistogramVec

	// Transport
	TransportConnected  *prometheus.GaugeVec
	TransportReconnects *prometheus.CounterVec
}

// NewPipelineMetrics creates the pipeline metrics. They are not registered
// anywhere; MetricsRegistry does that.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "messages_received_total",
				Help:      "Transport messages received, by classified kind",
			},
			[]string{"kind"},
		),

		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "messages_rejected_total",
				Help:      "Messages dropped before queueing, by reason",
			},
			[]string{"reason"},
		),

		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_dropped_total",
			Help:      "Items dropped because the ingestion queue was full or closed",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the ingestion queue",
		}),

		AssemblyCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "assembly_completed_total",
			Help:      "Raw blocks fully reassembled",
		}),

		AssemblyEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "assembly_evicted_total",
			Help:      "Incomplete raw blocks abandoned after exceeding max age",
		}),

		AssemblyDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "assembly_duplicate_total",
			Help:      "Meta and chunk messages dropped because their block was already completed",
		}),

		AssemblyPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "assembly_pending",
			Help:      "Raw blocks currently being reassembled",
		}),

		RawBlocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "raw_blocks_written_total",
			Help:      "Raw blocks persisted",
		}),

		RawWriteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "raw_write_failed_total",
			Help:      "Raw blocks dropped after a failed write",
		}),

		MetricBatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "metric_batches_flushed_total",
			Help:      "Metric batches upserted successfully",
		}),

		MetricBatchFlushFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "metric_batch_flush_failed_total",
			Help:      "Metric batches discarded after a failed upsert",
		}),

		MetricRecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "metric_records_written_total",
			Help:      "Metric records upserted",
		}),

		MetricBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "metric_batch_size",
			Help:      "Records per metric batch flush",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "persistence_duration_seconds",
				Help:      "Persistence call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		TransportConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "transport_connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
			[]string{"transport"},
		),

		TransportReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transport_reconnects_total",
				Help:      "Transport reconnections",
			},
			[]string{"transport"},
		),
	}
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesRejected,
		m.QueueDropped,
		m.QueueDepth,
		m.AssemblyCompleted,
		m.AssemblyEvicted,
		m.AssemblyDuplicates,
		m.AssemblyPending,
		m.RawBlocksWritten,
		m.RawWriteFailed,
		m.MetricBatchesFlushed,
		m.MetricBatchFlushFailed,
		m.MetricRecordsWritten,
		m.MetricBatchSize,
		m.PersistenceDuration,
		m.TransportConnected,
		m.TransportReconnects,
	}
}

// RecordMessageReceived counts a classified transport message
func (m *PipelineMetrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageRejected counts a message dropped before it reached the queue
func (m *PipelineMetrics) RecordMessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordQueueDropped counts an item the queue could not accept
func (m *PipelineMetrics) RecordQueueDropped() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

// SetQueueDepth records the current queue length
func (m *PipelineMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordAssemblyCompleted counts a reassembled block
func (m *PipelineMetrics) RecordAssemblyCompleted() {
	if m == nil {
		return
	}
	m.AssemblyCompleted.Inc()
}

// RecordAssemblyEvicted counts abandoned blocks
func (m *PipelineMetrics) RecordAssemblyEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AssemblyEvicted.Add(float64(n))
}

// RecordAssemblyDuplicate counts a message for an already completed block
func (m *PipelineMetrics) RecordAssemblyDuplicate() {
	if m == nil {
		return
	}
	m.AssemblyDuplicates.Inc()
}

// SetAssemblyPending records the number of blocks in flight
func (m *PipelineMetrics) SetAssemblyPending(n int) {
	if m == nil {
		return
	}
	m.AssemblyPending.Set(float64(n))
}

// RecordRawWrite records the outcome of a single raw block write
func (m *PipelineMetrics) RecordRawWrite(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PersistenceDuration.WithLabelValues("write_raw_block").Observe(d.Seconds())
	if err != nil {
		m.RawWriteFailed.Inc()
		return
	}
	m.RawBlocksWritten.Inc()
}

// RecordMetricFlush records the outcome of a metric batch upsert
func (m *PipelineMetrics) RecordMetricFlush(size int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PersistenceDuration.WithLabelValues("upsert_metric_batch").Observe(d.Seconds())
	m.MetricBatchSize.Observe(float64(size))
	if err != nil {
		m.MetricBatchFlushFailed.Inc()
		return
	}
	m.MetricBatchesFlushed.Inc()
	m.MetricRecordsWritten.Add(float64(size))
}

// RecordTransportStatus updates the connection gauge for a transport
func (m *PipelineMetrics) RecordTransportStatus(transport string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.TransportConnected.WithLabelValues(transport).Set(value)
}

// RecordTransportReconnect counts a reconnection
func (m *PipelineMetrics) RecordTransportReconnect(transport string) {
	if m == nil {
		return
	}
	m.TransportReconnects.WithLabelValues(transport).Inc()
}
