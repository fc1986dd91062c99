package telemetry

import (
	"encoding/json"
	"time"
)

// BytesPerSample is the width of one raw waveform sample: three channels of
// little-endian int16.
const BytesPerSample = 6

// DefaultEncoding is assumed when a raw block meta message omits the encoding.
const DefaultEncoding = "int16le-xyz"

// Kind identifies what a routing key carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindMetric
	KindRawMeta
	KindRawChunk
)

// String returns the label used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindRawMeta:
		return "raw_meta"
	case KindRawChunk:
		return "raw_chunk"
	default:
		return "unknown"
	}
}

// Topic is the parsed form of a routing key.
type Topic struct {
	DeviceID string
	Kind     Kind
	Segments []string
}

// MetricRecord is one set of derived metrics for a device at a point in time.
// Records are keyed by (DeviceID, TimestampMillis). Nil pointer fields and nil
// Metrics mean the value is absent and must not overwrite a stored value.
type MetricRecord struct {
	DeviceID        string          `json:"device_id"`
	TimestampMillis int64           `json:"ts_ms"`
	SampleRateHz    *int            `json:"sample_rate_hz,omitempty"`
	SampleCount     *int            `json:"samples,omitempty"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
}

// Key returns the storage key of the record.
func (r *MetricRecord) Key() MetricKey {
	return MetricKey{DeviceID: r.DeviceID, TimestampMillis: r.TimestampMillis}
}

// Merge fills r with every non-absent field of next. Later values win.
func (r *MetricRecord) Merge(next *MetricRecord) {
	if next.SampleRateHz != nil {
		v := *next.SampleRateHz
		r.SampleRateHz = &v
	}
	if next.SampleCount != nil {
		v := *next.SampleCount
		r.SampleCount = &v
	}
	if next.Metrics != nil {
		r.Metrics = append(json.RawMessage(nil), next.Metrics...)
	}
}

// MetricKey uniquely identifies a stored metric record.
type MetricKey struct {
	DeviceID        string
	TimestampMillis int64
}

// RawBlockMeta announces a raw block and how many chunks it was split into.
type RawBlockMeta struct {
	BlockID         string
	DeviceID        string
	TotalChunks     int
	Encoding        string
	TimestampMillis *int64
	SampleRateHz    *int
	CRC32           *uint32
	ReceivedAt      time.Time
}

// RawChunk is one fragment of a raw block payload.
type RawChunk struct {
	BlockID  string
	DeviceID string
	Index    int
	Payload  []byte
}

// RawBlock is a fully reassembled raw waveform.
type RawBlock struct {
	BlockID         string
	DeviceID        string
	TimestampMillis int64
	SampleRateHz    *int
	SampleCount     int
	Encoding        string
	Payload         []byte
	// CRC32 is carried through as received; it is never verified here.
	CRC32 *uint32
}

// Item is a unit of work carried from the receive path to the writer.
// It is implemented only by *MetricRecord and *RawBlock.
type Item interface {
	isItem()
}

func (*MetricRecord) isItem() {}
func (*RawBlock) isItem()     {}

// Message is the result of classifying one transport message. Exactly one of
// Metric, Meta or Chunk is set, matching Topic.Kind.
type Message struct {
	Topic  Topic
	Metric *MetricRecord
	Meta   *RawBlockMeta
	Chunk  *RawChunk
}
