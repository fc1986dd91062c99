package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/c360/sensorstream/errors"
)

// Routing key segments.
const (
	SegmentVersion   = "v1"
	SegmentDevice    = "device"
	SegmentTelemetry = "telemetry"
	SegmentRaw       = "raw"
	SegmentMeta      = "meta"
	SegmentChunk     = "chunk"
)

// Delimiters for the supported transports.
const (
	MQTTDelimiter = "/"
	NATSDelimiter = "."
)

// Keys that identify or time a metric payload. When a payload has no
// "metrics" object, everything except these keys is stored as the metrics.
var metricEnvelopeKeys = map[string]struct{}{
	"device_id":      {},
	"ts":             {},
	"ts_ms":          {},
	"sample_rate":    {},
	"sample_rate_hz": {},
	"samples":        {},
	"sample_count":   {},
	"metrics":        {},
}

// Classifier turns (routing key, payload) pairs into typed messages.
// It has no side effects and is safe for concurrent use.
type Classifier struct {
	Delimiter string
	// Now supplies the receipt time for payloads without a timestamp.
	Now func() time.Time
}

// NewClassifier creates a classifier for routing keys split by delimiter.
func NewClassifier(delimiter string) *Classifier {
	if delimiter == "" {
		delimiter = MQTTDelimiter
	}
	return &Classifier{Delimiter: delimiter, Now: time.Now}
}

// ParseTopic splits a routing key and determines its kind. Keys that do not
// match a known shape return errors.ErrUnhandled.
func (c *Classifier) ParseTopic(routingKey string) (Topic, error) {
	segs := strings.Split(routingKey, c.Delimiter)
	topic := Topic{Kind: KindUnknown, Segments: segs}

	if len(segs) < 3 || segs[0] != SegmentVersion || segs[1] != SegmentDevice || segs[2] == "" {
		return topic, fmt.Errorf("topic %q: %w", routingKey, errors.ErrUnhandled)
	}
	topic.DeviceID = segs[2]

	if len(segs) < 4 || segs[3] != SegmentTelemetry {
		return topic, fmt.Errorf("topic %q: %w", routingKey, errors.ErrUnhandled)
	}

	switch {
	case len(segs) == 4:
		topic.Kind = KindMetric
	case len(segs) == 6 && segs[4] == SegmentRaw && segs[5] == SegmentMeta:
		topic.Kind = KindRawMeta
	case len(segs) == 8 && segs[4] == SegmentRaw && segs[5] == SegmentChunk && segs[6] != "":
		topic.Kind = KindRawChunk
	default:
		return topic, fmt.Errorf("topic %q: %w", routingKey, errors.ErrUnhandled)
	}
	return topic, nil
}

// Classify parses the routing key and decodes the payload according to its
// kind. Errors wrap errors.ErrUnhandled or errors.ErrMalformed; in both cases
// the message should be dropped.
func (c *Classifier) Classify(routingKey string, payload []byte) (Message, error) {
	topic, err := c.ParseTopic(routingKey)
	if err != nil {
		return Message{Topic: topic}, err
	}

	msg := Message{Topic: topic}
	switch topic.Kind {
	case KindMetric:
		msg.Metric, err = c.decodeMetric(topic.DeviceID, payload)
	case KindRawMeta:
		msg.Meta, err = c.decodeMeta(topic.DeviceID, payload)
	case KindRawChunk:
		msg.Chunk, err = decodeChunk(topic, payload)
	}
	if err != nil {
		return Message{Topic: topic}, err
	}
	return msg, nil
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func malformed(action string) error {
	return errors.WrapInvalid(errors.ErrMalformed, "Classifier", "Classify", action)
}

func (c *Classifier) decodeMetric(deviceID string, payload []byte) (*MetricRecord, error) {
	if !utf8.Valid(payload) {
		return nil, malformed("decode metric: invalid utf-8")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, malformed("decode metric: payload is not a JSON object")
	}

	rec := &MetricRecord{DeviceID: deviceID}

	switch {
	case present(fields["ts_ms"]):
		ts, err := decodeInt(fields["ts_ms"])
		if err != nil {
			return nil, malformed("decode metric: ts_ms")
		}
		rec.TimestampMillis = ts
	case present(fields["ts"]):
		var secs float64
		if err := json.Unmarshal(fields["ts"], &secs); err != nil {
			return nil, malformed("decode metric: ts")
		}
		rec.TimestampMillis = int64(math.Round(secs * 1000))
	default:
		rec.TimestampMillis = c.now().UnixMilli()
	}

	var err error
	if rec.SampleRateHz, err = optionalInt(fields, "sample_rate_hz", "sample_rate"); err != nil {
		return nil, malformed("decode metric: sample rate")
	}
	if rec.SampleCount, err = optionalInt(fields, "samples", "sample_count"); err != nil {
		return nil, malformed("decode metric: sample count")
	}

	if m := fields["metrics"]; present(m) {
		if !isObject(m) {
			return nil, malformed("decode metric: metrics is not an object")
		}
		rec.Metrics = append(json.RawMessage(nil), m...)
		return rec, nil
	}

	rest := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if _, skip := metricEnvelopeKeys[k]; !skip {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil, malformed("decode metric: no metrics in payload")
	}
	// Map keys marshal sorted, so the stored blob is deterministic.
	blob, err := json.Marshal(rest)
	if err != nil {
		return nil, malformed("decode metric: re-encode metrics")
	}
	rec.Metrics = blob
	return rec, nil
}

type metaPayload struct {
	ID           string  `json:"id"`
	Chunks       *int    `json:"chunks"`
	TsMs         *int64  `json:"ts_ms"`
	SampleRateHz *int    `json:"sample_rate_hz"`
	Encoding     string  `json:"encoding"`
	CRC32        *uint32 `json:"crc32"`
}

func (c *Classifier) decodeMeta(deviceID string, payload []byte) (*RawBlockMeta, error) {
	if !utf8.Valid(payload) {
		return nil, malformed("decode meta: invalid utf-8")
	}
	if !isObject(payload) {
		return nil, malformed("decode meta: payload is not a JSON object")
	}
	var p metaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, malformed("decode meta: " + err.Error())
	}
	if p.ID == "" {
		return nil, malformed("decode meta: missing id")
	}
	if p.Chunks == nil {
		return nil, malformed("decode meta: missing chunks")
	}
	if *p.Chunks <= 0 {
		return nil, malformed("decode meta: chunks must be positive")
	}

	encoding := p.Encoding
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &RawBlockMeta{
		BlockID:         p.ID,
		DeviceID:        deviceID,
		TotalChunks:     *p.Chunks,
		Encoding:        encoding,
		TimestampMillis: p.TsMs,
		SampleRateHz:    p.SampleRateHz,
		CRC32:           p.CRC32,
		ReceivedAt:      c.now(),
	}, nil
}

func decodeChunk(topic Topic, payload []byte) (*RawChunk, error) {
	idx, err := strconv.Atoi(topic.Segments[7])
	if err != nil {
		return nil, malformed("decode chunk: non-integer index " + strconv.Quote(topic.Segments[7]))
	}
	return &RawChunk{
		BlockID:  topic.Segments[6],
		DeviceID: topic.DeviceID,
		Index:    idx,
		Payload:  append([]byte(nil), payload...),
	}, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func isObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// decodeInt accepts integral JSON numbers, including ones written as 500.0.
func decodeInt(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

// optionalInt returns the first present key as an int, or nil if none is present.
func optionalInt(fields map[string]json.RawMessage, keys ...string) (*int, error) {
	for _, k := range keys {
		if raw := fields[k]; present(raw) {
			v, err := decodeInt(raw)
			if err != nil {
				return nil, err
			}
			n := int(v)
			return &n, nil
		}
	}
	return nil, nil
}
