package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/errors"
)

func fixedClassifier(delim string) *Classifier {
	c := NewClassifier(delim)
	c.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

func TestClassifier_ParseTopic(t *testing.T) {
	c := NewClassifier(MQTTDelimiter)

	tests := []struct {
		key      string
		kind     Kind
		deviceID string
		wantErr  bool
	}{
		{"v1/device/dev1/telemetry", KindMetric, "dev1", false},
		{"v1/device/dev1/telemetry/raw/meta", KindRawMeta, "dev1", false},
		{"v1/device/dev1/telemetry/raw/chunk/b1/0", KindRawChunk, "dev1", false},
		{"v1/device", KindUnknown, "", true},
		{"v2/device/dev1/telemetry", KindUnknown, "", true},
		{"v1/sensor/dev1/telemetry", KindUnknown, "", true},
		{"v1/device//telemetry", KindUnknown, "", true},
		{"v1/device/dev1", KindUnknown, "dev1", true},
		{"v1/device/dev1/status", KindUnknown, "dev1", true},
		{"v1/device/dev1/telemetry/raw", KindUnknown, "dev1", true},
		{"v1/device/dev1/telemetry/raw/meta/extra", KindUnknown, "dev1", true},
		{"v1/device/dev1/telemetry/raw/chunk/b1", KindUnknown, "dev1", true},
		{"v1/device/dev1/telemetry/raw/chunk//0", KindUnknown, "dev1", true},
		{"machines/m1/s1/telemetry", KindUnknown, "", true},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			topic, err := c.ParseTopic(test.key)
			if test.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrUnhandled)
				assert.True(t, errors.IsInvalid(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, test.kind, topic.Kind)
			assert.Equal(t, test.deviceID, topic.DeviceID)
		})
	}
}

func TestClassifier_NATSDelimiter(t *testing.T) {
	c := fixedClassifier(NATSDelimiter)

	msg, err := c.Classify("v1.device.pump-7.telemetry.raw.chunk.blk-9.3", []byte{1, 2, 3})
	require.NoError(t, err)
	require.NotNil(t, msg.Chunk)
	assert.Equal(t, "pump-7", msg.Chunk.DeviceID)
	assert.Equal(t, "blk-9", msg.Chunk.BlockID)
	assert.Equal(t, 3, msg.Chunk.Index)
}

func TestClassifier_Metric(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	msg, err := c.Classify("v1/device/dev1/telemetry",
		[]byte(`{"ts_ms":1000,"sample_rate_hz":500,"samples":10,"metrics":{"rms":0.1}}`))
	require.NoError(t, err)
	assert.Equal(t, KindMetric, msg.Topic.Kind)
	require.NotNil(t, msg.Metric)
	assert.Nil(t, msg.Meta)
	assert.Nil(t, msg.Chunk)

	rec := msg.Metric
	assert.Equal(t, "dev1", rec.DeviceID)
	assert.Equal(t, int64(1000), rec.TimestampMillis)
	require.NotNil(t, rec.SampleRateHz)
	assert.Equal(t, 500, *rec.SampleRateHz)
	require.NotNil(t, rec.SampleCount)
	assert.Equal(t, 10, *rec.SampleCount)
	assert.JSONEq(t, `{"rms":0.1}`, string(rec.Metrics))
}

func TestClassifier_MetricDeviceIDFromTopic(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)
	payloads := []string{
		`{"metrics":{"peak":1}}`,
		`{"ts_ms":5,"metrics":{}}`,
		`{"rms_x":0.2,"rms_y":0.3}`,
	}
	for _, id := range []string{"a", "dev-42", "0012ab"} {
		for _, p := range payloads {
			msg, err := c.Classify("v1/device/"+id+"/telemetry", []byte(p))
			require.NoError(t, err, p)
			assert.Equal(t, id, msg.Metric.DeviceID)
			assert.Equal(t, id, msg.Topic.DeviceID)
		}
	}
}

func TestClassifier_MetricLegacyFields(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	payload := `{"device_id":"ignored","ts":1700000000.25,"sample_rate":3200,"window_ms":1000,"acc":{"x":[1],"y":[2],"z":[3]}}`
	msg, err := c.Classify("v1/device/m1/telemetry", []byte(payload))
	require.NoError(t, err)

	rec := msg.Metric
	assert.Equal(t, "m1", rec.DeviceID)
	assert.Equal(t, int64(1_700_000_000_250), rec.TimestampMillis)
	require.NotNil(t, rec.SampleRateHz)
	assert.Equal(t, 3200, *rec.SampleRateHz)
	assert.Nil(t, rec.SampleCount)
	assert.JSONEq(t, `{"window_ms":1000,"acc":{"x":[1],"y":[2],"z":[3]}}`, string(rec.Metrics))

	// float seconds round to the nearest millisecond
	for ts, want := range map[string]int64{"1.001": 1001, "2.9996": 3000, "1700000000.123": 1_700_000_000_123} {
		msg, err := c.Classify("v1/device/m1/telemetry", []byte(`{"ts":`+ts+`}`))
		require.NoError(t, err)
		assert.Equal(t, want, msg.Metric.TimestampMillis, ts)
	}
}

func TestClassifier_MetricReceiptTime(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	msg, err := c.Classify("v1/device/dev1/telemetry", []byte(`{"metrics":{"rms":1}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), msg.Metric.TimestampMillis)
	assert.Nil(t, msg.Metric.SampleRateHz)
}

func TestClassifier_MetricMalformed(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"invalid utf8", []byte{0xff, 0xfe, '{', '}'}},
		{"not json", []byte(`rms=0.1`)},
		{"array", []byte(`[1,2,3]`)},
		{"null", []byte(`null`)},
		{"empty object", []byte(`{}`)},
		{"only envelope", []byte(`{"ts_ms":1000,"samples":4}`)},
		{"metrics not object", []byte(`{"metrics":[1]}`)},
		{"string timestamp", []byte(`{"ts_ms":"now","metrics":{}}`)},
		{"fractional rate", []byte(`{"sample_rate_hz":1.5,"metrics":{}}`)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			msg, err := c.Classify("v1/device/dev1/telemetry", test.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformed)
			assert.Equal(t, "malformed", errors.Reason(err))
			assert.Nil(t, msg.Metric)
		})
	}
}

func TestClassifier_RawMeta(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	msg, err := c.Classify("v1/device/dev1/telemetry/raw/meta", []byte(`{"id":"b1","chunks":2}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Meta)

	meta := msg.Meta
	assert.Equal(t, "b1", meta.BlockID)
	assert.Equal(t, "dev1", meta.DeviceID)
	assert.Equal(t, 2, meta.TotalChunks)
	assert.Equal(t, DefaultEncoding, meta.Encoding)
	assert.Nil(t, meta.TimestampMillis)
	assert.Nil(t, meta.CRC32)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), meta.ReceivedAt)

	msg, err = c.Classify("v1/device/dev1/telemetry/raw/meta",
		[]byte(`{"id":"b2","chunks":4,"ts_ms":42,"sample_rate_hz":3200,"encoding":"int16le-xyz-v2","crc32":3735928559}`))
	require.NoError(t, err)
	meta = msg.Meta
	require.NotNil(t, meta.TimestampMillis)
	assert.Equal(t, int64(42), *meta.TimestampMillis)
	require.NotNil(t, meta.SampleRateHz)
	assert.Equal(t, 3200, *meta.SampleRateHz)
	assert.Equal(t, "int16le-xyz-v2", meta.Encoding)
	require.NotNil(t, meta.CRC32)
	assert.Equal(t, uint32(0xdeadbeef), *meta.CRC32)
}

func TestClassifier_RawMetaMalformed(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	for _, payload := range []string{
		`{"chunks":2}`,
		`{"id":"b1"}`,
		`{"id":"b1","chunks":0}`,
		`{"id":"b1","chunks":-3}`,
		`{"id":"b1","chunks":"two"}`,
		`{"id":7,"chunks":2}`,
		`[]`,
		`not json`,
	} {
		t.Run(payload, func(t *testing.T) {
			_, err := c.Classify("v1/device/dev1/telemetry/raw/meta", []byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformed)
		})
	}
}

func TestClassifier_RawChunk(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	payload := []byte{0xff, 0x00, 0x01, 0x02, 0x03, 0x04}
	msg, err := c.Classify("v1/device/dev1/telemetry/raw/chunk/b1/1", payload)
	require.NoError(t, err)
	require.NotNil(t, msg.Chunk)
	assert.Equal(t, "b1", msg.Chunk.BlockID)
	assert.Equal(t, "dev1", msg.Chunk.DeviceID)
	assert.Equal(t, 1, msg.Chunk.Index)
	assert.Equal(t, payload, msg.Chunk.Payload)

	// The chunk owns its bytes; transport buffers may be reused.
	payload[0] = 0x00
	assert.Equal(t, byte(0xff), msg.Chunk.Payload[0])
}

func TestClassifier_RawChunkBadIndex(t *testing.T) {
	c := fixedClassifier(MQTTDelimiter)

	for _, idx := range []string{"x", "1.5", "0x1", ""} {
		_, err := c.Classify("v1/device/dev1/telemetry/raw/chunk/b1/"+idx, []byte{1})
		require.Error(t, err, idx)
	}

	// Negative indices parse; range checks belong to reassembly.
	msg, err := c.Classify("v1/device/dev1/telemetry/raw/chunk/b1/-1", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, -1, msg.Chunk.Index)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "metric", KindMetric.String())
	assert.Equal(t, "raw_meta", KindRawMeta.String())
	assert.Equal(t, "raw_chunk", KindRawChunk.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestMetricRecord_Merge(t *testing.T) {
	rate := 500
	rec := &MetricRecord{DeviceID: "d", TimestampMillis: 1, SampleRateHz: &rate, Metrics: []byte(`{"a":1}`)}

	count := 10
	rec.Merge(&MetricRecord{DeviceID: "d", TimestampMillis: 1, SampleCount: &count, Metrics: []byte(`{"b":2}`)})

	require.NotNil(t, rec.SampleRateHz)
	assert.Equal(t, 500, *rec.SampleRateHz)
	require.NotNil(t, rec.SampleCount)
	assert.Equal(t, 10, *rec.SampleCount)
	assert.JSONEq(t, `{"b":2}`, string(rec.Metrics))
	assert.Equal(t, MetricKey{DeviceID: "d", TimestampMillis: 1}, rec.Key())
}
