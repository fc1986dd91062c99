package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/telemetry"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	infos   map[string]*jetstream.ObjectInfo
	puts    int
	putErr  error
}

func newMemBucket() *memBucket {
	return &memBucket{
		objects: make(map[string][]byte),
		infos:   make(map[string]*jetstream.ObjectInfo),
	}
}

func (b *memBucket) Put(_ context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error) {
	if b.putErr != nil {
		return nil, b.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	info := &jetstream.ObjectInfo{ObjectMeta: meta, Size: uint64(len(data))}
	b.objects[meta.Name] = data
	b.infos[meta.Name] = info
	b.puts++
	return info, nil
}

func (b *memBucket) GetInfo(_ context.Context, name string, _ ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.infos[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return info, nil
}

func (b *memBucket) GetBytes(_ context.Context, name string, _ ...jetstream.GetObjectOpt) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return data, nil
}

func testBlock() *telemetry.RawBlock {
	rate := 1600
	crc := uint32(0xCAFEBABE)
	payload := bytes.Repeat([]byte{1, 0, 2, 0, 3, 0}, 512)
	return &telemetry.RawBlock{
		BlockID:         "blk-42",
		DeviceID:        "dev-1",
		TimestampMillis: 1700000000123,
		SampleRateHz:    &rate,
		SampleCount:     len(payload) / telemetry.BytesPerSample,
		Encoding:        telemetry.DefaultEncoding,
		Payload:         payload,
		CRC32:           &crc,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BucketName = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = DefaultConfig()
	cfg.Compression = "brotli"
	err := cfg.Validate()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsFatal(err))
}

func TestStore_Key(t *testing.T) {
	s, err := newStore(newMemBucket(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "raw/dev-1/blk-42", s.Key(testBlock()))

	s.config.KeyPrefix = ""
	assert.Equal(t, "dev-1/blk-42", s.Key(testBlock()))
}

func TestStore_WriteAndRead(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			b := newMemBucket()
			cfg := DefaultConfig()
			cfg.Compression = compression
			s, err := newStore(b, cfg)
			require.NoError(t, err)

			ctx := context.Background()
			block := testBlock()
			require.NoError(t, s.WriteRawBlock(ctx, block))

			info := b.infos["raw/dev-1/blk-42"]
			require.NotNil(t, info)
			assert.Equal(t, "dev-1", info.Headers.Get(HeaderDevice))
			assert.Equal(t, compression, info.Headers.Get(HeaderCompression))
			assert.Equal(t, "3405691582", info.Headers.Get(HeaderCRC32))
			if compression == CompressionZstd {
				assert.Less(t, len(b.objects["raw/dev-1/blk-42"]), len(block.Payload))
			}

			got, err := s.GetRawBlock(ctx, "dev-1", "blk-42")
			require.NoError(t, err)
			assert.Equal(t, block, got)
		})
	}
}

func TestStore_WriteIsIdempotent(t *testing.T) {
	b := newMemBucket()
	registry := metric.NewMetricsRegistry()
	s, err := newStore(b, DefaultConfig(), WithMetrics(registry))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.WriteRawBlock(ctx, testBlock()))

	dup := testBlock()
	dup.Payload = []byte{9, 9, 9, 9, 9, 9}
	require.NoError(t, s.WriteRawBlock(ctx, dup))

	assert.Equal(t, 1, b.puts)
	got, err := s.GetRawBlock(ctx, "dev-1", "blk-42")
	require.NoError(t, err)
	assert.Equal(t, testBlock().Payload, got.Payload)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.writeOps.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.writeOps.WithLabelValues("exists")))
}

func TestStore_OptionalFields(t *testing.T) {
	s, err := newStore(newMemBucket(), DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	block := &telemetry.RawBlock{BlockID: "b", DeviceID: "d", Encoding: telemetry.DefaultEncoding}
	require.NoError(t, s.WriteRawBlock(ctx, block))

	got, err := s.GetRawBlock(ctx, "d", "b")
	require.NoError(t, err)
	assert.Nil(t, got.SampleRateHz)
	assert.Nil(t, got.CRC32)
	assert.Empty(t, got.Payload)
}

func TestStore_PutFailureIsTransient(t *testing.T) {
	b := newMemBucket()
	b.putErr = assert.AnError
	registry := metric.NewMetricsRegistry()
	s, err := newStore(b, DefaultConfig(), WithMetrics(registry))
	require.NoError(t, err)

	err = s.WriteRawBlock(context.Background(), testBlock())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.errors.WithLabelValues("put")))
}

func TestStore_GetMissing(t *testing.T) {
	s, err := newStore(newMemBucket(), DefaultConfig())
	require.NoError(t, err)

	_, err = s.GetRawBlock(context.Background(), "d", "missing")
	assert.ErrorIs(t, err, jetstream.ErrObjectNotFound)
}

func TestWithMetrics_DuplicateBucket(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, err := newStore(newMemBucket(), DefaultConfig(), WithMetrics(registry))
	require.NoError(t, err)

	_, err = newStore(newMemBucket(), DefaultConfig(), WithMetrics(registry))
	assert.True(t, errors.IsInvalid(err))
}

func TestDecompress_SizeMismatch(t *testing.T) {
	data, err := compress([]byte("abcdef"), CompressionZstd)
	require.NoError(t, err)

	_, err = decompress(data, CompressionZstd, 5)
	assert.Error(t, err)

	out, err := decompress(data, CompressionZstd, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), out)
}
