package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "telemetry.db") + "?_busy_timeout=5000"

	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = Open(context.Background(), Config{Driver: "postgres"}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDialect_Placeholders(t *testing.T) {
	assert.Equal(t, "$3, $4, $5", postgresDialect.placeholders(3, 3))
	assert.Equal(t, "?, ?", sqliteDialect.placeholders(1, 2))

	d, err := dialectFor("TimescaleDB")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, d.driver)
}

func TestUpsertStatement_Postgres(t *testing.T) {
	s := New(nil, DriverPostgres, nil)
	stmt := s.upsertStatement(2)

	assert.Contains(t, stmt, "($1, $2, $3, $4, $5::jsonb, $6)")
	assert.Contains(t, stmt, "($7, $8, $9, $10, $11::jsonb, $12)")
	assert.Contains(t, stmt, "COALESCE(excluded.metrics, telemetry_metrics.metrics)")
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestUpsertMetricBatch_KeepsStoredFieldsWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []telemetry.MetricRecord{{
		DeviceID:        "dev-1",
		TimestampMillis: 1700000000000,
		SampleRateHz:    intPtr(1000),
		SampleCount:     intPtr(256),
		Metrics:         []byte(`{"rms":0.5}`),
	}}
	require.NoError(t, s.UpsertMetricBatch(ctx, first))

	second := []telemetry.MetricRecord{{
		DeviceID:        "dev-1",
		TimestampMillis: 1700000000000,
		Metrics:         []byte(`{"rms":0.7}`),
	}}
	require.NoError(t, s.UpsertMetricBatch(ctx, second))

	got, err := s.GetMetric(ctx, "dev-1", 1700000000000)
	require.NoError(t, err)
	require.NotNil(t, got.SampleRateHz)
	require.NotNil(t, got.SampleCount)
	assert.Equal(t, 1000, *got.SampleRateHz)
	assert.Equal(t, 256, *got.SampleCount)
	assert.JSONEq(t, `{"rms":0.7}`, string(got.Metrics))
}

func TestUpsertMetricBatch_DuplicateKeysInOneBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []telemetry.MetricRecord{
		{DeviceID: "dev-1", TimestampMillis: 10, SampleRateHz: intPtr(100), Metrics: []byte(`{"a":1}`)},
		{DeviceID: "dev-2", TimestampMillis: 10, Metrics: []byte(`{"b":1}`)},
		{DeviceID: "dev-1", TimestampMillis: 10, SampleCount: intPtr(8), Metrics: []byte(`{"a":2}`)},
	}
	require.NoError(t, s.UpsertMetricBatch(ctx, batch))

	got, err := s.GetMetric(ctx, "dev-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 100, *got.SampleRateHz)
	assert.Equal(t, 8, *got.SampleCount)
	assert.JSONEq(t, `{"a":2}`, string(got.Metrics))

	other, err := s.GetMetric(ctx, "dev-2", 10)
	require.NoError(t, err)
	assert.Nil(t, other.SampleRateHz)
	assert.Nil(t, other.SampleCount)
}

func TestUpsertMetricBatch_LargeBatchSpansStatements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := make([]telemetry.MetricRecord, rowsPerStatement*2+7)
	for i := range batch {
		batch[i] = telemetry.MetricRecord{
			DeviceID:        "dev-1",
			TimestampMillis: int64(i),
			Metrics:         []byte(fmt.Sprintf(`{"i":%d}`, i)),
		}
	}
	require.NoError(t, s.UpsertMetricBatch(ctx, batch))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM telemetry_metrics`).Scan(&n))
	assert.Equal(t, len(batch), n)
}

func TestUpsertMetricBatch_Empty(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.UpsertMetricBatch(context.Background(), nil))
}

func TestWriteRawBlock_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	crc := uint32(0xDEADBEEF)
	block := &telemetry.RawBlock{
		BlockID:         "blk-1",
		DeviceID:        "dev-1",
		TimestampMillis: 1700000000000,
		SampleRateHz:    intPtr(1600),
		SampleCount:     2,
		Encoding:        telemetry.DefaultEncoding,
		Payload:         []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0},
		CRC32:           &crc,
	}
	require.NoError(t, s.WriteRawBlock(ctx, block))

	dup := *block
	dup.Payload = []byte{9, 9, 9, 9, 9, 9}
	require.NoError(t, s.WriteRawBlock(ctx, &dup))

	got, err := s.GetRawBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, block.Payload, got.Payload)
	assert.Equal(t, 2, got.SampleCount)
	assert.Equal(t, 1600, *got.SampleRateHz)
	require.NotNil(t, got.CRC32)
	assert.Equal(t, crc, *got.CRC32)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM raw_blocks`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWriteRawBlock_OptionalFieldsNull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRawBlock(ctx, &telemetry.RawBlock{
		BlockID:  "blk-2",
		DeviceID: "dev-1",
		Encoding: telemetry.DefaultEncoding,
	}))

	got, err := s.GetRawBlock(ctx, "blk-2")
	require.NoError(t, err)
	assert.Nil(t, got.SampleRateHz)
	assert.Nil(t, got.CRC32)
	assert.Empty(t, got.Payload)
}

func TestDevices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.DeviceExists(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RegisterDevice(ctx, "dev-1", "press line 1"))
	require.NoError(t, s.RegisterDevice(ctx, "dev-1", "renamed"))

	ok, err = s.DeviceExists(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.RegisterDevice(ctx, "", "x")
	assert.True(t, errors.IsInvalid(err))
}

func TestGetMetric_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetMetric(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
