package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/telemetry"
)

type recordingStore struct {
	*storage.MemoryStore

	mu          sync.Mutex
	batches     [][]telemetry.MetricRecord
	rawCalls    int
	rawErr      error
	upsertErr   error
	deviceCalls atomic.Int32
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *recordingStore) WriteRawBlock(ctx context.Context, b *telemetry.RawBlock) error {
	s.mu.Lock()
	s.rawCalls++
	err := s.rawErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.WriteRawBlock(ctx, b)
}

func (s *recordingStore) UpsertMetricBatch(ctx context.Context, records []telemetry.MetricRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, append([]telemetry.MetricRecord(nil), records...))
	err := s.upsertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.UpsertMetricBatch(ctx, records)
}

func (s *recordingStore) DeviceExists(ctx context.Context, id string) (bool, error) {
	s.deviceCalls.Add(1)
	return s.MemoryStore.DeviceExists(ctx, id)
}

func (s *recordingStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func metricRecord(dev string, ts int64) *telemetry.MetricRecord {
	return &telemetry.MetricRecord{DeviceID: dev, TimestampMillis: ts, Metrics: []byte(`{"rms":1}`)}
}

type harness struct {
	writer  *Writer
	store   *recordingStore
	items   chan telemetry.Item
	metrics *metric.PipelineMetrics
	cancel  context.CancelFunc
	errCh   chan error
}

func startWriter(t *testing.T, cfg Config, store *recordingStore) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		items:   make(chan telemetry.Item, 100),
		metrics: metric.NewPipelineMetrics(),
		errCh:   make(chan error, 1),
	}

	w, err := New(cfg, store, h.items, WithMetrics(h.metrics))
	require.NoError(t, err)
	h.writer = w

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	close(h.items)
	h.writer.Drain()
	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	cfg.MaxBatchWait = time.Hour
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxBatchSize = 0
	assert.True(t, errors.IsFatal(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.VerifyDevices = true
	cfg.UnknownDeviceTTL = 0
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	_, err := New(DefaultConfig(), nil, make(chan telemetry.Item))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestWriter_FlushOnSize(t *testing.T) {
	store := newRecordingStore()
	h := startWriter(t, testConfig(), store)

	for i := 0; i < 3; i++ {
		h.items <- metricRecord("dev-1", int64(i))
	}

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{3}, store.batchSizes())
	}, time.Second, 5*time.Millisecond)

	metrics, _ := store.Counts()
	assert.Equal(t, 3, metrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MetricBatchesFlushed))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.MetricRecordsWritten))
}

func TestWriter_FlushOnTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 100
	cfg.MaxBatchWait = 40 * time.Millisecond

	store := newRecordingStore()
	h := startWriter(t, cfg, store)

	h.items <- metricRecord("dev-1", 1)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{1}, store.batchSizes())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriter_RawBlockWrittenImmediately(t *testing.T) {
	store := newRecordingStore()
	h := startWriter(t, testConfig(), store)

	h.items <- &telemetry.RawBlock{BlockID: "blk-1", DeviceID: "dev-1", Payload: make([]byte, 12), SampleCount: 2}

	assert.Eventually(t, func() bool {
		_, ok := store.RawBlock("blk-1")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, store.batchSizes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RawBlocksWritten))
}

func TestWriter_RawWriteFailureIsCountedAndDropped(t *testing.T) {
	store := newRecordingStore()
	store.rawErr = errors.WrapTransient(assert.AnError, "test", "WriteRawBlock", "insert")
	h := startWriter(t, testConfig(), store)

	h.items <- &telemetry.RawBlock{BlockID: "blk-1", DeviceID: "dev-1"}
	for i := 0; i < 3; i++ {
		h.items <- metricRecord("dev-1", int64(i))
	}

	assert.Eventually(t, func() bool {
		return len(store.batchSizes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RawWriteFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.RawBlocksWritten))
}

func TestWriter_RawFailureHandler(t *testing.T) {
	store := newRecordingStore()
	store.rawErr = assert.AnError

	var failed []string
	items := make(chan telemetry.Item, 2)
	items <- &telemetry.RawBlock{BlockID: "blk-1", DeviceID: "dev-1"}
	close(items)

	w, err := New(testConfig(), store, items, WithRawFailureHandler(func(b *telemetry.RawBlock) {
		failed = append(failed, b.BlockID)
	}))
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"blk-1"}, failed)
}

func TestWriter_FlushFailureDiscardsBatch(t *testing.T) {
	store := newRecordingStore()
	store.upsertErr = assert.AnError
	h := startWriter(t, testConfig(), store)

	for i := 0; i < 3; i++ {
		h.items <- metricRecord("dev-1", int64(i))
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.MetricBatchFlushFailed) == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()

	h.items <- metricRecord("dev-1", 10)
	h.stop(t)

	assert.Equal(t, []int{3, 1}, store.batchSizes())
	metrics, _ := store.Counts()
	assert.Equal(t, 1, metrics)
}

func TestWriter_RejectsMissingDevice(t *testing.T) {
	store := newRecordingStore()
	h := startWriter(t, testConfig(), store)

	h.items <- metricRecord("", 1)
	h.items <- metricRecord("dev-1", 2)
	h.stop(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesRejected.WithLabelValues("missing_device")))
	assert.Equal(t, []int{1}, store.batchSizes())
}

func TestWriter_VerifyDevices(t *testing.T) {
	store := newRecordingStore()
	store.AllowUnknownDevices = false
	store.AddDevice("known")

	cfg := testConfig()
	cfg.MaxBatchSize = 100
	cfg.VerifyDevices = true
	h := startWriter(t, cfg, store)

	h.items <- metricRecord("known", 1)
	h.items <- metricRecord("stranger", 1)
	h.items <- metricRecord("known", 2)
	h.items <- metricRecord("stranger", 2)
	h.stop(t)

	metrics, _ := store.Counts()
	assert.Equal(t, 2, metrics)
	assert.Equal(t, int32(2), store.deviceCalls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.MessagesRejected.WithLabelValues("unknown_device")))
}

func TestWriter_DrainFlushesQueuedItems(t *testing.T) {
	store := newRecordingStore()
	items := make(chan telemetry.Item, 10)
	for i := 0; i < 5; i++ {
		items <- metricRecord("dev-1", int64(i))
	}
	close(items)

	w, err := New(testConfig(), store, items)
	require.NoError(t, err)
	w.Drain()

	require.NoError(t, w.Run(context.Background()))

	metrics, _ := store.Counts()
	assert.Equal(t, 5, metrics)
}

func TestWriter_ContextCancelFlushesBuffered(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 100

	store := newRecordingStore()
	h := startWriter(t, cfg, store)

	h.items <- metricRecord("dev-1", 1)
	h.items <- metricRecord("dev-1", 2)
	assert.Eventually(t, func() bool { return len(h.items) == 0 }, time.Second, time.Millisecond)

	h.cancel()
	select {
	case <-h.writer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}

	metrics, _ := store.Counts()
	assert.Equal(t, 2, metrics)
}

func TestWriter_DrainTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond

	store := newRecordingStore()
	items := make(chan telemetry.Item, 10)
	w, err := New(cfg, store, items)
	require.NoError(t, err)
	w.Drain()

	start := time.Now()
	require.NoError(t, w.Run(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

type stallingStore struct {
	*storage.MemoryStore
	calls atomic.Int32
}

func (s *stallingStore) WriteRawBlock(ctx context.Context, _ *telemetry.RawBlock) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestWriter_AbortCutsShutdownShort(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 10 * time.Second
	cfg.DrainTimeout = 10 * time.Second

	store := &stallingStore{MemoryStore: storage.NewMemoryStore()}
	items := make(chan telemetry.Item, 10)
	for _, id := range []string{"blk-1", "blk-2", "blk-3"} {
		items <- &telemetry.RawBlock{BlockID: id, DeviceID: "dev-1"}
	}
	items <- metricRecord("dev-1", 1)
	close(items)

	metrics := metric.NewPipelineMetrics()
	w, err := New(cfg, store, items, WithMetrics(metrics))
	require.NoError(t, err)
	w.Drain()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	assert.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	w.Abort()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer ignored abort")
	}
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RawWriteFailed))
}
