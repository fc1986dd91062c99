package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/sensorstream/telemetry"
)

// MemoryStore keeps everything in process memory. It has the same merge and
// idempotency semantics as the SQL store and serves tests and the "memory"
// storage driver.
type MemoryStore struct {
	mu      sync.RWMutex
	metrics map[telemetry.MetricKey]telemetry.MetricRecord
	blocks  map[string]telemetry.RawBlock
	devices map[string]struct{}
	// AllowUnknownDevices makes DeviceExists accept any id.
	AllowUnknownDevices bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store that accepts any device.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:             make(map[telemetry.MetricKey]telemetry.MetricRecord),
		blocks:              make(map[string]telemetry.RawBlock),
		devices:             make(map[string]struct{}),
		AllowUnknownDevices: true,
	}
}

// WriteRawBlock stores a copy of block unless its id is already present.
func (s *MemoryStore) WriteRawBlock(ctx context.Context, block *telemetry.RawBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[block.BlockID]; exists {
		return nil
	}
	cp := *block
	cp.Payload = append([]byte(nil), block.Payload...)
	s.blocks[block.BlockID] = cp
	return nil
}

// UpsertMetricBatch merges records into the stored rows.
func (s *MemoryStore) UpsertMetricBatch(ctx context.Context, records []telemetry.MetricRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range MergeBatch(records) {
		key := rec.Key()
		stored, ok := s.metrics[key]
		if !ok {
			stored = telemetry.MetricRecord{DeviceID: rec.DeviceID, TimestampMillis: rec.TimestampMillis}
		}
		stored.Merge(&rec)
		s.metrics[key] = stored
	}
	return nil
}

// DeviceExists reports whether the device was registered with AddDevice.
func (s *MemoryStore) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.AllowUnknownDevices {
		return true, nil
	}
	_, ok := s.devices[deviceID]
	return ok, nil
}

// AddDevice registers a device id.
func (s *MemoryStore) AddDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = struct{}{}
}

// Metric returns the stored record for a key.
func (s *MemoryStore) Metric(deviceID string, tsMillis int64) (telemetry.MetricRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.metrics[telemetry.MetricKey{DeviceID: deviceID, TimestampMillis: tsMillis}]
	if ok {
		rec.Metrics = append(json.RawMessage(nil), rec.Metrics...)
	}
	return rec, ok
}

// RawBlock returns the stored block with the given id.
func (s *MemoryStore) RawBlock(blockID string) (telemetry.RawBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockID]
	return b, ok
}

// Counts returns how many metric rows and raw blocks are stored.
func (s *MemoryStore) Counts() (metrics, blocks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics), len(s.blocks)
}
