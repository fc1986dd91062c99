// Package storage defines the persistence port used by the batch writer.
package storage

import (
	"context"

	"github.com/c360/sensorstream/telemetry"
)

// RawBlockWriter persists complete raw blocks.
//
// Writing a block whose BlockID is already stored must succeed without
// creating a second record, so redelivered blocks are harmless.
type RawBlockWriter interface {
	WriteRawBlock(ctx context.Context, block *telemetry.RawBlock) error
}

// MetricUpserter persists metric records.
//
// UpsertMetricBatch is keyed on (DeviceID, TimestampMillis). On conflict each
// stored field is replaced only when the incoming value is present (non-nil);
// absent fields leave the stored value unchanged. Records in one batch that
// share a key are applied in order.
type MetricUpserter interface {
	UpsertMetricBatch(ctx context.Context, records []telemetry.MetricRecord) error
}

// DeviceChecker reports whether a device is known to the registry.
type DeviceChecker interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// Store is the full persistence port.
//
// All Store implementations must be safe for concurrent use from multiple
// goroutines.
type Store interface {
	RawBlockWriter
	MetricUpserter
	DeviceChecker
}

// MergeBatch collapses records that share a key, applying them in order so
// later present fields win. The result keeps first-seen key order. A single
// upsert statement may then touch each row at most once.
func MergeBatch(records []telemetry.MetricRecord) []telemetry.MetricRecord {
	index := make(map[telemetry.MetricKey]int, len(records))
	out := make([]telemetry.MetricRecord, 0, len(records))

	for i := range records {
		rec := &records[i]
		key := rec.Key()
		if pos, ok := index[key]; ok {
			out[pos].Merge(rec)
			continue
		}
		index[key] = len(out)
		merged := telemetry.MetricRecord{DeviceID: rec.DeviceID, TimestampMillis: rec.TimestampMillis}
		merged.Merge(rec)
		out = append(out, merged)
	}
	return out
}
