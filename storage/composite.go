package storage

import (
	"context"
	"fmt"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/telemetry"
)

// Composite routes each part of the port to its own backend, for example raw
// blocks to an object store and metrics to SQL.
type Composite struct {
	Raw     RawBlockWriter
	Metrics MetricUpserter
	// Devices may be nil when no device gate is used.
	Devices DeviceChecker
}

var _ Store = (*Composite)(nil)

// WriteRawBlock implements RawBlockWriter
func (c *Composite) WriteRawBlock(ctx context.Context, block *telemetry.RawBlock) error {
	if c.Raw == nil {
		return errors.WrapFatal(fmt.Errorf("no raw block backend"), "Composite", "WriteRawBlock", "route")
	}
	return c.Raw.WriteRawBlock(ctx, block)
}

// UpsertMetricBatch implements MetricUpserter
func (c *Composite) UpsertMetricBatch(ctx context.Context, records []telemetry.MetricRecord) error {
	if c.Metrics == nil {
		return errors.WrapFatal(fmt.Errorf("no metric backend"), "Composite", "UpsertMetricBatch", "route")
	}
	return c.Metrics.UpsertMetricBatch(ctx, records)
}

// DeviceExists implements DeviceChecker. Without a device backend every
// device is accepted.
func (c *Composite) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	if c.Devices == nil {
		return true, nil
	}
	return c.Devices.DeviceExists(ctx, deviceID)
}
