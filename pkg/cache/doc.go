// Package cache provides a generic, thread-safe TTL cache.
//
// The batch writer uses it to remember device registry lookups so that a
// steady stream of metrics for a known device does not hit the database on
// every record:
//
//	devices, err := cache.NewTTL[string, bool](5*time.Minute, time.Minute,
//	    cache.WithMetrics[string, bool](registry, "device_gate"))
//	if err != nil {
//	    return err
//	}
//	defer devices.Close()
//
//	if known, ok := devices.Get(id); ok {
//	    return known, nil
//	}
//
// Negative answers can be kept for a shorter time with SetWithTTL.
//
// Statistics are always collected and available through Stats. Prometheus
// export is enabled with WithMetrics.
package cache
