// Package health models the health of the service's dependencies.
//
// A Status is healthy, degraded or unhealthy. Checks report an error or nil;
// FromCheck turns that into a Status with the error message sanitized so
// URLs, paths, addresses and credentials are not exposed on the health
// endpoint. Aggregate rolls the per-dependency statuses into one:
//
//	statuses := []health.Status{
//		health.FromCheck("nats", natsClient.Healthy()),
//		health.FromCheck("database", db.Ping(ctx)),
//	}
//	overall := health.Aggregate("sensorstream", statuses)
//	if !overall.Healthy {
//		// report 503
//	}
package health
