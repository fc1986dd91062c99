// Package metric provides the Prometheus metrics of the ingestion pipeline and
// the HTTP server that exposes them.
//
// MetricsRegistry owns a private Prometheus registry with the PipelineMetrics
// and the Go runtime and process collectors registered. Components that need
// extra series register them through MetricsRegistrar.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	server.AddCheck("nats", natsClient.Healthy)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//
// Every PipelineMetrics method is a no-op on a nil receiver, so tests and
// tools can build components without a registry.
package metric
