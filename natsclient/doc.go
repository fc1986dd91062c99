// Package natsclient wraps a NATS connection for the ingestion service.
//
// Client owns connection setup (credentials, TLS, reconnect policy),
// subscriptions with an optional queue group, and access to JetStream for
// the raw block object store. Connection state is mirrored into the
// sensorstream_transport_connected{transport="nats"} gauge when metrics are
// attached.
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("sensorstream"),
//	    natsclient.WithMetrics(registry.Pipeline),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.QueueSubscribe(ctx, "v1.device.*.telemetry.>", "",
//	    func(ctx context.Context, subject string, data []byte) {
//	        p.HandleMessage(subject, data)
//	    })
//
// TestClient starts a throwaway NATS server with testcontainers for
// integration tests (build tag "integration").
package natsclient
