// Package config loads the sensorstream service configuration.
//
// Configuration is built in layers: built-in defaults, then each file added
// to the Loader (JSON or YAML, later files win key by key), then
// SENSORSTREAM_* environment variables, then validation.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml")
//	cfg, err := loader.Load()
//
// Durations are strings ("500ms", "60s"); the retention-style keys also
// accept days ("14d").
//
// Environment overrides:
//
//	SENSORSTREAM_TRANSPORT          nats | mqtt | both
//	SENSORSTREAM_NATS_URLS          comma-separated server URLs
//	SENSORSTREAM_NATS_USERNAME      SENSORSTREAM_NATS_PASSWORD  SENSORSTREAM_NATS_TOKEN
//	SENSORSTREAM_NATS_QUEUE_GROUP
//	SENSORSTREAM_MQTT_BROKER        e.g. ssl://broker:8883
//	SENSORSTREAM_MQTT_CLIENT_ID     SENSORSTREAM_MQTT_USERNAME  SENSORSTREAM_MQTT_PASSWORD
//	SENSORSTREAM_MQTT_CA_FILE       enables TLS with an extra trusted CA
//	SENSORSTREAM_STORAGE_DRIVER     memory | sqlite | postgres
//	SENSORSTREAM_STORAGE_DSN
//	SENSORSTREAM_STORAGE_RAW_STORE  sql | objectstore
//	SENSORSTREAM_STORAGE_TIMESCALE  true | false
//	SENSORSTREAM_METRICS_ADDR
//	SENSORSTREAM_VERIFY_DEVICES     true | false
package config
