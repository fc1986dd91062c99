// Package natsinput subscribes to device telemetry subjects on NATS and
// hands every message to the ingestion pipeline.
//
// Subjects use "." as the routing key delimiter:
//
//	v1.device.<deviceId>.telemetry                      metric record
//	v1.device.<deviceId>.telemetry.raw.meta             raw block metadata
//	v1.device.<deviceId>.telemetry.raw.chunk.<id>.<n>   raw block chunk
//
// With a queue group configured, several service instances share one
// stream of device messages.
package natsinput
