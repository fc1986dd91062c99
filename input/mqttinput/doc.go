// Package mqttinput connects to an MQTT broker with the Eclipse Paho client,
// subscribes to device telemetry topics and hands each message to the
// ingestion pipeline.
//
// Topics use "/" as the routing key delimiter:
//
//	v1/device/<deviceId>/telemetry
//	v1/device/<deviceId>/telemetry/raw/meta
//	v1/device/<deviceId>/telemetry/raw/chunk/<blockId>/<index>
//
// Subscriptions are re-established on every (re)connect, so clean sessions
// work. Message callbacks run concurrently; the pipeline handler never blocks.
package mqttinput
