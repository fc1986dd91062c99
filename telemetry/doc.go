// Package telemetry defines the messages devices publish and the Classifier
// that maps a routing key and payload onto them.
//
// Routing keys (shown with the MQTT "/" delimiter; NATS subjects use "."):
//
//	v1/device/<deviceId>/telemetry                           metric record (JSON)
//	v1/device/<deviceId>/telemetry/raw/meta                  raw block announcement (JSON)
//	v1/device/<deviceId>/telemetry/raw/chunk/<blockId>/<n>   raw block fragment (bytes)
//
// Anything else is reported as errors.ErrUnhandled. Payloads that cannot be
// decoded are reported as errors.ErrMalformed.
package telemetry
