// Package sensorstream ingests telemetry from vibration sensors and persists
// it for analysis.
//
// Devices publish two kinds of data over NATS or MQTT: small JSON metric
// messages (RMS, peak and similar features per capture window) and raw
// waveform blocks. A raw block is announced by a meta message and then sent
// as numbered binary chunks that may arrive in any order. sensorstream
// classifies every message by its routing key, reassembles blocks, and
// writes both kinds of data through a single batching writer.
//
// # Architecture
//
//	┌──────────────┐   ┌──────────────┐
//	│  natsinput   │   │  mqttinput   │   transports
//	└──────┬───────┘   └──────┬───────┘
//	       └────────┬─────────┘
//	                ↓ (routing key, payload)
//	┌─────────────────────────────────────┐
//	│      telemetry.Classifier           │  metric | raw meta | raw chunk
//	└─────────────────────────────────────┘
//	       ↓ metrics            ↓ meta, chunks
//	       │            ┌───────────────────┐
//	       │            │ reassembly.Buffer │  completes or evicts blocks
//	       │            └─────────┬─────────┘
//	       ↓                      ↓ complete blocks
//	┌─────────────────────────────────────┐
//	│      ingest.Queue (bounded)         │  drops and counts on overflow
//	└─────────────────────────────────────┘
//	                ↓
//	┌─────────────────────────────────────┐
//	│      writer.Writer                  │  batch upsert metrics,
//	│                                     │  write blocks immediately
//	└─────────────────────────────────────┘
//	                ↓
//	   storage.Store: memory | sqlstore (SQLite, PostgreSQL/TimescaleDB)
//	                  raw blocks optionally in objectstore (JetStream)
//
// Receive goroutines never block on storage. When the queue is full the
// message is dropped and counted; the broker connection keeps flowing.
//
// # Routing keys
//
// Keys are split on "/" for MQTT and "." for NATS:
//
//	v1/device/<id>/telemetry                          metric JSON
//	v1/device/<id>/telemetry/raw/meta                 {"id","chunks",...}
//	v1/device/<id>/telemetry/raw/chunk/<block>/<n>    binary chunk n
//
// # Packages
//
//   - telemetry: message types and the routing key classifier
//   - reassembly: per-block chunk buffer with age and count limits
//   - ingest: bounded, non-blocking queue between receive and write
//   - writer: single consumer that batches metric upserts
//   - pipeline: wires the stages and owns their lifecycle
//   - storage, storage/sqlstore, storage/objectstore: persistence backends
//   - input/natsinput, input/mqttinput: transport adapters
//   - natsclient: managed NATS connection with JetStream access
//   - metric, health: Prometheus metrics and the /health endpoint
//   - config: layered YAML/JSON configuration with environment overrides
//   - errors: classified errors (transient, invalid, fatal)
//
// # Commands
//
// cmd/sensorstream runs the service. cmd/telemetry-publisher simulates
// devices for local testing and load generation.
package sensorstream
