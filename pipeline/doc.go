// Package pipeline wires the ingestion stages into one object owned by the
// process: classifier, reassembly buffer, bounded queue and batch writer.
//
// Transports deliver (routingKey, payload) pairs to HandleMessage, or to a
// HandlerFunc bound to their topic delimiter with Handler. The receive path
// only classifies and hands off; metrics go straight to the queue, raw meta
// and chunks go to the reassembly buffer, and completed blocks are queued
// from the buffer's emit callback. Nothing on this path waits for storage.
//
// Rejected input (unhandled topics, malformed payloads, out-of-range chunks)
// is returned to the caller, counted by reason and logged at a limited rate.
//
// Start launches the writer and the sweeper under an errgroup. Stop closes
// the pipeline to input, lets the writer drain the queue and flush, stops the
// sweeper and discards blocks that never completed.
package pipeline
