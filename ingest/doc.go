// Package ingest provides the bounded hand-off queue between transport
// callbacks and the batch writer.
//
// The policy is lossy under overload: Offer never blocks the receive path,
// and an item that does not fit is dropped and counted in
// sensorstream_queue_dropped_total.
package ingest
