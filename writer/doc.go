// Package writer implements the batch writer: the single goroutine that
// drains the ingestion queue into storage.
//
// Raw blocks are written immediately, one call per block. Metric records are
// collected into a batch that is upserted when it reaches MaxBatchSize or
// when MaxBatchWait has passed since the previous flush, whichever comes
// first. The wait is driven by a ticker, so a sparse stream still flushes.
//
// Persistence failures never stop the writer. A failed raw write drops the
// block; a failed flush drops the batch. Both are logged with enough context
// to find the data (block id, device id, batch size, first and last keys)
// and counted in the pipeline metrics.
//
// With VerifyDevices set, metric records for devices that the registry does
// not know are rejected. Registry answers are cached with pkg/cache.
//
// Shutdown: close the queue, then call Drain. The writer flushes, consumes
// what is left until the queue is empty or DrainTimeout expires, flushes a
// final time and Run returns.
package writer
