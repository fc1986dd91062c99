// Package errors classifies pipeline failures.
//
// # Classes
//
//   - Transient: storage or transport trouble. Counted and logged; the
//     affected item is discarded by the writer, the pipeline keeps running.
//   - Invalid: malformed device input (bad topic shape, bad JSON, chunk
//     index out of range). Logged with context and dropped.
//   - Fatal: startup misconfiguration. Returned from run() and exits.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := db.PingContext(ctx); err != nil {
//	    return errors.WrapTransient(err, "Store", "Open", "ping database")
//	}
//
// errors.Is and errors.As work through every wrapper, so callers test for
// the sentinel (ErrMalformed, ErrUnhandled, ...) regardless of depth.
//
// # Metric labels
//
// Reason maps an error to a short label used by the
// messages_rejected_total{reason} counter.
package errors
