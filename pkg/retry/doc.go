// Package retry wraps an operation in exponential backoff with optional
// jitter.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Startup(): 15 attempts, 200ms-5s delay, for broker and database
//     connections made while the process boots
//
// Example:
//
//	err := retry.Do(ctx, retry.Startup(), func() error {
//	    return db.PingContext(ctx)
//	})
//
// Wrap an error with NonRetryable to stop immediately (bad credentials,
// unknown driver).
package retry
