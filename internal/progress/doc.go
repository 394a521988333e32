// Package progress provides the run events, the non-blocking hub and the
// emitter interface the executor uses to report batch and item progress. The
// hub batches events on a background goroutine and fans them out to pluggable
// sinks such as logs, Prometheus metrics or run history storage.
package progress
