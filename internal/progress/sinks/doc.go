// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and run history storage. Each sink satisfies
// progress.Sink.
package sinks
