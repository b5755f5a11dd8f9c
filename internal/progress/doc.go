// Package progress reports what a harvest run is doing without slowing it
// down. Workers Emit events into a non-blocking Hub which batches them on a
// background goroutine and fans them out to sinks: per-item log lines,
// Prometheus collectors, and an in-memory tracker behind the status API.
package progress
