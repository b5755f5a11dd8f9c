// Package sinks implements progress consumers: structured per-item logging,
// Prometheus collectors, and an in-memory Tracker that backs the status
// endpoint.
package sinks
