// Package sinks implements concrete event consumers: structured logging,
// Prometheus counters, the per-session stream behind the SSE endpoint, record
// persistence and publishing, and JSON lines output for the crawl command.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close
// cycles.
package sinks
