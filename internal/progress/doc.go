// Package progress carries the events a harvesting session produces. A
// SessionEmitter adapts one session's crawler.EventSink calls into Events, and
// the Hub batches them on a background goroutine before fanning them out to
// pluggable sinks such as the SSE stream, record storage, or Prometheus.
package progress
