// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions and /v1/sessions/{id}/stop to start and stop harvests.
//   - GET /v1/sessions/{id}/events, a Server-Sent Events stream of a
//     session's log, progress, record and finished events.
package api
