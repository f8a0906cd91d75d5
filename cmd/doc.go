// Package cmd defines the CLI commands for the harvester executable.
//
// Architecture overview:
//   - serve: runs the HTTP API (internal/api). Each POST /v1/sessions starts a
//     harvesting session in the session registry; each session launches its own
//     Chrome via chromedp, discovers result links by scrolling the feed, and
//     fans detail pages out to a FIFO limiter of five concurrent tasks.
//   - crawl: runs one session in-process and writes each record to stdout as a
//     JSON line. Logs go to stderr.
//   - Events: sessions report through a progress.Hub that batches events to the
//     log, Prometheus, stream, record and publish sinks. The stream sink backs
//     the SSE endpoint.
//   - Persistence and fanout: records land in memory or, when database.dsn is
//     set, in Postgres. When pubsub.project_id and pubsub.topic are set each
//     record is also published with the session ID as an attribute.
//
// Operational notes:
//   - Configuration comes from an optional file (--config) and HARVESTER_*
//     environment variables, e.g. HARVESTER_SERVER_PORT or HARVESTER_CRAWL_CONCURRENCY.
//   - On SIGTERM the service stops every session, waits up to
//     server.shutdown_grace for them to drain, flushes the hub, then closes
//     the HTTP server.
package cmd
