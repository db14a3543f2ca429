// Package metrics provides Prometheus instrumentation for the video vault
// service. Metrics are registered with the default Prometheus registry via
// promauto and are prefixed "videovault_" to avoid collisions with other
// applications sharing a scrape target.
//
// Metrics are organized by subsystem:
//
//   - HTTP: request count, duration, and in-flight gauge, recorded by
//     HTTPMiddleware and keyed by normalized path so per-video or per-user
//     identifiers never explode cardinality.
//   - Queue: jobs enqueued, completed (by outcome), job duration, and
//     current depth by state, recorded by internal/queue and internal/worker.
//   - Domain: upload attempts and auth attempts by outcome, and active
//     realtime connections, recorded by internal/api and internal/realtime.
//
// Handler exposes the registered collectors over HTTP:
//
//	mux.Handle("/metrics", metrics.Handler())
package metrics
