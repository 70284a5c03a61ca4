// Package api hosts the administrative HTTP surface. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST|GET /v1/scan to queue scan jobs.
//   - /v1/consumers to list, start, and stop queue consumers.
//   - POST /v1/cache/flush and /v1/cache/flush-all to clear the dedup store.
//
// Mutating routes return 202 as soon as the background work is started.
package api
