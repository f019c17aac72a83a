// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queue/... for enqueue, claim, release, and requeue.
//   - GET /v1/diagnostics and POST /v1/recovery/run for the control loop.
package api
