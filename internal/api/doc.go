// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{job_type}/start and /stop to control a job type.
//   - GET /v1/jobs/{job_type}/status, /checkpoints and /runs for progress.
//   - GET /v1/failures for the failure ledger.
package api
