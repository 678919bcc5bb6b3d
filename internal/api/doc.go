// Package api hosts the operational HTTP surface of the monitor:
//   - GET /healthz and /readyz for probes (readiness pings the group store).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/pending for producers to queue candidates.
//   - GET /v1/groups, /v1/groups/{username}, /v1/topics/{name} and /v1/stats
//     for read-only inspection.
package api
