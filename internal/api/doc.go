// Package api hosts the read-only HTTP server over stored apartment sales.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sales and /v1/sales/watermark for stored sales.
//   - GET /v1/stats/avg-sqm-price and /v1/stats/bounding-box for aggregates.
package api
