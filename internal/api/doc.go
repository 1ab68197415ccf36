// Package api hosts the HTTP server, middleware, and read-only handlers over
// the ranking store. Notable routes:
//   - GET /api/ranking and /api/search for cached rankings.
//   - GET /api/last-crawl-time for the crawl cadence.
//   - GET /api/captures, /api/download/{filename} and /captures/* for screenshots.
//   - GET /healthz / readyz for probes and /metrics for Prometheus scraping.
package api
