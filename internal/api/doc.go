// Package api hosts the HTTP server, middleware and handlers of MarketPulse.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/crawl/status, the rate-limited dashboard feed.
//   - GET /api/cron/{scheduler,worker,email-worker,weekly-summary}, invoked by
//     an external scheduler with a bearer shared secret.
package api
