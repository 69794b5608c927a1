// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape, /v1/scrape/batch and /v1/schema/extract for extraction.
//   - POST /v1/find to crawl a site and extract the page matching a query.
//   - POST /v1/index, /v1/index/{id}/entries and /v1/search for the vector
//     index.
//   - GET /v1/batches/{id} for batch progress via the BatchReader interface.
package api
