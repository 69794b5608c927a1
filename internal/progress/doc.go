// Package progress carries batch progress events from the crawl orchestrator
// to pluggable sinks. Events are queued without blocking the caller, batched
// on a background goroutine, and fanned out to logs, Prometheus, Pub/Sub or
// the in-memory batch tracker behind the HTTP API.
package progress
