// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL                   string
	Headers               http.Header
	UseHeadless           bool
	RespectRobots         bool
	RespectRobotsProvided bool
}

// FetchResponse is the raw page returned by a Fetcher. It is never mutated
// after it has been handed to an extractor.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	FetchedAt    time.Time
	Duration     time.Duration
	UsedHeadless bool
	Attempts     int
}

// ContentType returns the response Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}
