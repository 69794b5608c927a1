package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/product-extractor/internal/crawler"
)

// ErrUnavailable is returned when headless rendering is disabled.
var ErrUnavailable = errors.New("headless fetcher not configured")

// Noop stands in for the browser fetcher when headless rendering is off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrUnavailable.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: ErrUnavailable}
}
