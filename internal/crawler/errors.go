package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FetchError is returned when a page could not be retrieved. It carries the
// last HTTP status seen (0 for transport failures) and the number of attempts.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Attempts > 1:
		return fmt.Sprintf("fetch %s: status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	case e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	case e.Attempts > 1:
		return fmt.Sprintf("fetch %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether another attempt may succeed: blocking/rate-limit
// statuses and network timeouts.
func (e *FetchError) Transient() bool {
	if e == nil {
		return false
	}
	switch e.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	case 0:
	default:
		return false
	}
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether err is a FetchError worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Transient()
}

// StatusCode extracts the HTTP status from a FetchError chain, or 0.
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
