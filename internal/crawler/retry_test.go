package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	callCount int
}

func (f *countingFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.failures < 0 || f.callCount <= f.failures {
		return FetchResponse{}, f.failWith
	}
	return FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func (f *countingFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func newTestRetryFetcher(next Fetcher) *RetryFetcher {
	f := NewRetryFetcher(next, RetryConfig{}, nil)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestRetryFetcherSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	stub := &countingFetcher{
		failures: 2,
		failWith: &FetchError{URL: "https://shop.test/p/1", StatusCode: http.StatusForbidden},
	}
	f := newTestRetryFetcher(stub)

	resp, err := f.Fetch(context.Background(), FetchRequest{URL: "https://shop.test/p/1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 3, stub.calls())
}

func TestRetryFetcherExhaustsAttempts(t *testing.T) {
	t.Parallel()

	stub := &countingFetcher{
		failures: -1,
		failWith: &FetchError{StatusCode: http.StatusTooManyRequests},
	}
	f := newTestRetryFetcher(stub)

	_, err := f.Fetch(context.Background(), FetchRequest{URL: "https://shop.test/p/2"})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, fe.StatusCode)
	assert.Equal(t, "https://shop.test/p/2", fe.URL)
	assert.Equal(t, 3, stub.calls())
}

func TestRetryFetcherFailsFastOnPermanentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "not found", err: &FetchError{StatusCode: http.StatusNotFound}},
		{name: "connection refused", err: syscall.ECONNREFUSED},
		{name: "plain error", err: errors.New("unsupported protocol scheme")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stub := &countingFetcher{failures: -1, failWith: tt.err}
			f := newTestRetryFetcher(stub)

			_, err := f.Fetch(context.Background(), FetchRequest{URL: "https://shop.test/x"})
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 1, fe.Attempts)
			assert.Equal(t, 1, stub.calls())
		})
	}
}

func TestRetryFetcherStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	stub := &countingFetcher{failures: -1, failWith: &FetchError{StatusCode: http.StatusForbidden}}
	f := NewRetryFetcher(stub, RetryConfig{Backoff: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.cfg.OnRetry = func(string, int, error) { cancel() }

	_, err := f.Fetch(ctx, FetchRequest{URL: "https://shop.test/slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stub.calls())
}

func TestFetchErrorTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&FetchError{StatusCode: http.StatusForbidden}))
	assert.True(t, IsTransient(&FetchError{Err: context.DeadlineExceeded}))
	assert.False(t, IsTransient(&FetchError{Err: context.Canceled}))
	assert.False(t, IsTransient(&FetchError{StatusCode: http.StatusInternalServerError}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.Equal(t, http.StatusForbidden, StatusCode(&FetchError{StatusCode: http.StatusForbidden}))
}
