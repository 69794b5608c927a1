package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func testGuard(next http.RoundTripper) *robotsGuard {
	g := newRobotsGuard(next, zap.NewNop())
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func timeouts(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = context.DeadlineExceeded
	}
	return out
}

func TestRobotsGuardFallsBackAndRemembersHost(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: timeouts(10)}
	guard := testGuard(next)

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.vn/robots.txt", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, allowAllRobots, string(body))
	assert.Equal(t, len(defaultRobotsBackoff)+1, next.calls)

	_, err = guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://SHOP.vn/robots.txt", nil))
	require.NoError(t, err)
	assert.Equal(t, len(defaultRobotsBackoff)+1, next.calls, "degraded host must not be probed again")
}

func TestRobotsGuardForgetsHostAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	guard := testGuard(&scriptedTransport{})
	guard.now = func() time.Time { return now }
	guard.markDegraded("shop.vn")
	assert.True(t, guard.isDegraded("shop.vn"))

	now = now.Add(robotsFallbackTTL + time.Second)
	assert.False(t, guard.isDegraded("shop.vn"))
}

func TestRobotsGuardStopsRetryingAfterSuccess(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: timeouts(1)}
	guard := testGuard(next)

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.vn/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, next.calls)
	assert.False(t, guard.isDegraded("shop.vn"))
}

func TestRobotsGuardSurfacesHardErrors(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: []error{errors.New("connection refused")}}
	_, err := testGuard(next).RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.vn/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, next.calls)
}

func TestRobotsGuardPassesPagesThrough(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: timeouts(1)}
	_, err := testGuard(next).RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.vn/p/1", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, next.calls)
}
