package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/metrics"
)

const (
	allowAllRobots = "User-agent: *\nAllow: /"
	// robotsFallbackTTL is how long a host that failed its probe is served
	// allow-all without probing again.
	robotsFallbackTTL = 10 * time.Minute
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard sits in front of the collector transport. Storefront CDNs often
// stall robots.txt handshakes; a probe that keeps timing out is answered with
// an allow-all file so the product page is still attempted, and the host is
// remembered so the rest of a batch skips the slow probe.
type robotsGuard struct {
	next    http.RoundTripper
	backoff []time.Duration
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	degraded map[string]time.Time
}

func newRobotsGuard(next http.RoundTripper, logger *zap.Logger) *robotsGuard {
	return &robotsGuard{
		next:     next,
		backoff:  defaultRobotsBackoff,
		sleep:    sleepContext,
		now:      time.Now,
		logger:   logger,
		degraded: make(map[string]time.Time),
	}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("page roundtrip: %w", err)
		}
		return resp, nil
	}
	host := strings.ToLower(req.URL.Host)
	if g.isDegraded(host) {
		return allowAll(req), nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isHandshakeTimeout(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt >= len(g.backoff) {
			break
		}
		if err := g.sleep(req.Context(), g.backoff[attempt]); err != nil {
			return nil, err
		}
	}

	g.markDegraded(host)
	metrics.ObserveRobotsFallback()
	g.logger.Debug("robots.txt probe fell back to allow-all", zap.String("host", host))
	return allowAll(req), nil
}

func (g *robotsGuard) isDegraded(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.degraded[host]
	if !ok {
		return false
	}
	if g.now().After(until) {
		delete(g.degraded, host)
		return false
	}
	return true
}

func (g *robotsGuard) markDegraded(host string) {
	g.mu.Lock()
	g.degraded[host] = g.now().Add(robotsFallbackTTL)
	g.mu.Unlock()
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

func isHandshakeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
