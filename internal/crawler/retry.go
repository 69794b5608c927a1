package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 2 * time.Second
)

// RetryConfig controls RetryFetcher.
type RetryConfig struct {
	MaxAttempts int
	// Backoff is the fixed delay between attempts. Zero selects the default
	// of two seconds; a negative value disables the delay.
	Backoff time.Duration
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(url string, attempt int, err error)
}

// RetryFetcher retries transient failures of the wrapped Fetcher with a fixed
// delay between attempts. Non-transient failures are returned immediately.
type RetryFetcher struct {
	next   Fetcher
	cfg    RetryConfig
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

// NewRetryFetcher wraps next with the retry policy.
func NewRetryFetcher(next Fetcher, cfg RetryConfig, logger *zap.Logger) *RetryFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	} else if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryFetcher{
		next:   next,
		cfg:    cfg,
		sleep:  sleepWithContext,
		logger: logger,
	}
}

// Fetch runs the wrapped fetcher until it succeeds, fails permanently, or the
// attempt budget is spent. Failures are always *FetchError.
func (f *RetryFetcher) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	var lastErr *FetchError
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		resp, err := f.next.Fetch(ctx, request)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = asFetchError(request.URL, err)
		lastErr.Attempts = attempt
		if !lastErr.Transient() || ctx.Err() != nil {
			return FetchResponse{}, lastErr
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}
		f.logger.Debug("transient fetch failure, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("status", lastErr.StatusCode),
			zap.Error(err),
		)
		if f.cfg.OnRetry != nil {
			f.cfg.OnRetry(request.URL, attempt, err)
		}
		if err := f.sleep(ctx, f.cfg.Backoff); err != nil {
			return FetchResponse{}, &FetchError{URL: request.URL, Attempts: attempt, Err: err}
		}
	}
	return FetchResponse{}, lastErr
}

func asFetchError(url string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		cp := *fe
		if cp.URL == "" {
			cp.URL = url
		}
		return &cp
	}
	return &FetchError{URL: url, Err: err}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
