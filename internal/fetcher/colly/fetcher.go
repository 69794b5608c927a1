// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
	// Transport replaces the pooled default transport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	robots    *robotsGuard
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		robots:    newRobotsGuard(transport, logger),
		logger:    logger,
	}
}

// Fetch executes a single HTTP GET using Colly. Error statuses come back as
// *crawler.FetchError carrying the status code.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result crawler.FetchResponse
		state  fetchState
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &state)

	if err := f.runCollector(ctx, collector, request.URL, &state); err != nil {
		metrics.ObserveFetch(request.URL, statusLabel(err), 0)
		f.logger.Debug("colly fetch failed", zap.String("url", request.URL), zap.Int("status", state.status), zap.Error(err))
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, strconv.Itoa(result.StatusCode), len(result.Body))
	return result, nil
}

type fetchState struct {
	status int
	err    error
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	state *fetchState,
) *colly.Collector {
	// A collector per request: clones would share one http.Client, and the
	// transport and timeout below are per request.
	collector := colly.NewCollector(colly.Async(false))
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if request.RespectRobotsProvided {
		respectRobots = request.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	if respectRobots {
		collector.WithTransport(f.robots)
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, request, start, result, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		body, contentType := toUTF8(r.Body, headers.Get("Content-Type"))
		headers.Set("Content-Type", contentType)
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       body,
			FetchedAt:  start,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if state.status >= http.StatusBadRequest {
			return &crawler.FetchError{URL: url, StatusCode: state.status, Err: state.err}
		}
		if err == nil {
			err = state.err
		}
		if err != nil {
			return &crawler.FetchError{URL: url, StatusCode: state.status, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// toUTF8 returns body as UTF-8 with a content type that says so. Colly
// already converts bodies whose header names a charset; this covers pages
// that only declare it in a <meta> tag.
func toUTF8(body []byte, contentType string) ([]byte, string) {
	out := body
	if !utf8.Valid(body) {
		enc, _, _ := charset.DetermineEncoding(body, contentType)
		if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
			out = decoded
		}
	}
	return append([]byte(nil), out...), utf8ContentType(contentType)
}

func utf8ContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		mediaType = "text/html"
	}
	return mediaType + "; charset=utf-8"
}

func statusLabel(err error) string {
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.StatusCode > 0 {
		return strconv.Itoa(fe.StatusCode)
	}
	return "error"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
