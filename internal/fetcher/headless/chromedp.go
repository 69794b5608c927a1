// Package headless renders pages in headless Chrome for storefronts that
// build their product markup client-side.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultProductWait       = 5 * time.Second

	// DefaultProductSelector matches the markup extraction reads first:
	// structured data, microdata prices and Open Graph price tags.
	DefaultProductSelector = `script[type="application/ld+json"], [itemprop="price"], meta[property="og:price:amount"], meta[property="product:price:amount"]`
)

// mediaPatterns are skipped when BlockMedia is set. Image URLs stay in the
// DOM; only the downloads are dropped.
var mediaPatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg",
	"*.woff", "*.woff2", "*.ttf", "*.mp4", "*.webm",
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent renders; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ProductSelector is awaited after the body is ready so client-side
	// prices have a chance to appear. Empty uses DefaultProductSelector.
	ProductSelector string
	// ProductWait caps that wait. A page that never shows the selector is
	// still returned.
	ProductWait time.Duration
	// SettleDelay is a final pause for galleries and lazy attributes.
	SettleDelay time.Duration
	// BlockMedia skips image, font and video downloads.
	BlockMedia bool
	Logger     *zap.Logger
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp starts an allocator for headless Chrome. The browser process
// is launched lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ProductWait <= 0 {
		cfg.ProductWait = defaultProductWait
	}
	if cfg.ProductSelector == "" {
		cfg.ProductSelector = DefaultProductSelector
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	f := &Fetcher{cfg: cfg, logger: cfg.Logger}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page and returns the serialized DOM. Document statuses of
// 400 and above become *crawler.FetchError so retries treat them like plain
// HTTP failures.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()
	// Abandon the render when the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		metrics.ObserveFetch(request.URL, "error", 0)
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}

	status, headers, finalURL := doc.result(request.URL, page.location)
	// The serialized DOM is UTF-8 whatever the server declared.
	headers.Set("Content-Type", "text/html; charset=utf-8")
	metrics.ObserveFetch(request.URL, strconv.Itoa(status), len(page.html))
	f.logger.Debug("headless render finished",
		zap.String("url", request.URL),
		zap.String("final_url", finalURL),
		zap.Int("status", status),
		zap.Bool("product_markup", page.productSeen),
		zap.Duration("duration", time.Since(start)),
	)
	if status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: status,
			Err:        fmt.Errorf("headless render returned %s", http.StatusText(status)),
		}
	}

	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		FetchedAt:    start,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

type renderedPage struct {
	html        string
	location    string
	productSeen bool
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.awaitProduct(&page.productSeen),
		chromedp.Sleep(f.settleDelay()),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

// awaitProduct waits up to ProductWait for product markup. Timing out is not
// an error: listing pages and shells are still worth returning.
func (f *Fetcher) awaitProduct(seen *bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, f.productWait())
		defer cancel()
		err := chromedp.WaitReady(f.productSelector(), chromedp.ByQuery).Do(waitCtx)
		switch {
		case err == nil:
			*seen = true
		case ctx.Err() != nil:
			return fmt.Errorf("wait for product markup: %w", ctx.Err())
		}
		return nil
	})
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.BlockMedia {
			if err := network.SetBlockedURLs(mediaPatterns).Do(ctx); err != nil {
				return fmt.Errorf("block media: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (f *Fetcher) settleDelay() time.Duration {
	if f.cfg.SettleDelay > 0 {
		return f.cfg.SettleDelay
	}
	return defaultSettleDelay
}

func (f *Fetcher) productWait() time.Duration {
	if f.cfg.ProductWait > 0 {
		return f.cfg.ProductWait
	}
	return defaultProductWait
}

func (f *Fetcher) productSelector() string {
	if f.cfg.ProductSelector != "" {
		return f.cfg.ProductSelector
	}
	return DefaultProductSelector
}

// documentResponse records the main document's response; sub-resources are
// ignored.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		for _, v := range headerValues(value) {
			headers.Add(key, v)
		}
	}
	d.mu.Lock()
	d.status = int(event.Response.Status)
	d.headers = headers
	d.url = event.Response.URL
	d.mu.Unlock()
}

// result returns the observed status, headers and URL, falling back to 200
// and the browser location (or the requested URL) when no document response
// was seen.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func headerValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			out = append(out, fmt.Sprint(entry))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
