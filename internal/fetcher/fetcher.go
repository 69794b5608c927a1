// Package fetcher composes crawler.Fetcher implementations: headless
// promotion, raw page archival and per-domain throttling.
package fetcher

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawler"
)

// Promoting probes with a plain HTTP fetcher and re-fetches through the
// headless renderer when the detector judges the probe a script shell.
// Requests with UseHeadless set skip the probe.
type Promoting struct {
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector crawler.HeadlessDetector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. A nil headless fetcher or detector
// disables promotion.
func NewPromoting(probe, headless crawler.Fetcher, detector crawler.HeadlessDetector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.UseHeadless && p.headless != nil {
		return p.headless.Fetch(ctx, request)
	}
	resp, err := p.probe.Fetch(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp, nil
	}

	headlessReq := request
	headlessReq.UseHeadless = true
	rendered, err := p.headless.Fetch(ctx, headlessReq)
	if err != nil {
		p.logger.Warn("headless promotion failed", zap.String("url", request.URL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	rendered.Attempts = resp.Attempts
	p.logger.Debug("headless promotion applied", zap.String("url", request.URL))
	return rendered, nil
}

// Archiving stores every fetched body in a BlobStore under
// <prefix>/<host>/<digest>.html. Archival failures are logged and the page is
// still returned.
type Archiving struct {
	next   crawler.Fetcher
	store  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	logger *zap.Logger
}

// NewArchiving wraps next. The prefix defaults to "pages".
func NewArchiving(next crawler.Fetcher, store crawler.BlobStore, hasher crawler.Hasher, prefix string, logger *zap.Logger) *Archiving {
	if prefix == "" {
		prefix = "pages"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiving{next: next, store: store, hasher: hasher, prefix: prefix, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (a *Archiving) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := a.next.Fetch(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	a.archive(ctx, resp)
	return resp, nil
}

func (a *Archiving) archive(ctx context.Context, resp crawler.FetchResponse) {
	digest, err := a.hasher.Hash(resp.Body)
	if err != nil {
		a.logger.Warn("hash page body", zap.String("url", resp.URL), zap.Error(err))
		return
	}
	path := crawler.PagePath(a.prefix, resp.URL, digest)
	contentType := resp.ContentType()
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := a.store.PutObject(ctx, path, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		a.logger.Warn("archive page", zap.String("url", resp.URL), zap.String("path", path), zap.Error(err))
		return
	}
	a.logger.Debug("page archived", zap.String("url", resp.URL), zap.String("uri", uri))
}

// RateLimited waits on a per-domain limiter before each fetch.
type RateLimited struct {
	next    crawler.Fetcher
	limiter crawler.Limiter
}

// NewRateLimited wraps next.
func NewRateLimited(next crawler.Fetcher, limiter crawler.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

// Fetch implements crawler.Fetcher.
func (r *RateLimited) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := r.limiter.Wait(ctx, request.URL); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}
	return r.next.Fetch(ctx, request)
}

// Blocking refuses URLs whose host is on the blocklist without touching the
// network.
type Blocking struct {
	next      crawler.Fetcher
	blocklist *crawler.Blocklist
}

// NewBlocking wraps next. A nil blocklist lets every URL through.
func NewBlocking(next crawler.Fetcher, blocklist *crawler.Blocklist) *Blocking {
	return &Blocking{next: next, blocklist: blocklist}
}

// Fetch implements crawler.Fetcher.
func (b *Blocking) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if b.blocklist.Blocked(request.URL) {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: crawler.ErrBlocked}
	}
	return b.next.Fetch(ctx, request)
}
