package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/extract"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/retrieval"
	"github.com/JakeFAU/product-extractor/internal/scrape"
)

// ErrMatcherNotConfigured is returned by FindProduct without an embedder.
var ErrMatcherNotConfigured = errors.New("retrieval matcher not configured")

// Page is a crawled page reduced to what retrieval needs.
type Page struct {
	URL    string          `json:"url"`
	Title  string          `json:"title"`
	Text   string          `json:"text"`
	Images []extract.Image `json:"images,omitempty"`
}

// CrawlSite fetches seed, follows its same-host links and returns up to
// limit pages, seed first. Pages that fail to fetch or parse are dropped; a
// failed seed is an error. limit <= 0 selects the configured default.
func (o *Orchestrator) CrawlSite(ctx context.Context, seed string, limit int) ([]Page, error) {
	if limit <= 0 {
		limit = o.cfg.CrawlLimit
	}
	if _, err := crawler.ValidateURL(seed); err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "crawl.CrawlSite", trace.WithAttributes(attribute.String("seed", seed)))
	defer span.End()

	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{URL: seed})
	if err != nil {
		return nil, fmt.Errorf("fetch seed: %w", err)
	}
	doc, err := extract.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	first := pageOf(doc)

	links := crawler.FilterLinks(resp.URL, doc.Links())
	links = dropURL(links, resp.URL)
	if len(links) > limit-1 {
		links = links[:limit-1]
	}

	pages := make([]*Page, len(links))
	var g errgroup.Group
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, link := range links {
		g.Go(func() error {
			r, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{URL: link})
			if err != nil {
				o.logger.Debug("crawl fetch failed", zap.String("url", link), zap.Error(err))
				return nil
			}
			d, err := extract.FromResponse(r)
			if err != nil {
				return nil
			}
			p := pageOf(d)
			pages[i] = &p
			return nil
		})
	}
	_ = g.Wait()

	out := []Page{first}
	for _, p := range pages {
		if p != nil {
			out = append(out, *p)
		}
	}
	o.logger.Info("site crawled", zap.String("seed", seed), zap.Int("links", len(links)), zap.Int("pages", len(out)))
	return out, nil
}

func pageOf(doc *extract.Document) Page {
	title, text := doc.MainContent()
	return Page{URL: doc.URL.String(), Title: title, Text: text, Images: doc.Images()}
}

func dropURL(links []string, target string) []string {
	norm, err := crawler.NormalizeURL(target)
	if err != nil {
		return links
	}
	out := links[:0:0]
	for _, l := range links {
		if n, err := crawler.NormalizeURL(l); err == nil && n == norm {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Found is the outcome of FindProduct.
type Found struct {
	Result scrape.Result
	// Pages is how many pages were considered.
	Pages int
}

// FindProduct crawls the site at seed, picks the page that best matches
// query and scrapes it. When the page lacks a usable image, the page image
// whose alt text best matches the product name is used instead.
func (o *Orchestrator) FindProduct(ctx context.Context, seed, query string, mode scrape.Mode) (Found, error) {
	if o.matcher == nil {
		return Found{}, ErrMatcherNotConfigured
	}
	if strings.TrimSpace(query) == "" {
		return Found{}, errors.New("query is required")
	}
	pages, err := o.CrawlSite(ctx, seed, 0)
	if err != nil {
		return Found{}, err
	}
	candidates := make([]retrieval.Page, 0, len(pages))
	for _, p := range pages {
		candidates = append(candidates, retrieval.Page{URL: p.URL, Title: p.Title, Text: p.Text})
	}
	url, err := o.matcher.SelectURL(ctx, candidates, query)
	if err != nil {
		return Found{}, fmt.Errorf("select page: %w", err)
	}

	res, err := o.scraper.Scrape(ctx, url, mode)
	if err != nil {
		return Found{}, err
	}
	if res.Status == scrape.StatusEmpty && len(res.Fields.Images) == 0 {
		res = o.withMatchedImage(ctx, res, pageByURL(pages, url), query)
	}
	return Found{Result: res, Pages: len(pages)}, nil
}

func (o *Orchestrator) withMatchedImage(ctx context.Context, res scrape.Result, page Page, query string) scrape.Result {
	name := res.Fields.Name.String()
	if name == "" {
		name = query
	}
	src, err := o.matcher.MatchImage(ctx, name, page.Images)
	if err != nil {
		o.logger.Debug("no caption match", zap.String("url", res.URL), zap.Error(err))
		return res
	}
	fields := res.Fields
	fields.Images = []string{src}
	rec, err := product.Finalize(fields, res.URL, res.Strategy)
	if err != nil {
		res.Err = err
		return res
	}
	res.Status = scrape.StatusOK
	res.Record = &rec
	res.Fields = fields
	res.Err = nil
	return res
}

func pageByURL(pages []Page, url string) Page {
	for _, p := range pages {
		if p.URL == url {
			return p
		}
	}
	return Page{}
}
