// Package scrape turns a single product page into a normalized record by
// running the extractor ladder selected by a Mode, optionally topped up by a
// language model.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/extract"
	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/metrics"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/telemetry"
)

// ErrLLMNotConfigured is returned for llm mode when no generator is set.
var ErrLLMNotConfigured = errors.New("llm generator not configured")

// Mode selects the extraction strategy.
type Mode string

// Supported modes.
const (
	ModeAuto   Mode = "auto"
	ModeJSONLD Mode = "json_ld"
	ModeHTML   Mode = "html"
	ModeLLM    Mode = "llm"
	ModeHybrid Mode = "hybrid"
)

// ParseMode validates a mode name. Empty selects auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeJSONLD, ModeHTML, ModeLLM, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown scrape mode %q", s)
	}
}

// Status is the caller-facing outcome of one scrape.
type Status string

// Scrape outcomes.
const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
	StatusError Status = "error"
)

// Result reports one page. Record is set only when Status is ok; Fields
// holds whatever was extracted so callers can complete an empty result.
type Result struct {
	URL      string
	Status   Status
	Record   *product.Record
	Strategy product.Strategy
	Fields   product.Fields
	Err      error
}

// Config tunes the scraper.
type Config struct {
	// Timeout bounds fetch plus extraction of one page; zero means no limit.
	Timeout time.Duration
	// LLMTextLimit caps the visible text sent to the model.
	LLMTextLimit int
}

const defaultLLMTextLimit = 8000

// Scraper fetches pages and extracts product records.
type Scraper struct {
	fetcher   crawler.Fetcher
	registry  *extract.SiteRegistry
	generator llm.Generator
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds a Scraper. The generator may be nil, which disables llm mode
// and makes auto fall back to html instead of hybrid.
func New(fetcher crawler.Fetcher, registry *extract.SiteRegistry, generator llm.Generator, cfg Config, logger *zap.Logger) *Scraper {
	if registry == nil {
		registry = extract.NewSiteRegistry()
	}
	if cfg.LLMTextLimit <= 0 {
		cfg.LLMTextLimit = defaultLLMTextLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		fetcher:   fetcher,
		registry:  registry,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer(),
	}
}

// LLMEnabled reports whether a generator is configured.
func (s *Scraper) LLMEnabled() bool {
	return s.generator != nil
}

// Scrape fetches url and extracts a record. Page-level failures are reported
// in the Result; the error return is reserved for setup problems such as
// ErrLLMNotConfigured or an unknown mode.
func (s *Scraper) Scrape(ctx context.Context, url string, mode Mode) (Result, error) {
	if mode == "" {
		mode = ModeAuto
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return Result{}, err
	}
	if mode == ModeLLM && s.generator == nil {
		return Result{}, ErrLLMNotConfigured
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "scrape.Scrape",
		trace.WithAttributes(attribute.String("url", url), attribute.String("mode", string(mode))))
	defer span.End()

	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		s.logger.Debug("fetch failed", zap.String("url", url), zap.Error(err))
		strategy := modeStrategy(mode)
		metrics.ObserveRecord(strategyLabel(strategy), string(StatusError))
		return Result{URL: url, Status: StatusError, Strategy: strategy, Err: err}, nil
	}
	res := s.Extract(ctx, resp, mode)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("strategy", string(res.Strategy)),
	)
	return res, nil
}

// Extract runs the extraction for an already fetched page.
func (s *Scraper) Extract(ctx context.Context, resp crawler.FetchResponse, mode Mode) Result {
	link := resp.URL
	doc, err := extract.FromResponse(resp)
	if err != nil {
		strategy := modeStrategy(mode)
		metrics.ObserveRecord(strategyLabel(strategy), string(StatusError))
		return Result{URL: link, Status: StatusError, Strategy: strategy, Err: fmt.Errorf("parse page: %w", err)}
	}
	if mode == ModeAuto {
		mode = s.detect(doc)
		s.logger.Debug("detected scrape mode", zap.String("url", link), zap.String("mode", string(mode)))
	}

	var fields product.Fields
	strategy := modeStrategy(mode)
	if strategy == "" {
		strategy = product.StrategyHTML
	}
	switch strategy {
	case product.StrategyJSONLD:
		fields = extract.Ladder(doc, s.extractors()...)
	case product.StrategyLLM:
		fields = s.llmFields(ctx, doc)
	case product.StrategyHybrid:
		fields = extract.Ladder(doc, s.extractors()...)
		if !fields.Complete() && s.generator != nil {
			fields = fields.Merge(s.llmFields(ctx, doc))
		}
	default:
		fields = extract.Ladder(doc, s.extractors()[1:]...)
	}

	rec, err := product.Finalize(fields, link, strategy)
	if err != nil {
		s.logger.Debug("no usable record", zap.String("url", link), zap.Error(err))
		metrics.ObserveRecord(string(strategy), string(StatusEmpty))
		return Result{URL: link, Status: StatusEmpty, Strategy: strategy, Fields: fields, Err: err}
	}
	metrics.ObserveRecord(string(strategy), string(StatusOK))
	return Result{URL: link, Status: StatusOK, Record: &rec, Strategy: strategy, Fields: fields}
}

// modeStrategy maps a resolved mode to its strategy. Auto is unresolved until
// the page has been parsed and yields the empty strategy.
func modeStrategy(mode Mode) product.Strategy {
	switch mode {
	case ModeJSONLD:
		return product.StrategyJSONLD
	case ModeHTML:
		return product.StrategyHTML
	case ModeLLM:
		return product.StrategyLLM
	case ModeHybrid:
		return product.StrategyHybrid
	default:
		return ""
	}
}

const unresolvedStrategy = "unresolved"

func strategyLabel(strategy product.Strategy) string {
	if strategy == "" {
		return unresolvedStrategy
	}
	return string(strategy)
}

// detect picks a mode from what the page carries: JSON-LD, then a rich set of
// Open Graph tags, then the model when one is available.
func (s *Scraper) detect(doc *extract.Document) Mode {
	switch {
	case doc.HasJSONLD():
		return ModeJSONLD
	case doc.OpenGraphCount() >= 3:
		return ModeHTML
	case s.generator != nil:
		return ModeHybrid
	default:
		return ModeHTML
	}
}

func (s *Scraper) extractors() []extract.Extractor {
	return extract.Default(s.registry, s.logger)
}
