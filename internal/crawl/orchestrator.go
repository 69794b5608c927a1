// Package crawl runs extraction across many URLs under a bounded worker
// count. A failed or empty page never fails the batch; it is dropped from
// the result and reported as a progress event.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/metrics"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/progress"
	"github.com/JakeFAU/product-extractor/internal/retrieval"
	"github.com/JakeFAU/product-extractor/internal/schema"
	"github.com/JakeFAU/product-extractor/internal/scrape"
	"github.com/JakeFAU/product-extractor/internal/telemetry"
)

// ErrNoURLs is returned when a batch is empty.
var ErrNoURLs = errors.New("at least one url is required")

// Config bounds the orchestrator.
type Config struct {
	// Concurrency caps pages fetched and extracted at once (default 4).
	Concurrency int
	// FetchConcurrency caps plain fetches during a site crawl (default 16).
	FetchConcurrency int
	// PageTimeout bounds one page; zero means no limit.
	PageTimeout time.Duration
	// MaxRecords caps accepted records in schema mode (default 10).
	MaxRecords int
	// CrawlLimit caps pages visited by CrawlSite (default 100).
	CrawlLimit int
	// DescriptionLimit truncates schema card descriptions (default 200).
	DescriptionLimit int
}

const (
	defaultConcurrency      = 4
	defaultFetchConcurrency = 16
	defaultMaxRecords       = 10
	defaultCrawlLimit       = 100
)

// Deps are the collaborators of an Orchestrator. Schemas, Matcher, Sinks
// and Events are optional.
type Deps struct {
	Scraper *scrape.Scraper
	Fetcher crawler.Fetcher
	Schemas *schema.Cache
	Matcher *retrieval.Matcher
	Sinks   []RecordSink
	Events  progress.Emitter
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Batch is the outcome of a multi-URL run.
type Batch struct {
	ID      string           `json:"batch_id"`
	Records []product.Record `json:"-"`
	Failed  int              `json:"failed"`
}

// Orchestrator fans extraction out over URLs.
type Orchestrator struct {
	scraper *scrape.Scraper
	fetcher crawler.Fetcher
	schemas *schema.Cache
	matcher *retrieval.Matcher
	sinks   []RecordSink
	events  progress.Emitter
	ids     crawler.IDGenerator
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer

	regenMu     sync.Mutex
	regenerated map[string]bool
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.CrawlLimit <= 0 {
		cfg.CrawlLimit = defaultCrawlLimit
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		scraper:     deps.Scraper,
		fetcher:     deps.Fetcher,
		schemas:     deps.Schemas,
		matcher:     deps.Matcher,
		sinks:       deps.Sinks,
		events:      events,
		ids:         deps.IDs,
		clock:       deps.Clock,
		cfg:         cfg,
		logger:      logger.Named("crawl"),
		tracer:      telemetry.Tracer(),
		regenerated: make(map[string]bool),
	}
}

// ScrapeMany scrapes every URL with mode and returns the records that
// succeeded, in input order. The error is reserved for setup problems; page
// failures only raise Batch.Failed.
func (o *Orchestrator) ScrapeMany(ctx context.Context, urls []string, mode scrape.Mode) (Batch, error) {
	if len(urls) == 0 {
		return Batch{}, ErrNoURLs
	}
	if mode == scrape.ModeLLM && !o.scraper.LLMEnabled() {
		return Batch{}, scrape.ErrLLMNotConfigured
	}
	if _, err := scrape.ParseMode(string(mode)); err != nil {
		return Batch{}, err
	}
	batchID, err := o.ids.NewID()
	if err != nil {
		return Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	ctx, span := o.tracer.Start(ctx, "crawl.ScrapeMany",
		trace.WithAttributes(attribute.String("batch_id", batchID), attribute.Int("urls", len(urls))))
	defer span.End()
	metrics.IncBatchesInFlight()
	defer metrics.DecBatchesInFlight()

	start := o.now()
	o.emit(progress.Event{BatchID: batchID, Stage: progress.StageBatchStart, Total: len(urls)})

	results := make([]*product.Record, len(urls))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, url := range urls {
		g.Go(func() error {
			results[i] = o.scrapeOne(ctx, batchID, url, mode)
			return nil
		})
	}
	_ = g.Wait()

	batch := Batch{ID: batchID}
	for _, rec := range results {
		if rec == nil {
			batch.Failed++
			continue
		}
		batch.Records = append(batch.Records, *rec)
	}
	o.finish(ctx, batch, start)
	span.SetAttributes(attribute.Int("records", len(batch.Records)), attribute.Int("failed", batch.Failed))
	return batch, nil
}

func (o *Orchestrator) scrapeOne(ctx context.Context, batchID, url string, mode scrape.Mode) *product.Record {
	if o.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PageTimeout)
		defer cancel()
	}
	start := o.now()
	res, err := o.scraper.Scrape(ctx, url, mode)
	if err != nil {
		o.skip(batchID, url, 0, start, err)
		return nil
	}
	if res.Status != scrape.StatusOK {
		o.skip(batchID, url, crawler.StatusCode(res.Err), start, res.Err)
		return nil
	}
	o.emit(progress.Event{
		BatchID:     batchID,
		Stage:       progress.StagePageDone,
		Site:        crawler.Host(url),
		URL:         url,
		StatusClass: progress.Status2xx,
		Dur:         o.since(start),
	})
	o.emit(progress.Event{BatchID: batchID, Stage: progress.StageRecord, URL: url, Strategy: string(res.Strategy)})
	return res.Record
}

func (o *Orchestrator) skip(batchID, url string, status int, start time.Time, err error) {
	note := ""
	if err != nil {
		note = err.Error()
	}
	evt := progress.Event{
		BatchID: batchID,
		Stage:   progress.StagePageSkipped,
		Site:    crawler.Host(url),
		URL:     url,
		Dur:     o.since(start),
		Note:    note,
	}
	if status > 0 {
		evt.StatusClass = progress.ClassifyStatus(status)
	}
	o.emit(evt)
	o.logger.Debug("page skipped", zap.String("batch_id", batchID), zap.String("url", url), zap.Error(err))
}

// finish hands records to the sinks and closes out the batch.
func (o *Orchestrator) finish(ctx context.Context, batch Batch, start time.Time) {
	for _, rec := range batch.Records {
		for _, sink := range o.sinks {
			if err := sink.Save(ctx, batch.ID, rec); err != nil {
				o.logger.Warn("record sink failed", zap.String("batch_id", batch.ID),
					zap.String("url", rec.Link), zap.Error(err))
			}
		}
	}
	o.emit(progress.Event{
		BatchID: batch.ID,
		Stage:   progress.StageBatchDone,
		Total:   len(batch.Records),
		Dur:     o.since(start),
	})
	o.logger.Info("batch finished",
		zap.String("batch_id", batch.ID),
		zap.Int("records", len(batch.Records)),
		zap.Int("failed", batch.Failed),
	)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.now()
	}
	o.events.Emit(evt)
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	d := o.now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
