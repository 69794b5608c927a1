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
	"github.com/JakeFAU/product-extractor/internal/schema"
)

// ErrSchemasNotConfigured is returned by ExtractWithSchema without a cache.
var ErrSchemasNotConfigured = errors.New("schema cache not configured")

// ExtractWithSchema applies the cached schema of rootDomain to every URL and
// returns at most MaxRecords records. Without a cached schema one is
// generated from the first URL. When the cached schema yields nothing it is
// regenerated once against the next candidate URL. Each host is regenerated
// at most once per Orchestrator, whatever the outcome.
func (o *Orchestrator) ExtractWithSchema(ctx context.Context, urls []string, rootDomain string) (Batch, error) {
	if len(urls) == 0 {
		return Batch{}, ErrNoURLs
	}
	if o.schemas == nil {
		return Batch{}, ErrSchemasNotConfigured
	}
	batchID, err := o.ids.NewID()
	if err != nil {
		return Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	ctx, span := o.tracer.Start(ctx, "crawl.ExtractWithSchema",
		trace.WithAttributes(attribute.String("batch_id", batchID), attribute.String("root", rootDomain)))
	defer span.End()
	metrics.IncBatchesInFlight()
	defer metrics.DecBatchesInFlight()

	start := o.now()
	o.emit(progress.Event{BatchID: batchID, Stage: progress.StageBatchStart, Total: len(urls)})

	s, err := o.schemas.GetOrCreate(ctx, urls[0], rootDomain, false)
	if err != nil {
		o.fail(batchID, start, err)
		return Batch{}, err
	}
	batch := o.applySchema(ctx, batchID, s, urls)

	if len(batch.Records) == 0 && o.mayRegenerate(rootDomain) {
		sample := urls[min(1, len(urls)-1)]
		o.markRegenerated(rootDomain)
		o.logger.Info("schema yielded no records, regenerating",
			zap.String("root", rootDomain), zap.String("sample", sample))
		s, err = o.schemas.GetOrCreate(ctx, sample, rootDomain, true)
		if err != nil {
			o.fail(batchID, start, err)
			return Batch{}, err
		}
		batch = o.applySchema(ctx, batchID, s, urls)
	}

	o.finish(ctx, batch, start)
	return batch, nil
}

func (o *Orchestrator) applySchema(ctx context.Context, batchID string, s schema.SiteSchema, urls []string) Batch {
	var (
		mu       sync.Mutex
		accepted int
	)
	full := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted >= o.cfg.MaxRecords
	}

	perURL := make([][]product.Record, len(urls))
	attempted := make([]bool, len(urls))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, url := range urls {
		g.Go(func() error {
			if full() {
				return nil
			}
			attempted[i] = true
			recs := o.applyOne(ctx, batchID, s, url)
			mu.Lock()
			accepted += len(recs)
			mu.Unlock()
			perURL[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	batch := Batch{ID: batchID}
	for i, recs := range perURL {
		if len(recs) == 0 {
			if attempted[i] {
				batch.Failed++
			}
			continue
		}
		for _, rec := range recs {
			if len(batch.Records) >= o.cfg.MaxRecords {
				break
			}
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch
}

func (o *Orchestrator) applyOne(ctx context.Context, batchID string, s schema.SiteSchema, url string) []product.Record {
	if o.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PageTimeout)
		defer cancel()
	}
	start := o.now()
	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		o.skip(batchID, url, crawler.StatusCode(err), start, err)
		return nil
	}
	recs, err := schema.Apply(s, resp.Body, resp.URL, schema.ApplyOptions{
		DescriptionLimit: o.cfg.DescriptionLimit,
		MaxRecords:       o.cfg.MaxRecords,
	})
	if err == nil && len(recs) == 0 {
		err = product.ErrEmptyResult
	}
	if err != nil {
		metrics.ObserveRecord(string(product.StrategySchema), "empty")
		o.skip(batchID, url, resp.StatusCode, start, err)
		return nil
	}
	o.emit(progress.Event{
		BatchID:     batchID,
		Stage:       progress.StagePageDone,
		Site:        crawler.Host(url),
		URL:         url,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         o.since(start),
	})
	for range recs {
		metrics.ObserveRecord(string(product.StrategySchema), "ok")
		o.emit(progress.Event{BatchID: batchID, Stage: progress.StageRecord, URL: url, Strategy: string(product.StrategySchema)})
	}
	return recs
}

func (o *Orchestrator) fail(batchID string, start time.Time, err error) {
	o.emit(progress.Event{BatchID: batchID, Stage: progress.StageBatchError, Dur: o.since(start), Note: err.Error()})
	o.logger.Warn("batch failed", zap.String("batch_id", batchID), zap.Error(err))
}

func (o *Orchestrator) mayRegenerate(rootDomain string) bool {
	o.regenMu.Lock()
	defer o.regenMu.Unlock()
	return !o.regenerated[crawler.Host(rootDomain)]
}

func (o *Orchestrator) markRegenerated(rootDomain string) {
	o.regenMu.Lock()
	defer o.regenMu.Unlock()
	o.regenerated[crawler.Host(rootDomain)] = true
}
