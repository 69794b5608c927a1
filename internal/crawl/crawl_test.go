package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/progress"
	"github.com/JakeFAU/product-extractor/internal/publisher/memory"
	"github.com/JakeFAU/product-extractor/internal/retrieval"
	"github.com/JakeFAU/product-extractor/internal/schema"
	"github.com/JakeFAU/product-extractor/internal/scrape"
	"github.com/JakeFAU/product-extractor/internal/storage/postgres"
	"github.com/JakeFAU/product-extractor/internal/vectorindex"
)

func productPage(n int) string {
	return fmt.Sprintf(`<html><head><script type="application/ld+json">{"@context":"https://schema.org",
"@type":"Product","name":"Đèn LED %d","description":"Công suất %d0W",
"image":"https://shop.vn/img/%d.jpg","offers":{"@type":"Offer","price":"%d00000","priceCurrency":"VND"}}</script>
</head><body></body></html>`, n, n, n, n)
}

const noPricePage = `<html><head><title>Liên hệ</title></head><body><h1>Đèn LED</h1><p>Liên hệ để biết giá</p></body></html>`

const cardsPage = `<html><body>
<div class="product-card"><h2 class="product-name">Đèn A</h2><span class="price">100.000 ₫</span><img src="/a.jpg"><p>Đèn A 10W</p></div>
<div class="product-card"><h2 class="product-name">Đèn B</h2><span class="price">200.000 ₫</span><img src="/b.jpg"><p>Đèn B 20W</p></div>
</body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	body, ok := f.pages[req.URL]
	err := f.errs[req.URL]
	f.mu.Unlock()
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}, nil
}

func (f *fakeFetcher) fetched(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

type recordingInserter struct {
	mu   sync.Mutex
	rows []postgres.Row
	err  error
}

func (r *recordingInserter) InsertProduct(_ context.Context, row postgres.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, row)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type scriptedInferrer struct {
	mu      sync.Mutex
	schemas []schema.SiteSchema
	err     error
	calls   int
}

func (s *scriptedInferrer) Infer(context.Context, string, string) (schema.SiteSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return schema.SiteSchema{}, s.err
	}
	idx := min(s.calls-1, len(s.schemas)-1)
	return s.schemas[idx], nil
}

func (s *scriptedInferrer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type wordEmbedder struct {
	mu    sync.Mutex
	vocab map[string]int
}

func (e *wordEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vocab == nil {
		e.vocab = make(map[string]int)
	}
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		v := make([]float32, 512)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			idx, ok := e.vocab[tok]
			if !ok {
				idx = len(e.vocab) % 512
				e.vocab[tok] = idx
			}
			v[idx]++
		}
		out[i] = v
	}
	return out, nil
}

func goodSchema(t *testing.T) schema.SiteSchema {
	t.Helper()
	var s schema.SiteSchema
	require.NoError(t, json.Unmarshal([]byte(schema.Example), &s))
	return s
}

func emptySchema(t *testing.T) schema.SiteSchema {
	s := goodSchema(t)
	s.BaseSelector = "//section[@class='nothing']"
	return s
}

func newOrchestrator(t *testing.T, f *fakeFetcher, deps Deps, cfg Config) *Orchestrator {
	t.Helper()
	if deps.Scraper == nil {
		deps.Scraper = scrape.New(f, nil, nil, scrape.Config{}, nil)
	}
	deps.Fetcher = f
	if deps.IDs == nil {
		deps.IDs = &seqIDs{}
	}
	return New(deps, cfg)
}

func TestScrapeManyFiltersFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://shop.vn/p/1": productPage(1),
		"https://shop.vn/p/2": productPage(2),
		"https://shop.vn/p/3": productPage(3),
		"https://shop.vn/p/5": noPricePage,
	}}
	pub := memory.New()
	store := &recordingInserter{}
	events := &recordingEmitter{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := &seqIDs{}
	o := newOrchestrator(t, f, Deps{
		Sinks:  []RecordSink{NewStoreSink(store, ids, fixedClock{now}), NewPublishSink(pub, "products")},
		Events: events,
		IDs:    ids,
		Clock:  fixedClock{now},
	}, Config{})

	urls := []string{
		"https://shop.vn/p/1", "https://shop.vn/p/2", "https://shop.vn/p/3",
		"https://shop.vn/p/4", "https://shop.vn/p/5",
	}
	batch, err := o.ScrapeMany(context.Background(), urls, scrape.ModeAuto)
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, 2, batch.Failed)
	assert.Equal(t, "id-1", batch.ID)
	for i, rec := range batch.Records {
		assert.Equal(t, urls[i], rec.Link, "input order is preserved")
	}
	assert.Equal(t, "Đèn LED 1", batch.Records[0].Name)
	assert.Equal(t, "100000 VND", batch.Records[0].Price())

	require.Len(t, store.rows, 3)
	assert.Equal(t, batch.ID, store.rows[0].BatchID)
	assert.Equal(t, now, store.rows[0].ExtractedAt)
	assert.NotEqual(t, store.rows[0].ID, store.rows[1].ID)

	msgs := pub.Topic("products")
	require.Len(t, msgs, 3)
	var msg RecordMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &msg))
	assert.Equal(t, batch.ID, msg.BatchID)
	assert.Equal(t, "json_ld", msg.Strategy)
	assert.Equal(t, "Đèn LED 1", msg.Product.Name)

	assert.Equal(t, 1, events.count(progress.StageBatchStart))
	assert.Equal(t, 3, events.count(progress.StagePageDone))
	assert.Equal(t, 3, events.count(progress.StageRecord))
	assert.Equal(t, 2, events.count(progress.StagePageSkipped))
	assert.Equal(t, 1, events.count(progress.StageBatchDone))
}

func TestScrapeManyBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pages := map[string]string{}
	var urls []string
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("https://shop.vn/p/%d", i)
		pages[u] = productPage(i + 1)
		urls = append(urls, u)
	}
	f := &fakeFetcher{pages: pages, delay: 20 * time.Millisecond}
	o := newOrchestrator(t, f, Deps{}, Config{Concurrency: 2})

	batch, err := o.ScrapeMany(context.Background(), urls, scrape.ModeJSONLD)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 8)
	assert.LessOrEqual(t, f.maxInFlight.Load(), int32(2))
}

// stallingFetcher blocks on one URL until the context ends.
type stallingFetcher struct {
	*fakeFetcher
	stall string
}

func (f stallingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.URL == f.stall {
		<-ctx.Done()
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Err: ctx.Err()}
	}
	return f.fakeFetcher.Fetch(ctx, req)
}

func TestScrapeManyAppliesPageTimeout(t *testing.T) {
	t.Parallel()

	f := stallingFetcher{
		fakeFetcher: &fakeFetcher{pages: map[string]string{"https://shop.vn/p/1": productPage(1)}},
		stall:       "https://shop.vn/p/slow",
	}
	o := New(Deps{
		Scraper: scrape.New(f, nil, nil, scrape.Config{}, nil),
		Fetcher: f,
		IDs:     &seqIDs{},
	}, Config{PageTimeout: 50 * time.Millisecond})

	start := time.Now()
	batch, err := o.ScrapeMany(context.Background(), []string{"https://shop.vn/p/slow", "https://shop.vn/p/1"}, scrape.ModeJSONLD)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, 1, batch.Failed)
}

func TestScrapeManySinkFailureDoesNotFailBatch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{"https://shop.vn/p/1": productPage(1)}}
	store := &recordingInserter{err: errors.New("db down")}
	o := newOrchestrator(t, f, Deps{Sinks: []RecordSink{NewStoreSink(store, &seqIDs{}, nil)}}, Config{})

	batch, err := o.ScrapeMany(context.Background(), []string{"https://shop.vn/p/1"}, scrape.ModeAuto)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
}

func TestScrapeManySetupErrors(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fakeFetcher{}, Deps{}, Config{})
	_, err := o.ScrapeMany(context.Background(), nil, scrape.ModeAuto)
	require.ErrorIs(t, err, ErrNoURLs)

	_, err = o.ScrapeMany(context.Background(), []string{"https://shop.vn/p/1"}, scrape.ModeLLM)
	require.ErrorIs(t, err, scrape.ErrLLMNotConfigured)

	_, err = o.ScrapeMany(context.Background(), []string{"https://shop.vn/p/1"}, scrape.Mode("magic"))
	require.Error(t, err)
}

func newSchemaCache(t *testing.T, f *fakeFetcher, inf schema.Inferrer) *schema.Cache {
	t.Helper()
	store, err := schema.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return schema.NewCache(store, f, inf, nil, nil)
}

func TestExtractWithSchemaCapsRecords(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://shop.vn/c/1": cardsPage,
		"https://shop.vn/c/2": cardsPage,
		"https://shop.vn/c/3": cardsPage,
	}}
	inf := &scriptedInferrer{schemas: []schema.SiteSchema{goodSchema(t)}}
	o := newOrchestrator(t, f, Deps{Schemas: newSchemaCache(t, f, inf)}, Config{MaxRecords: 3, Concurrency: 1})

	batch, err := o.ExtractWithSchema(context.Background(),
		[]string{"https://shop.vn/c/1", "https://shop.vn/c/2", "https://shop.vn/c/3"}, "shop.vn")
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, "Đèn A", batch.Records[0].Name)
	assert.Equal(t, "https://shop.vn/a.jpg", batch.Records[0].Image)
	assert.Equal(t, product.StrategySchema, batch.Records[0].Strategy)
	assert.Equal(t, 1, inf.Calls())
	assert.Zero(t, f.fetched("https://shop.vn/c/3"), "stops once the cap is reached")
}

func TestExtractWithSchemaRegeneratesOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://shop.vn/c/1": cardsPage,
		"https://shop.vn/c/2": cardsPage,
	}}
	inf := &scriptedInferrer{schemas: []schema.SiteSchema{emptySchema(t), goodSchema(t)}}
	o := newOrchestrator(t, f, Deps{Schemas: newSchemaCache(t, f, inf)}, Config{})

	batch, err := o.ExtractWithSchema(context.Background(),
		[]string{"https://shop.vn/c/1", "https://shop.vn/c/2"}, "shop.vn")
	require.NoError(t, err)
	assert.Len(t, batch.Records, 4)
	assert.Equal(t, 2, inf.Calls())
}

func TestExtractWithSchemaRemembersSuccessfulRegeneration(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://shop.vn/c/1": cardsPage,
		"https://shop.vn/c/2": cardsPage,
		"https://shop.vn/c/9": `<html><body><p>hết hàng</p></body></html>`,
	}}
	inf := &scriptedInferrer{schemas: []schema.SiteSchema{emptySchema(t), goodSchema(t), goodSchema(t)}}
	o := newOrchestrator(t, f, Deps{Schemas: newSchemaCache(t, f, inf)}, Config{})

	batch, err := o.ExtractWithSchema(context.Background(),
		[]string{"https://shop.vn/c/1", "https://shop.vn/c/2"}, "shop.vn")
	require.NoError(t, err)
	assert.NotEmpty(t, batch.Records)
	require.Equal(t, 2, inf.Calls())

	batch, err = o.ExtractWithSchema(context.Background(), []string{"https://shop.vn/c/9"}, "shop.vn")
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, 2, inf.Calls(), "host already regenerated in this session")
}

func TestExtractWithSchemaRemembersFailedRegeneration(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{"https://shop.vn/c/1": cardsPage}}
	inf := &scriptedInferrer{schemas: []schema.SiteSchema{emptySchema(t)}}
	o := newOrchestrator(t, f, Deps{Schemas: newSchemaCache(t, f, inf)}, Config{})
	urls := []string{"https://shop.vn/c/1"}

	batch, err := o.ExtractWithSchema(context.Background(), urls, "shop.vn")
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, 2, inf.Calls())

	_, err = o.ExtractWithSchema(context.Background(), urls, "shop.vn")
	require.NoError(t, err)
	assert.Equal(t, 2, inf.Calls(), "no second escalation in the same session")
}

func TestExtractWithSchemaSurfacesGenerationErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{"https://shop.vn/c/1": cardsPage}}
	events := &recordingEmitter{}
	inf := &scriptedInferrer{err: errors.New("model unavailable")}
	o := newOrchestrator(t, f, Deps{Schemas: newSchemaCache(t, f, inf), Events: events}, Config{})

	_, err := o.ExtractWithSchema(context.Background(), []string{"https://shop.vn/c/1"}, "shop.vn")
	require.Error(t, err)
	assert.True(t, schema.IsGenerationError(err))
	assert.Equal(t, 1, events.count(progress.StageBatchError))

	_, err = newOrchestrator(t, f, Deps{}, Config{}).
		ExtractWithSchema(context.Background(), []string{"https://shop.vn/c/1"}, "shop.vn")
	assert.ErrorIs(t, err, ErrSchemasNotConfigured)
}

const seedPage = `<html><head><title>Cửa hàng</title></head><body>
<a href="/den">sản phẩm 1</a>
<a href="/quat#top">sản phẩm 2</a>
<a href="/quat">sản phẩm 2 lặp</a>
<a href="/missing">hỏng</a>
<a href="https://other.vn/x">ngoài</a>
<a href="/">trang chủ</a>
</body></html>`

const denPage = `<html><head><title>Đèn LED A</title></head><body>
<h1>Đèn LED A</h1><span class="price">248.300 ₫</span>
<img src="/img/logo.png" alt="logo cửa hàng">
<img src="/img/den-a.jpg" alt="Đèn LED A 100W">
</body></html>`

const quatPage = `<html><head><title>Quạt đứng</title></head><body>
<h1>Quạt đứng</h1><span class="price">450.000 ₫</span></body></html>`

func siteFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{
		"https://shop.vn/":     seedPage,
		"https://shop.vn/den":  denPage,
		"https://shop.vn/quat": quatPage,
	}}
}

func TestCrawlSite(t *testing.T) {
	t.Parallel()

	f := siteFetcher()
	o := newOrchestrator(t, f, Deps{}, Config{})

	pages, err := o.CrawlSite(context.Background(), "https://shop.vn/", 0)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "https://shop.vn/", pages[0].URL)
	assert.Equal(t, "https://shop.vn/den", pages[1].URL)
	assert.Equal(t, "Đèn LED A", pages[1].Title)
	assert.Equal(t, "https://shop.vn/quat", pages[2].URL)
	require.Len(t, pages[1].Images, 2)
	assert.Zero(t, f.fetched("https://other.vn/x"))

	limited, err := o.CrawlSite(context.Background(), "https://shop.vn/", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = o.CrawlSite(context.Background(), "https://shop.vn/nope", 0)
	assert.Error(t, err)
	_, err = o.CrawlSite(context.Background(), "ftp://shop.vn/", 0)
	assert.Error(t, err)
}

func TestFindProductFallsBackToCaptionImage(t *testing.T) {
	t.Parallel()

	f := siteFetcher()
	matcher := retrieval.NewMatcher(&wordEmbedder{}, vectorindex.Options{}, 0, nil)
	o := newOrchestrator(t, f, Deps{Matcher: matcher}, Config{})

	found, err := o.FindProduct(context.Background(), "https://shop.vn/", "đèn led A", scrape.ModeHTML)
	require.NoError(t, err)
	assert.Equal(t, 3, found.Pages)
	require.Equal(t, scrape.StatusOK, found.Result.Status)
	require.NotNil(t, found.Result.Record)
	assert.Equal(t, "https://shop.vn/den", found.Result.Record.Link)
	assert.Equal(t, "https://shop.vn/img/den-a.jpg", found.Result.Record.Image)
	assert.Equal(t, "248.300 VND", found.Result.Record.Price())
}

func TestFindProductSetupErrors(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, siteFetcher(), Deps{}, Config{})
	_, err := o.FindProduct(context.Background(), "https://shop.vn/", "đèn", scrape.ModeAuto)
	require.ErrorIs(t, err, ErrMatcherNotConfigured)

	matcher := retrieval.NewMatcher(&wordEmbedder{}, vectorindex.Options{}, 0, nil)
	o = newOrchestrator(t, siteFetcher(), Deps{Matcher: matcher}, Config{})
	_, err = o.FindProduct(context.Background(), "https://shop.vn/", " ", scrape.ModeAuto)
	assert.Error(t, err)
}
