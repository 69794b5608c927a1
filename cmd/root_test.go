package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawl"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/scrape"
)

type fakeExtractor struct {
	mode   scrape.Mode
	urls   []string
	root   string
	seed   string
	query  string
	result scrape.Result
	err    error
}

func (f *fakeExtractor) Scrape(_ context.Context, url string, mode scrape.Mode) (scrape.Result, error) {
	f.urls, f.mode = []string{url}, mode
	return f.result, f.err
}

func (f *fakeExtractor) ScrapeMany(_ context.Context, urls []string, mode scrape.Mode) (crawl.Batch, error) {
	f.urls, f.mode = urls, mode
	return crawl.Batch{ID: "b1", Records: []product.Record{denRecord()}, Failed: 1}, f.err
}

func (f *fakeExtractor) ExtractWithSchema(_ context.Context, urls []string, root string) (crawl.Batch, error) {
	f.urls, f.root = urls, root
	return crawl.Batch{ID: "b2"}, f.err
}

func (f *fakeExtractor) FindProduct(_ context.Context, seed, query string, mode scrape.Mode) (crawl.Found, error) {
	f.seed, f.query, f.mode = seed, query, mode
	return crawl.Found{Result: f.result, Pages: 7}, f.err
}

type fakeApp struct {
	extractor *fakeExtractor
	ran       bool
	closed    bool
}

func (a *fakeApp) Extractor() Extractor { return a.extractor }

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Close(context.Context) { a.closed = true }

func (a *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func denRecord() product.Record {
	return product.Record{
		Name:     "Đèn LED 100W",
		Amount:   "248300",
		Currency: "VND",
		Image:    "https://shop.vn/img/den.jpg",
		Link:     "https://shop.vn/p/den",
		Strategy: product.StrategyJSONLD,
	}
}

// run executes the root command against a fake app and returns stdout.
func run(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeCommandPrintsRecord(t *testing.T) {
	rec := denRecord()
	app := &fakeApp{extractor: &fakeExtractor{result: scrape.Result{
		URL:      rec.Link,
		Status:   scrape.StatusOK,
		Record:   &rec,
		Strategy: product.StrategyJSONLD,
	}}}

	out, err := run(t, app, "scrape", "--mode", "json_ld", rec.Link)
	require.NoError(t, err)
	assert.Equal(t, scrape.ModeJSONLD, app.extractor.mode)
	assert.True(t, app.closed)

	var got pageResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, scrape.StatusOK, got.Status)
	require.NotNil(t, got.Record)
	assert.Equal(t, "248300 VND", got.Record.Price)
}

func TestScrapeCommandRejectsUnknownMode(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{}}
	_, err := run(t, app, "scrape", "--mode", "magic", "https://shop.vn/p/den")
	require.Error(t, err)
	assert.Nil(t, app.extractor.urls)
}

func TestBatchCommand(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{}}
	out, err := run(t, app, "batch", "https://shop.vn/a", "https://shop.vn/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.vn/a", "https://shop.vn/b"}, app.extractor.urls)
	assert.Equal(t, scrape.ModeAuto, app.extractor.mode)

	var got batchResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "b1", got.BatchID)
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "Đèn LED 100W", got.Records[0].Name)
}

func TestSchemaCommandDerivesRoot(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{}}
	out, err := run(t, app, "schema", "-", "https://www.Shop.vn/c/den", "https://shop.vn/c/quat")
	require.NoError(t, err)
	assert.Equal(t, "shop.vn", app.extractor.root)
	assert.Len(t, app.extractor.urls, 2)
	assert.Contains(t, out, `"records": []`)
}

func TestMatchCommand(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{result: scrape.Result{URL: "https://shop.vn/den", Status: scrape.StatusEmpty}}}

	_, err := run(t, app, "match", "https://shop.vn/")
	require.Error(t, err, "query flag is required")

	out, err := run(t, app, "match", "--query", "đèn led 100w", "https://shop.vn/")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.vn/", app.extractor.seed)
	assert.Equal(t, "đèn led 100w", app.extractor.query)

	var got pageResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 7, got.Pages)
	assert.Nil(t, got.Record)
}

func TestCommandPropagatesErrors(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{err: errors.New("boom")}}
	_, err := run(t, app, "batch", "https://shop.vn/a")
	require.EqualError(t, err, "boom")
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{extractor: &fakeExtractor{}}
	_, err := run(t, app, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
	assert.True(t, app.closed)
}

func TestAppFactoryFailure(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("no config") }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"scrape", "https://shop.vn/a"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}
