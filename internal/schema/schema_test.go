package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/llm"
)

const cardsPage = `<html><head><script>var x = 1;</script></head><body>
<div class="product-card">
  <h2 class="product-name">Đèn LED A</h2>
  <span class="price">248.300 ₫</span>
  <img src="/img/a.jpg">
  <p>Công suất 100W. Công suất 100W.</p>
</div>
<div class="product-card">
  <h2 class="product-name">Thiếu giá</h2>
  <img src="/img/b.jpg">
  <p>Không có giá</p>
</div>
<div class="product-card">
  <h2 class="product-name">Đèn LED B</h2>
  <span class="price">1,250,000₫</span>
  <img src="https://cdn.shop.vn/b.jpg">
  <p>Bảo hành 2 năm</p>
</div>
</body></html>`

func exampleSchema(t *testing.T) SiteSchema {
	t.Helper()
	var s SiteSchema
	require.NoError(t, json.Unmarshal([]byte(Example), &s))
	return s
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(cardsPage)}, nil
}

type fakeInferrer struct {
	calls  atomic.Int32
	schema SiteSchema
	err    error
}

func (f *fakeInferrer) Infer(_ context.Context, page, example string) (SiteSchema, error) {
	f.calls.Add(1)
	if f.err != nil {
		return SiteSchema{}, f.err
	}
	s := f.schema
	s.Name = fmt.Sprintf("v%d", f.calls.Load())
	return s, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, exampleSchema(t).Validate())

	missing := exampleSchema(t)
	missing.Fields = missing.Fields[:3]
	assert.ErrorContains(t, missing.Validate(), `missing field "description"`)

	badBase := exampleSchema(t)
	badBase.BaseSelector = "//div[@class="
	assert.ErrorContains(t, badBase.Validate(), "baseSelector")

	noBase := exampleSchema(t)
	noBase.BaseSelector = " "
	assert.Error(t, noBase.Validate())

	badType := exampleSchema(t)
	badType.Fields[0].Type = "json"
	assert.ErrorContains(t, badType.Validate(), "unknown type")
	scalarTitle := exampleSchema(t)
	scalarTitle.Fields[0].Selector = "normalize-space(.//h2)"
	assert.ErrorContains(t, scalarTitle.Validate(), "does not select nodes")

	countBase := exampleSchema(t)
	countBase.BaseSelector = "count(//div)"
	assert.ErrorContains(t, countBase.Validate(), "baseSelector")

	attrImage := exampleSchema(t)
	attrImage.Fields[2].Selector = ".//img/@src | .//img/@data-src"
	assert.NoError(t, attrImage.Validate())
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Load(context.Background(), "shop.vn")
	require.NoError(t, err)
	assert.False(t, ok)

	s := exampleSchema(t)
	s.RootDomain = "https://www.shop.vn"
	require.NoError(t, store.Save(context.Background(), s))
	assert.True(t, strings.HasSuffix(store.Path("shop.vn"), "product_schema_shop.vn.json"))

	got, ok, err := store.Load(context.Background(), "shop.vn")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.BaseSelector, got.BaseSelector)
	assert.Len(t, got.Fields, 4)

	assert.Error(t, store.Save(context.Background(), SiteSchema{}))
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	fetcher := &fakeFetcher{}
	inferrer := &fakeInferrer{schema: exampleSchema(t)}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cache := NewCache(store, fetcher, inferrer, fixedClock{now}, nil)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "https://shop.vn/c/den", "shop.vn", false)
	require.NoError(t, err)
	assert.Equal(t, "shop.vn", first.RootDomain)
	assert.Equal(t, now, first.GeneratedAt)

	second, err := cache.GetOrCreate(ctx, "https://shop.vn/c/quat", "shop.vn", false)
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, int32(1), inferrer.calls.Load())
	assert.Len(t, fetcher.calls, 1)

	third, err := cache.GetOrCreate(ctx, "https://shop.vn/c/quat", "shop.vn", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inferrer.calls.Load())
	assert.NotEqual(t, first.Name, third.Name)

	persisted, ok, err := store.Load(ctx, "shop.vn")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, third.Name, persisted.Name)
}

func TestGetOrCreateLoadsFromDisk(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := exampleSchema(t)
	s.RootDomain = "shop.vn"
	require.NoError(t, store.Save(context.Background(), s))

	fetcher := &fakeFetcher{}
	inferrer := &fakeInferrer{}
	cache := NewCache(store, fetcher, inferrer, nil, nil)
	got, err := cache.GetOrCreate(context.Background(), "https://shop.vn/", "www.shop.vn", false)
	require.NoError(t, err)
	assert.Equal(t, s.BaseSelector, got.BaseSelector)
	assert.Empty(t, fetcher.calls)
	assert.Zero(t, inferrer.calls.Load())
}

func TestGetOrCreateSerializesPerDomain(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	inferrer := &fakeInferrer{schema: exampleSchema(t)}
	cache := NewCache(store, &fakeFetcher{}, inferrer, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetOrCreate(context.Background(), "https://shop.vn/", "shop.vn", false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inferrer.calls.Load())
}

func TestGetOrCreateErrors(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	fetchErr := errors.New("blocked")
	cache := NewCache(store, &fakeFetcher{err: fetchErr}, &fakeInferrer{}, nil, nil)
	_, err = cache.GetOrCreate(ctx, "https://shop.vn/", "shop.vn", false)
	require.ErrorIs(t, err, fetchErr)
	assert.False(t, IsGenerationError(err))

	inferErr := errors.New("model down")
	cache = NewCache(store, &fakeFetcher{}, &fakeInferrer{err: inferErr}, nil, nil)
	_, err = cache.GetOrCreate(ctx, "https://shop.vn/", "shop.vn", false)
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "shop.vn", ge.RootDomain)
	assert.ErrorIs(t, err, inferErr)

	invalid := exampleSchema(t)
	invalid.Fields = nil
	cache = NewCache(store, &fakeFetcher{}, &fakeInferrer{schema: invalid}, nil, nil)
	_, err = cache.GetOrCreate(ctx, "https://shop.vn/", "shop.vn", false)
	assert.True(t, IsGenerationError(err))

	scalar := exampleSchema(t)
	scalar.Fields[0].Selector = "normalize-space(.//h2)"
	cache = NewCache(store, &fakeFetcher{}, &fakeInferrer{schema: scalar}, nil, nil)
	_, err = cache.GetOrCreate(ctx, "https://shop.vn/", "shop.vn", false)
	require.True(t, IsGenerationError(err))
	assert.ErrorContains(t, err, "does not select nodes")

	_, ok, err := store.Load(ctx, "shop.vn")
	require.NoError(t, err)
	assert.False(t, ok, "failed generations must not persist")

	_, err = cache.GetOrCreate(ctx, "https://shop.vn/", "", false)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	t.Parallel()

	records, err := Apply(exampleSchema(t), []byte(cardsPage), "https://shop.vn/c/den", ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Đèn LED A", records[0].Name)
	assert.Equal(t, "248.300 VND", records[0].Price())
	assert.Equal(t, "Công suất 100W.", records[0].Specs)
	assert.Equal(t, "https://shop.vn/img/a.jpg", records[0].Image)
	assert.Equal(t, "https://shop.vn/c/den", records[0].Link)
	assert.Equal(t, "schema", string(records[0].Strategy))

	assert.Equal(t, "1250000", records[1].Amount)
	assert.Equal(t, "https://cdn.shop.vn/b.jpg", records[1].Image)
}

func TestApplyOptions(t *testing.T) {
	t.Parallel()

	records, err := Apply(exampleSchema(t), []byte(cardsPage), "https://shop.vn/c/den",
		ApplyOptions{DescriptionLimit: 9, MaxRecords: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Công suất.", records[0].Specs)
}

func TestApplyAttributeSelector(t *testing.T) {
	t.Parallel()

	s := exampleSchema(t)
	for i := range s.Fields {
		if s.Fields[i].Name == FieldImageURL {
			s.Fields[i].Selector = ".//img/@src"
			s.Fields[i].Attribute = ""
		}
	}
	records, err := Apply(s, []byte(cardsPage), "https://shop.vn/c/den", ApplyOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "https://shop.vn/img/a.jpg", records[0].Image)
}

func TestApplyBadBaseSelector(t *testing.T) {
	t.Parallel()

	s := exampleSchema(t)
	s.BaseSelector = "//div["
	_, err := Apply(s, []byte(cardsPage), "https://shop.vn/", ApplyOptions{})
	assert.Error(t, err)
}

func TestCleanHTML(t *testing.T) {
	t.Parallel()

	out := CleanHTML(`<html><head><style>p{}</style></head><body><!-- c --><script>x()</script><p>Đèn</p></body></html>`, 0)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "style")
	assert.NotContains(t, out, "<!--")
	assert.Contains(t, out, "<p>Đèn</p>")

	short := CleanHTML("<p>Đèn</p>", 30)
	assert.LessOrEqual(t, len(short), 30)
	assert.True(t, strings.HasPrefix(short, "<html>"))
}

type fakeGenerator struct {
	req llm.GenerateRequest
	out string
	err error
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (json.RawMessage, error) {
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	return json.RawMessage(g.out), nil
}

func TestLLMInferrer(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{out: "```json\n" + Example + "\n```"}
	s, err := NewLLMInferrer(gen, 0).Infer(context.Background(), cardsPage, Example)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, "//div[@class='product-card']", s.BaseSelector)
	assert.Equal(t, Example, gen.req.Shape)
	assert.NotContains(t, gen.req.Input, "var x")

	_, err = NewLLMInferrer(&fakeGenerator{err: errors.New("quota")}, 0).Infer(context.Background(), cardsPage, Example)
	assert.ErrorContains(t, err, "quota")

	_, err = NewLLMInferrer(nil, 0).Infer(context.Background(), cardsPage, Example)
	assert.Error(t, err)
}
