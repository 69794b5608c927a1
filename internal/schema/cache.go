package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/metrics"
)

// Cache serves schemas from memory and its Store, inferring a new one only
// when none exists or a caller asks to overwrite. Generation for one root
// domain is serialized; different domains proceed in parallel.
type Cache struct {
	store    Store
	fetcher  crawler.Fetcher
	inferrer Inferrer
	clock    crawler.Clock
	logger   *zap.Logger

	mu      sync.RWMutex
	schemas map[string]SiteSchema

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCache wires a Cache. The clock may be nil.
func NewCache(store Store, fetcher crawler.Fetcher, inferrer Inferrer, clock crawler.Clock, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    store,
		fetcher:  fetcher,
		inferrer: inferrer,
		clock:    clock,
		logger:   logger,
		schemas:  make(map[string]SiteSchema),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Load returns the cached schema for rootDomain without generating one.
func (c *Cache) Load(ctx context.Context, rootDomain string) (SiteSchema, bool, error) {
	key := crawler.Host(rootDomain)
	c.mu.RLock()
	s, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		return s, true, nil
	}
	s, ok, err := c.store.Load(ctx, rootDomain)
	if err != nil || !ok {
		return SiteSchema{}, false, err
	}
	c.remember(key, s)
	return s, true, nil
}

// GetOrCreate returns the schema for rootDomain. Without overwrite a cached
// schema is returned as-is and nothing is fetched. Otherwise sampleURL is
// fetched, a schema inferred and validated, persisted and returned.
func (c *Cache) GetOrCreate(ctx context.Context, sampleURL, rootDomain string, overwrite bool) (SiteSchema, error) {
	key := crawler.Host(rootDomain)
	if key == "" {
		return SiteSchema{}, fmt.Errorf("invalid root domain %q", rootDomain)
	}
	if !overwrite {
		if s, ok, err := c.Load(ctx, rootDomain); err != nil || ok {
			return s, err
		}
	}

	unlock := c.lock(key)
	defer unlock()

	// Another caller may have generated it while we waited.
	if !overwrite {
		if s, ok, err := c.Load(ctx, rootDomain); err != nil || ok {
			return s, err
		}
	}
	return c.generate(ctx, sampleURL, rootDomain, key)
}

func (c *Cache) generate(ctx context.Context, sampleURL, rootDomain, key string) (SiteSchema, error) {
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: sampleURL})
	if err != nil {
		return SiteSchema{}, fmt.Errorf("fetch schema sample: %w", err)
	}
	c.logger.Info("generating site schema", zap.String("root", rootDomain), zap.String("sample", sampleURL))

	s, err := c.inferrer.Infer(ctx, string(resp.Body), Example)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		metrics.ObserveSchemaGeneration("error")
		return SiteSchema{}, &GenerationError{RootDomain: rootDomain, Err: err}
	}
	s.RootDomain = rootDomain
	s.GeneratedAt = c.now()

	if err := c.store.Save(ctx, s); err != nil {
		metrics.ObserveSchemaGeneration("error")
		return SiteSchema{}, fmt.Errorf("persist schema: %w", err)
	}
	metrics.ObserveSchemaGeneration("ok")
	c.remember(key, s)
	return s, nil
}

func (c *Cache) remember(key string, s SiteSchema) {
	c.mu.Lock()
	c.schemas[key] = s
	c.mu.Unlock()
}

func (c *Cache) lock(key string) func() {
	c.locksMu.Lock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	c.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

// IsGenerationError reports whether err came from schema inference.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
