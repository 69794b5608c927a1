// Package server builds the extractor's dependency graph from configuration
// and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/api"
	"github.com/JakeFAU/product-extractor/internal/clock/system"
	"github.com/JakeFAU/product-extractor/internal/config"
	"github.com/JakeFAU/product-extractor/internal/crawl"
	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/extract"
	"github.com/JakeFAU/product-extractor/internal/fetcher"
	collyfetcher "github.com/JakeFAU/product-extractor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/product-extractor/internal/fetcher/headless"
	"github.com/JakeFAU/product-extractor/internal/hash/sha256"
	"github.com/JakeFAU/product-extractor/internal/headless/detector"
	"github.com/JakeFAU/product-extractor/internal/id/uuid"
	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/logging"
	"github.com/JakeFAU/product-extractor/internal/metrics"
	"github.com/JakeFAU/product-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/product-extractor/internal/progress"
	progresssinks "github.com/JakeFAU/product-extractor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/product-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/product-extractor/internal/publisher/pubsub"
	"github.com/JakeFAU/product-extractor/internal/retrieval"
	"github.com/JakeFAU/product-extractor/internal/schema"
	"github.com/JakeFAU/product-extractor/internal/scrape"
	gcsstorage "github.com/JakeFAU/product-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/product-extractor/internal/storage/local"
	memorystorage "github.com/JakeFAU/product-extractor/internal/storage/memory"
	pgstore "github.com/JakeFAU/product-extractor/internal/storage/postgres"
	"github.com/JakeFAU/product-extractor/internal/telemetry"
	"github.com/JakeFAU/product-extractor/internal/vectorindex"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	scraper      *scrape.Scraper
	orchestrator *crawl.Orchestrator
	registry     *vectorindex.Registry
	matcher      *retrieval.Matcher
	tracker      *progresssinks.Tracker
	apiServer    *api.Server

	progressHub    *progress.Hub
	headless       *headlessfetcher.Fetcher
	publisher      crawler.Publisher
	gcpPublisher   *gcppublisher.Publisher
	storage        *storage.Client
	productStore   *pgstore.ProductStore
	tracerProvider *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Scraper returns the single-page scraper.
func (a *App) Scraper() *scrape.Scraper { return a.scraper }

// Orchestrator returns the multi-page orchestrator.
func (a *App) Orchestrator() *crawl.Orchestrator { return a.orchestrator }

// Registry returns the vector index registry, or nil without an embedder.
func (a *App) Registry() *vectorindex.Registry { return a.registry }

// Matcher returns the retrieval matcher, or nil without an embedder.
func (a *App) Matcher() *retrieval.Matcher { return a.matcher }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Build creates the application's dependencies. Optional backends (headless
// browser, Postgres, Pub/Sub, GCS, language model, embeddings) are only
// wired when configured.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("extract_mode", cfg.Extract.Mode),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Init()

	traceProject := cfg.Tracing.ProjectID
	if traceProject == "" {
		traceProject = cfg.PubSub.ProjectID
	}
	exporter, err := telemetry.NewExporter(cfg.Tracing.Exporter, traceProject)
	if err != nil {
		return fmt.Errorf("trace exporter init failed: %w", err)
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Exporter:    exporter,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	pageFetcher := a.setupFetcher(blobStore)

	generator, err := llm.NewGenerator(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.LLM.APIKey,
		APIURL:    cfg.LLM.APIURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("llm init failed: %w", err)
	}
	if generator == nil {
		a.logger.Info("no llm provider configured; llm and hybrid modes disabled")
	}
	embedder, err := a.setupEmbedder()
	if err != nil {
		return err
	}

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	events, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	ids := uuid.New("")
	a.scraper = scrape.New(pageFetcher, extract.NewSiteRegistry(), generator, scrape.Config{
		Timeout:      cfg.PageTimeout(),
		LLMTextLimit: cfg.Extract.LLMTextLimit,
	}, a.logger.Named("scrape"))

	schemaStore, err := schema.NewFileStore(cfg.Schema.Dir)
	if err != nil {
		return fmt.Errorf("schema store init failed: %w", err)
	}
	schemas := schema.NewCache(schemaStore, pageFetcher, schema.NewLLMInferrer(generator, cfg.Schema.HTMLLimit),
		clock, a.logger.Named("schema"))

	if embedder != nil {
		lambda := cfg.Index.Lambda
		opts := vectorindex.Options{Lambda: &lambda, FetchK: cfg.Index.FetchK, K: cfg.Index.K}
		a.matcher = retrieval.NewMatcher(embedder, opts, 0, a.logger.Named("retrieval"))
		a.registry, err = vectorindex.NewRegistry(embedder, opts, uuid.New("idx"), cfg.Index.MaxSessions)
		if err != nil {
			return fmt.Errorf("vector index init failed: %w", err)
		}
	}

	a.orchestrator = crawl.New(crawl.Deps{
		Scraper: a.scraper,
		Fetcher: pageFetcher,
		Schemas: schemas,
		Matcher: a.matcher,
		Sinks:   a.recordSinks(ids, clock),
		Events:  events,
		IDs:     ids,
		Clock:   clock,
		Logger:  a.logger,
	}, crawl.Config{
		Concurrency:      cfg.Crawler.Concurrency,
		FetchConcurrency: cfg.Crawler.FetchConcurrency,
		PageTimeout:      cfg.PageTimeout(),
		MaxRecords:       cfg.Crawler.MaxRecords,
		CrawlLimit:       cfg.Crawler.CrawlLimit,
		DescriptionLimit: cfg.Extract.DescriptionLimit,
	})

	deps := api.Deps{
		Scraper: a.scraper,
		Crawler: a.orchestrator,
		Logger:  a.logger,
	}
	// Typed nils must not leak into the interfaces.
	if a.registry != nil {
		deps.Sessions = a.registry
	}
	if a.tracker != nil {
		deps.Batches = a.tracker
	}
	a.apiServer = api.NewServer(deps, cfg)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("page archiving disabled")
		return nil, nil
	}
}

// setupFetcher layers the page fetcher: colly probe with retries, optional
// headless promotion, per-domain rate limiting, the host blocklist and
// optional archiving.
func (a *App) setupFetcher(blobStore crawler.BlobStore) crawler.Fetcher {
	cfg := a.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
		Logger:        a.logger.Named("colly"),
	})
	retrying := crawler.NewRetryFetcher(probe, crawler.RetryConfig{
		MaxAttempts: cfg.HTTP.MaxAttempts,
		Backoff:     cfg.RetryBackoff(),
		OnRetry: func(url string, _ int, _ error) {
			metrics.ObserveFetchRetry(url)
		},
	}, a.logger.Named("retry"))
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	var (
		headless crawler.Fetcher = headlessfetcher.NewNoop()
		detect   crawler.HeadlessDetector
	)
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			ProductSelector:   cfg.Headless.ProductSelector,
			ProductWait:       time.Duration(cfg.Headless.ProductWaitMs) * time.Millisecond,
			SettleDelay:       time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
			BlockMedia:        cfg.Headless.BlockMedia,
			Logger:            a.logger.Named("headless"),
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.headless = browser
			headless = browser
			detect = detector.NewHeuristic(cfg.Headless.PromotionThresh)
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	var f crawler.Fetcher = fetcher.NewPromoting(retrying, headless, detect, a.logger.Named("fetcher"))
	f = fetcher.NewRateLimited(f, ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.RateLimitRPS,
		DefaultBurst: cfg.Crawler.RateLimitBurst,
		Overrides:    cfg.Crawler.DomainRPS,
	}))
	f = fetcher.NewBlocking(f, crawler.NewBlocklist(cfg.Crawler.BlockedDomains))
	if blobStore != nil {
		f = fetcher.NewArchiving(f, blobStore, sha256.New(0), cfg.Storage.Prefix, a.logger.Named("archive"))
	}
	return f
}

func (a *App) setupEmbedder() (llm.Embedder, error) {
	cfg := a.cfg.Embedding
	if cfg.Model == "" {
		a.logger.Info("no embedding model configured; retrieval disabled")
		return nil, nil
	}
	base, err := llm.NewEmbedder(llm.Config{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		APIURL:   cfg.APIURL,
		Timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	cached, err := llm.NewCachedEmbedder(base, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache init failed: %w", err)
	}
	return cached, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, records will not be persisted")
		return nil
	}
	store, err := pgstore.NewProductStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("product store init failed: %w", err)
	}
	a.productStore = store
	a.logger.Info("product store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Backend == "memory" {
		a.publisher = memorypublisher.New()
		a.logger.Info("publishing to in-memory topics")
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub project configured, publishing disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(client)
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("record_topic", a.cfg.PubSub.RecordTopic),
		zap.String("progress_topic", a.cfg.PubSub.ProgressTopic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	tracker, err := progresssinks.NewTracker(a.cfg.Progress.TrackerSize)
	if err != nil {
		return nil, err
	}
	a.tracker = tracker
	sinkList := []progress.Sink{tracker, progresssinks.NewLogSink(a.logger.Named("progress_log"))}

	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("progress prometheus sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if a.publisher != nil && a.cfg.PubSub.ProgressTopic != "" {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher, a.cfg.PubSub.ProgressTopic))
	}

	hubCfg := progress.Config{
		BufferSize: a.cfg.Progress.BufferSize,
		Logger:     a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

func (a *App) recordSinks(ids crawler.IDGenerator, clock crawler.Clock) []crawl.RecordSink {
	var out []crawl.RecordSink
	if a.productStore != nil {
		out = append(out, crawl.NewStoreSink(a.productStore, ids, clock))
	}
	if a.publisher != nil && a.cfg.PubSub.RecordTopic != "" {
		out = append(out, crawl.NewPublishSink(a.publisher, a.cfg.PubSub.RecordTopic))
	}
	return out
}

// Run serves the API and blocks until the context is canceled or a signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	grace := time.Duration(a.cfg.Server.ShutdownSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application. Only the first call does
// any work.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		if err := a.gcpPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.productStore != nil {
		a.productStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing to do about it.
	_ = a.logger.Sync()
}
