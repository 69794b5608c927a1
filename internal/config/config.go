// Package config loads and validates extractor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/product-extractor/internal/scrape"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Schema    SchemaConfig    `mapstructure:"schema"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Index     IndexConfig     `mapstructure:"index"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs batch fan-out and politeness.
type CrawlerConfig struct {
	Concurrency        int                `mapstructure:"concurrency"`
	FetchConcurrency   int                `mapstructure:"fetch_concurrency"`
	PageTimeoutSeconds int                `mapstructure:"page_timeout_seconds"`
	MaxRecords         int                `mapstructure:"max_records"`
	CrawlLimit         int                `mapstructure:"crawl_limit"`
	UserAgent          string             `mapstructure:"user_agent"`
	RespectRobots      bool               `mapstructure:"respect_robots"`
	RateLimitRPS       float64            `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int                `mapstructure:"rate_limit_burst"`
	DomainRPS          map[string]float64 `mapstructure:"domain_rps"`
	// BlockedDomains lists hosts never fetched; "*.example.com" matches
	// subdomains.
	BlockedDomains     []string           `mapstructure:"blocked_domains"`
}

// HTTPConfig configures the HTTP client and its retry behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxAttempts    int `mapstructure:"max_attempts"`
	BackoffMs      int `mapstructure:"backoff_ms"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	SettleMs        int    `mapstructure:"settle_ms"`
	ProductWaitMs   int    `mapstructure:"product_wait_ms"`
	ProductSelector string `mapstructure:"product_selector"`
	BlockMedia      bool   `mapstructure:"block_media"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
}

// ExtractConfig tunes single-page extraction.
type ExtractConfig struct {
	Mode             string `mapstructure:"mode"`
	DescriptionLimit int    `mapstructure:"description_limit"`
	LLMTextLimit     int    `mapstructure:"llm_text_limit"`
}

// SchemaConfig locates generated site schemas.
type SchemaConfig struct {
	Dir       string `mapstructure:"dir"`
	HTMLLimit int    `mapstructure:"html_limit"`
}

// LLMConfig selects the generation provider. An empty provider disables
// llm, hybrid and schema modes.
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	APIURL         string `mapstructure:"api_url"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EmbeddingConfig selects the embedding provider. An empty model disables
// retrieval.
type EmbeddingConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	APIURL         string `mapstructure:"api_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CacheSize      int    `mapstructure:"cache_size"`
}

// IndexConfig tunes MMR search and session retention.
type IndexConfig struct {
	Lambda      float64 `mapstructure:"lambda"`
	FetchK      int     `mapstructure:"fetch_k"`
	K           int     `mapstructure:"k"`
	MaxSessions int     `mapstructure:"max_sessions"`
}

// ProgressConfig sizes the progress hub and batch tracker.
type ProgressConfig struct {
	BufferSize  int `mapstructure:"buffer_size"`
	TrackerSize int `mapstructure:"tracker_size"`
}

// StorageConfig chooses where raw pages are archived. Backend is one of
// "none", "local" or "gcs".
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the product table. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds topics for record and progress notifications. An empty
// project disables publishing unless Backend is "memory".
type PubSubConfig struct {
	Backend       string `mapstructure:"backend"`
	ProjectID     string `mapstructure:"project_id"`
	RecordTopic   string `mapstructure:"record_topic"`
	ProgressTopic string `mapstructure:"progress_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "" (in-process only) or "gcp" for Cloud Trace.
	Exporter string `mapstructure:"exporter"`
	// ProjectID defaults to pubsub.project_id.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.fetch_concurrency", 16)
	v.SetDefault("crawler.page_timeout_seconds", 60)
	v.SetDefault("crawler.max_records", 10)
	v.SetDefault("crawler.crawl_limit", 100)
	v.SetDefault("crawler.user_agent", "product-extractor/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 2)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_ms", 2000)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 0)
	v.SetDefault("headless.product_wait_ms", 5000)
	v.SetDefault("headless.product_selector", "")
	v.SetDefault("headless.block_media", true)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("extract.mode", string(scrape.ModeAuto))
	v.SetDefault("extract.description_limit", 200)
	v.SetDefault("extract.llm_text_limit", 8000)
	v.SetDefault("schema.dir", "schemas")
	v.SetDefault("schema.html_limit", 30000)
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_url", "")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.api_url", "")
	v.SetDefault("embedding.timeout_seconds", 120)
	v.SetDefault("embedding.cache_size", 1024)
	v.SetDefault("index.lambda", 0.5)
	v.SetDefault("index.fetch_k", 20)
	v.SetDefault("index.k", 3)
	v.SetDefault("index.max_sessions", 64)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.tracker_size", 512)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "products")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.backend", "gcp")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.record_topic", "product-records")
	v.SetDefault("pubsub.progress_topic", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.service_name", "product-extractor")
	v.SetDefault("tracing.sample_ratio", 0.0)
	v.SetDefault("tracing.exporter", "")
	v.SetDefault("tracing.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxRecords <= 0 {
		return fmt.Errorf("crawler.max_records must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := scrape.ParseMode(c.Extract.Mode); err != nil {
		return fmt.Errorf("extract.mode: %w", err)
	}
	if c.Index.Lambda < 0 || c.Index.Lambda > 1 {
		return fmt.Errorf("index.lambda must be within [0, 1]")
	}
	if c.Index.K <= 0 || c.Index.FetchK < c.Index.K {
		return fmt.Errorf("index.fetch_k must be >= index.k > 0")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", "none", "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch strings.ToLower(c.PubSub.Backend) {
	case "", "gcp", "memory":
	default:
		return fmt.Errorf("unknown pubsub.backend %q", c.PubSub.Backend)
	}
	if c.LLM.Provider != "" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set when llm.provider is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none":
	case "gcp":
		if c.Tracing.ProjectID == "" && c.PubSub.ProjectID == "" {
			return fmt.Errorf("tracing.project_id must be set for the gcp exporter")
		}
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	return nil
}

// PageTimeout bounds fetch plus extraction of one batch page.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.Crawler.PageTimeoutSeconds) * time.Second
}

// FetchTimeout is the per-request HTTP budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryBackoff is the fixed delay between fetch attempts. A zero config value
// disables the delay.
func (c Config) RetryBackoff() time.Duration {
	if c.HTTP.BackoffMs <= 0 {
		return -1
	}
	return time.Duration(c.HTTP.BackoffMs) * time.Millisecond
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
