// Package cmd defines the CLI commands for the extractor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/config"
	"github.com/JakeFAU/product-extractor/internal/crawl"
	"github.com/JakeFAU/product-extractor/internal/scrape"
	"github.com/JakeFAU/product-extractor/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Extractor is the extraction surface the one-shot commands use.
type Extractor interface {
	Scrape(ctx context.Context, url string, mode scrape.Mode) (scrape.Result, error)
	ScrapeMany(ctx context.Context, urls []string, mode scrape.Mode) (crawl.Batch, error)
	ExtractWithSchema(ctx context.Context, urls []string, rootDomain string) (crawl.Batch, error)
	FindProduct(ctx context.Context, seed, query string, mode scrape.Mode) (crawl.Found, error)
}

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Extractor() Extractor
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Logger() *zap.Logger
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	built, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{built}, nil
}

type serverApp struct {
	*server.App
}

type serverExtractor struct {
	*scrape.Scraper
	*crawl.Orchestrator
}

func (a serverApp) Extractor() Extractor {
	return serverExtractor{Scraper: a.Scraper(), Orchestrator: a.Orchestrator()}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Extracts product records from e-commerce pages.",
		Long: `extractor fetches product pages and turns them into structured records
(name, price, specs, image) using structured data, HTML heuristics, cached
per-site schemas or a language model. Run it as an HTTP service with "serve"
or use the one-shot commands.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newScrapeCmd(),
		newBatchCmd(),
		newSchemaCmd(),
		newMatchCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
