package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawl"
	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/scrape"
)

// pageResult is what scrape and match print.
type pageResult struct {
	URL      string          `json:"url"`
	Status   scrape.Status   `json:"status"`
	Strategy string          `json:"strategy,omitempty"`
	Record   *product.Output `json:"record,omitempty"`
	Error    string          `json:"error,omitempty"`
	Pages    int             `json:"pages,omitempty"`
}

type batchResult struct {
	BatchID string           `json:"batch_id"`
	Records []product.Output `json:"records"`
	Failed  int              `json:"failed"`
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Starts the HTTP API on the configured port and blocks until SIGINT or
SIGTERM, then drains in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run server: %w", err)
			}
			return nil
		},
	}
}

func newScrapeCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Extracts the product on a single page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, m, err := appAndMode(cmd.Context(), mode)
			if err != nil {
				return err
			}
			res, err := app.Extractor().Scrape(cmd.Context(), args[0], m)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toPageResult(res))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(scrape.ModeAuto), "extraction mode: auto, json_ld, html, llm or hybrid")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Extracts products from many pages concurrently",
		Long: `Scrapes every URL with bounded concurrency and prints the successful
records in input order. Pages that fail or yield nothing are counted, not
printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, m, err := appAndMode(cmd.Context(), mode)
			if err != nil {
				return err
			}
			batch, err := app.Extractor().ScrapeMany(cmd.Context(), args, m)
			if err != nil {
				return err
			}
			app.Logger().Info("batch finished",
				zap.String("batch_id", batch.ID),
				zap.Int("records", len(batch.Records)),
				zap.Int("failed", batch.Failed),
			)
			return printJSON(cmd.OutOrStdout(), toBatchResult(batch))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(scrape.ModeAuto), "extraction mode: auto, json_ld, html, llm or hybrid")
	return cmd
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <root> <url>...",
		Short: "Extracts product listings with a cached per-site schema",
		Long: `Loads the schema for the root domain, inferring one from the first URL
when none is cached, then applies it to every URL. Pass "-" as the root to
derive it from the first URL's host.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			root, urls := args[0], args[1:]
			if root == "-" {
				root = crawler.Host(urls[0])
			}
			batch, err := app.Extractor().ExtractWithSchema(cmd.Context(), urls, root)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toBatchResult(batch))
		},
	}
}

func newMatchCmd() *cobra.Command {
	var (
		query string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "match <seed-url>",
		Short: "Crawls a site and extracts the page best matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, m, err := appAndMode(cmd.Context(), mode)
			if err != nil {
				return err
			}
			found, err := app.Extractor().FindProduct(cmd.Context(), args[0], query, m)
			if err != nil {
				return err
			}
			out := toPageResult(found.Result)
			out.Pages = found.Pages
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "product description to look for")
	cmd.Flags().StringVar(&mode, "mode", string(scrape.ModeAuto), "extraction mode for the matched page")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func appAndMode(ctx context.Context, raw string) (App, scrape.Mode, error) {
	app, err := resolveApp(ctx)
	if err != nil {
		return nil, "", err
	}
	mode, err := scrape.ParseMode(raw)
	if err != nil {
		return nil, "", err
	}
	return app, mode, nil
}

func toPageResult(res scrape.Result) pageResult {
	out := pageResult{URL: res.URL, Status: res.Status, Strategy: string(res.Strategy)}
	if res.Record != nil {
		rec := res.Record.Output()
		out.Record = &rec
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func toBatchResult(batch crawl.Batch) batchResult {
	return batchResult{BatchID: batch.ID, Records: product.Outputs(batch.Records), Failed: batch.Failed}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
