package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/crawl"
	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/retrieval"
	"github.com/JakeFAU/product-extractor/internal/schema"
	"github.com/JakeFAU/product-extractor/internal/scrape"
)

const (
	maxBatchURLs   = 100
	maxQueryLength = 1000
)

type scrapeRequest struct {
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

type batchRequest struct {
	URLs []string `json:"urls"`
	Mode string   `json:"mode"`
}

type schemaRequest struct {
	URLs       []string `json:"urls"`
	RootDomain string   `json:"root_domain"`
}

type findRequest struct {
	URL   string `json:"url"`
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

type scrapeResponse struct {
	URL      string          `json:"url"`
	Status   scrape.Status   `json:"status"`
	Strategy string          `json:"strategy,omitempty"`
	Record   *product.Output `json:"record"`
	Error    string          `json:"error,omitempty"`
}

type batchResponse struct {
	BatchID string           `json:"batch_id"`
	Records []product.Output `json:"records"`
	Failed  int              `json:"failed"`
}

type findResponse struct {
	scrapeResponse
	Pages int `json:"pages"`
}

func toScrapeResponse(res scrape.Result) scrapeResponse {
	out := scrapeResponse{URL: res.URL, Status: res.Status, Strategy: string(res.Strategy)}
	if res.Record != nil {
		o := res.Record.Output()
		out.Record = &o
	}
	if res.Err != nil && res.Status != scrape.StatusOK {
		out.Error = res.Err.Error()
	}
	return out
}

func toBatchResponse(b crawl.Batch) batchResponse {
	return batchResponse{BatchID: b.ID, Records: product.Outputs(b.Records), Failed: b.Failed}
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	if s.scraper == nil {
		writeError(w, http.StatusServiceUnavailable, "scraper unavailable")
		return
	}
	var req scrapeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := crawler.ValidateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.scraper.Scrape(r.Context(), req.URL, mode)
	if err != nil {
		s.writeSetupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapeResponse(res))
}

func (s *Server) scrapeBatch(w http.ResponseWriter, r *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateURLs(req.URLs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := s.crawler.ScrapeMany(r.Context(), req.URLs, mode)
	if err != nil {
		s.writeSetupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

func (s *Server) schemaExtract(w http.ResponseWriter, r *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req schemaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateURLs(req.URLs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	root := strings.TrimSpace(req.RootDomain)
	if root == "" {
		root = crawler.Host(req.URLs[0])
	}
	batch, err := s.crawler.ExtractWithSchema(r.Context(), req.URLs, root)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toBatchResponse(batch))
	case errors.Is(err, crawl.ErrSchemasNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case schema.IsGenerationError(err):
		s.logger.Warn("schema generation failed", zap.String("root", root), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Warn("schema extraction failed", zap.String("root", root), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req findRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := crawler.ValidateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := s.crawler.FindProduct(r.Context(), req.URL, req.Query, mode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, findResponse{scrapeResponse: toScrapeResponse(found.Result), Pages: found.Pages})
	case errors.Is(err, crawl.ErrMatcherNotConfigured), errors.Is(err, scrape.ErrLLMNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, retrieval.ErrNoMatch):
		writeError(w, http.StatusNotFound, "no matching page")
	default:
		s.logger.Warn("find product failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// mode parses a request mode; empty falls back to the configured default.
func (s *Server) mode(raw string) (scrape.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		raw = s.cfg.Extract.Mode
	}
	m, err := scrape.ParseMode(raw)
	if err != nil {
		return "", fmt.Errorf("mode: %w", err)
	}
	return m, nil
}

func (s *Server) writeSetupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scrape.ErrLLMNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, crawl.ErrNoURLs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func validateURLs(urls []string) error {
	if len(urls) == 0 {
		return errors.New("urls required")
	}
	if len(urls) > maxBatchURLs {
		return fmt.Errorf("at most %d urls per request", maxBatchURLs)
	}
	for _, u := range urls {
		if _, err := crawler.ValidateURL(u); err != nil {
			return err
		}
	}
	return nil
}

func validateQuery(q string) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return errors.New("query must not be empty")
	}
	if len([]rune(q)) > maxQueryLength {
		return fmt.Errorf("query must be at most %d characters", maxQueryLength)
	}
	return nil
}
