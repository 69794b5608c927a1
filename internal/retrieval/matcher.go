// Package retrieval answers "which indexed fragment best matches this query"
// for page selection and image-caption matching.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/extract"
	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/vectorindex"
)

// Metadata keys set on indexed entries.
const (
	KeyURL   = "url"
	KeySrc   = "src"
	KeyTitle = "title"
)

// ErrNoMatch is returned when there is nothing to match against.
var ErrNoMatch = errors.New("no matching entry")

// Page is a crawled page offered for selection.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Matcher ranks fragments with a per-call vector index session.
type Matcher struct {
	embedder  llm.Embedder
	opts      vectorindex.Options
	textLimit int
	logger    *zap.Logger
}

const defaultTextLimit = 2000

// NewMatcher builds a Matcher. textLimit caps how much page text is embedded
// per page (default 2000 runes).
func NewMatcher(embedder llm.Embedder, opts vectorindex.Options, textLimit int, logger *zap.Logger) *Matcher {
	if textLimit <= 0 {
		textLimit = defaultTextLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{embedder: embedder, opts: opts, textLimit: textLimit, logger: logger}
}

// Best returns the top MMR hit for query in session.
func (m *Matcher) Best(ctx context.Context, session *vectorindex.Session, query string) (vectorindex.Result, error) {
	results, err := session.Search(ctx, query, 1)
	if err != nil {
		return vectorindex.Result{}, err
	}
	if len(results) == 0 {
		return vectorindex.Result{}, ErrNoMatch
	}
	return results[0], nil
}

// SelectURL indexes pages by title and leading text and returns the URL of
// the page that best matches query.
func (m *Matcher) SelectURL(ctx context.Context, pages []Page, query string) (string, error) {
	entries := make([]vectorindex.Entry, 0, len(pages))
	for _, p := range pages {
		text := strings.TrimSpace(p.Title + "\n" + truncateRunes(p.Text, m.textLimit))
		if text == "" || p.URL == "" {
			continue
		}
		entries = append(entries, vectorindex.Entry{
			Text:     text,
			Metadata: map[string]string{KeyURL: p.URL, KeyTitle: p.Title},
		})
	}
	best, err := m.bestOf(ctx, entries, query)
	if err != nil {
		return "", err
	}
	m.logger.Debug("selected page", zap.String("query", query), zap.String("url", best.Metadata[KeyURL]),
		zap.Float64("score", best.Score))
	return best.Metadata[KeyURL], nil
}

// MatchImage indexes images by alt text and returns the src whose caption
// best matches productName. Images without alt text are ignored.
func (m *Matcher) MatchImage(ctx context.Context, productName string, images []extract.Image) (string, error) {
	entries := make([]vectorindex.Entry, 0, len(images))
	for _, img := range images {
		alt := strings.TrimSpace(img.Alt)
		if alt == "" || img.Src == "" {
			continue
		}
		entries = append(entries, vectorindex.Entry{Text: alt, Metadata: map[string]string{KeySrc: img.Src}})
	}
	best, err := m.bestOf(ctx, entries, productName)
	if err != nil {
		return "", err
	}
	return best.Metadata[KeySrc], nil
}

func (m *Matcher) bestOf(ctx context.Context, entries []vectorindex.Entry, query string) (vectorindex.Result, error) {
	if len(entries) == 0 {
		return vectorindex.Result{}, ErrNoMatch
	}
	session := vectorindex.New(m.embedder, m.opts)
	if err := session.Index(ctx, entries); err != nil {
		return vectorindex.Result{}, fmt.Errorf("index candidates: %w", err)
	}
	return m.Best(ctx, session, query)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
