// Package vectorindex is an in-memory semantic index over short text
// fragments. Entries are embedded once when indexed; searches embed the
// query and rank entries by maximal marginal relevance so the returned set
// is both relevant and diverse.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/metrics"
)

// ErrNotInitialized is returned by Search before anything was indexed.
var ErrNotInitialized = errors.New("vector index not initialized")

// Entry is one indexed fragment.
type Entry struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a search hit. Score is the cosine similarity to the query.
type Result struct {
	Entry
	Score float64 `json:"score"`
}

// Options tunes MMR search.
type Options struct {
	// Lambda weighs relevance against diversity; 1 is pure similarity and 0
	// pure diversity. Nil uses DefaultLambda.
	Lambda *float64
	// FetchK is the candidate pool size considered by MMR.
	FetchK int
	// K is the default number of results.
	K int
}

// Defaults used for zero Options fields.
const (
	DefaultLambda = 0.5
	DefaultFetchK = 20
	DefaultK      = 3
)

func (o Options) withDefaults() Options {
	if o.Lambda == nil || *o.Lambda < 0 || *o.Lambda > 1 {
		lambda := DefaultLambda
		o.Lambda = &lambda
	}
	if o.FetchK <= 0 {
		o.FetchK = DefaultFetchK
	}
	if o.K <= 0 {
		o.K = DefaultK
	}
	return o
}

// Session is one logical collection. Index appends; readers and writers are
// guarded by an RWMutex.
type Session struct {
	id       string
	embedder llm.Embedder
	opts     Options

	mu      sync.RWMutex
	entries []Entry
	vectors [][]float32
}

// New creates an empty session.
func New(embedder llm.Embedder, opts Options) *Session {
	return &Session{embedder: embedder, opts: opts.withDefaults()}
}

// ID returns the registry handle, or "" for a session built with New.
func (s *Session) ID() string {
	return s.id
}

// Len reports how many entries are indexed.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Index embeds entries and appends them. Entries with blank text are skipped.
func (s *Session) Index(ctx context.Context, entries []Entry) error {
	if s.embedder == nil {
		return errors.New("vector index requires an embedder")
	}
	kept := make([]Entry, 0, len(entries))
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		kept = append(kept, e)
		texts = append(texts, e.Text)
	}
	if len(kept) == 0 {
		return nil
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		metrics.ObserveLLMCall("embed", "error")
		return fmt.Errorf("embed entries: %w", err)
	}
	metrics.ObserveLLMCall("embed", "ok")
	if len(vectors) != len(kept) {
		return fmt.Errorf("embedder returned %d vectors for %d entries", len(vectors), len(kept))
	}
	s.mu.Lock()
	s.entries = append(s.entries, kept...)
	s.vectors = append(s.vectors, vectors...)
	s.mu.Unlock()
	return nil
}

// Search returns up to k entries ranked by MMR. k <= 0 selects the
// session default.
func (s *Session) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if s == nil || s.Len() == 0 {
		return nil, ErrNotInitialized
	}
	if k <= 0 {
		k = s.opts.K
	}
	qv, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		metrics.ObserveLLMCall("embed", "error")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	metrics.ObserveLLMCall("embed", "ok")
	if len(qv) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for the query", len(qv))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	picked, scores := mmr(qv[0], s.vectors, k, s.opts.FetchK, *s.opts.Lambda)
	out := make([]Result, 0, len(picked))
	for i, idx := range picked {
		out = append(out, Result{Entry: s.entries[idx], Score: scores[i]})
	}
	return out, nil
}

// mmr selects k indices from docs. Candidates are the fetchK most similar to
// query; each step picks the candidate maximizing
// lambda*sim(query, d) - (1-lambda)*max sim(d, selected).
func mmr(query []float32, docs [][]float32, k, fetchK int, lambda float64) ([]int, []float64) {
	sims := make([]float64, len(docs))
	order := make([]int, len(docs))
	for i, d := range docs {
		sims[i] = cosine(query, d)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })
	if len(order) > fetchK {
		order = order[:fetchK]
	}
	if k > len(order) {
		k = len(order)
	}

	picked := make([]int, 0, k)
	scores := make([]float64, 0, k)
	used := make([]bool, len(order))
	for len(picked) < k {
		best, bestScore := -1, math.Inf(-1)
		for ci, idx := range order {
			if used[ci] {
				continue
			}
			redundancy := 0.0
			for _, p := range picked {
				if sim := cosine(docs[idx], docs[p]); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*sims[idx] - (1-lambda)*redundancy
			if score > bestScore {
				best, bestScore = ci, score
			}
		}
		used[best] = true
		picked = append(picked, order[best])
		scores = append(scores, sims[order[best]])
	}
	return picked, scores
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
