package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint, or Ollama's
// /api/embeddings one input at a time.
type HTTPEmbedder struct {
	client   *http.Client
	apiKey   string
	apiURL   string
	model    string
	provider string
}

// NewEmbedder builds an Embedder for cfg.Provider ("openai" or "ollama").
func NewEmbedder(cfg Config) (*HTTPEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	provider := strings.ToLower(cfg.Provider)
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	switch provider {
	case "", "openai":
		provider = "openai"
		if apiURL == "" {
			apiURL = "https://api.openai.com/v1"
		}
	case "ollama":
		if apiURL == "" {
			apiURL = "http://localhost:11434"
		}
	default:
		return nil, fmt.Errorf("embedding provider %q is not supported", cfg.Provider)
	}
	return &HTTPEmbedder{
		client:   cfg.httpClient(120 * time.Second),
		apiKey:   cfg.APIKey,
		apiURL:   apiURL,
		model:    cfg.Model,
		provider: provider,
	}, nil
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if e.provider == "ollama" {
		return e.embedOllama(ctx, inputs)
	}
	var resp openAIEmbeddingResponse
	err := postJSON(ctx, e.client, e.apiURL+"/embeddings",
		map[string]string{"Authorization": bearer(e.apiKey)},
		openAIEmbeddingRequest{Model: e.model, Input: inputs}, &resp)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai embed: unexpected embeddings count %d for %d inputs", len(resp.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for i, entry := range resp.Data {
		idx := entry.Index
		if idx < 0 || idx >= len(vectors) || vectors[idx] != nil {
			idx = i
		}
		vectors[idx] = entry.Embedding
	}
	return vectors, nil
}

func (e *HTTPEmbedder) embedOllama(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		var resp ollamaEmbeddingResponse
		err := postJSON(ctx, e.client, e.apiURL+"/api/embeddings", nil,
			ollamaEmbeddingRequest{Model: e.model, Prompt: input}, &resp)
		if err != nil {
			return nil, fmt.Errorf("ollama embed: %w", err)
		}
		vectors = append(vectors, resp.Embedding)
	}
	return vectors, nil
}

// CachedEmbedder memoizes vectors per input text.
type CachedEmbedder struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps next with an LRU cache of size entries.
func NewCachedEmbedder(next Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed implements Embedder. Only cache misses are sent to the wrapped
// embedder, in a single call.
func (c *CachedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	var missing []string
	var missingIdx []int
	for i, input := range inputs {
		if vec, ok := c.cache.Get(input); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, input)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vectors, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(vectors), len(missing))
	}
	for j, vec := range vectors {
		c.cache.Add(missing[j], vec)
		out[missingIdx[j]] = vec
	}
	return out, nil
}
