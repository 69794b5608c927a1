package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaGenerator calls a local Ollama /api/chat endpoint with JSON output.
type OllamaGenerator struct {
	client *http.Client
	apiURL string
	model  string
}

// NewOllamaGenerator builds the generator.
func NewOllamaGenerator(cfg Config) (*OllamaGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("ollama model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "http://localhost:11434"
	}
	return &OllamaGenerator{
		client: cfg.httpClient(120 * time.Second),
		apiURL: apiURL,
		model:  cfg.Model,
	}, nil
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	var resp ollamaChatResponse
	err := postJSON(ctx, g.client, g.apiURL+"/api/chat", nil,
		ollamaChatRequest{
			Model:    g.model,
			Messages: []chatMessage{{Role: "user", Content: prompt(req)}},
			Format:   "json",
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	out, err := UnwrapJSON(resp.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	return out, nil
}
