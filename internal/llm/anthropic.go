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

const defaultAnthropicMaxTokens = 1000

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client    *http.Client
	apiKey    string
	apiURL    string
	model     string
	maxTokens int
}

// NewAnthropicGenerator builds the generator.
func NewAnthropicGenerator(cfg Config) (*AnthropicGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.anthropic.com"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicGenerator{
		client:    cfg.httpClient(60 * time.Second),
		apiKey:    cfg.APIKey,
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	var resp anthropicResponse
	err := postJSON(ctx, g.client, g.apiURL+"/v1/messages",
		map[string]string{
			"X-API-Key":         g.apiKey,
			"Anthropic-Version": "2023-06-01",
		},
		anthropicRequest{
			Model:     g.model,
			MaxTokens: g.maxTokens,
			Messages:  []chatMessage{{Role: "user", Content: prompt(req)}},
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out, err := UnwrapJSON(text.String())
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}
	return out, nil
}
