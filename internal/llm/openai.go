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

// OpenAIGenerator calls an OpenAI-compatible /chat/completions endpoint in
// JSON mode.
type OpenAIGenerator struct {
	client    *http.Client
	apiKey    string
	apiURL    string
	model     string
	maxTokens int
}

// NewOpenAIGenerator builds the generator.
func NewOpenAIGenerator(cfg Config) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &OpenAIGenerator{
		client:    cfg.httpClient(60 * time.Second),
		apiKey:    cfg.APIKey,
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Stream         bool              `json:"stream"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	var resp openAIChatResponse
	err := postJSON(ctx, g.client, g.apiURL+"/chat/completions",
		map[string]string{"Authorization": bearer(g.apiKey)},
		openAIChatRequest{
			Model:          g.model,
			Messages:       []chatMessage{{Role: "user", Content: prompt(req)}},
			MaxTokens:      g.maxTokens,
			ResponseFormat: map[string]string{"type": "json_object"},
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai generate: %w", ErrEmptyResponse)
	}
	out, err := UnwrapJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	return out, nil
}
