// Package llm holds the two language-model capabilities the extractor
// consumes, structured generation and text embedding, plus HTTP adapters
// for OpenAI-compatible, Anthropic, and Ollama endpoints.
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

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("empty model response")

// GenerateRequest asks a model to turn Input into JSON shaped like Shape.
type GenerateRequest struct {
	Instruction string
	Input       string
	// Shape is an example or JSON schema of the expected output.
	Shape string
}

// Generator produces structured JSON from text.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error)
}

// Embedder maps texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	APIURL    string
	MaxTokens int
	Timeout   time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

func (c Config) httpClient(defaultTimeout time.Duration) *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{Timeout: timeout}
	if c.Transport != nil {
		client.Transport = c.Transport
	}
	return client
}

// NewGenerator builds the Generator for cfg.Provider. An empty provider
// means generation is disabled and (nil, nil) is returned.
func NewGenerator(cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
		return NewOpenAIGenerator(cfg)
	case "anthropic":
		return NewAnthropicGenerator(cfg)
	case "ollama":
		return NewOllamaGenerator(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func prompt(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instruction))
	if req.Shape != "" {
		b.WriteString("\n\nReturn JSON with this shape:\n")
		b.WriteString(req.Shape)
	}
	b.WriteString("\n\nText:\n")
	b.WriteString(req.Input)
	b.WriteString("\n\nReturn only JSON, no explanation.")
	return b.String()
}

// UnwrapJSON strips a markdown code fence (```json or ```) around a model
// answer and checks that what remains is valid JSON.
func UnwrapJSON(answer string) (json.RawMessage, error) {
	text := strings.TrimSpace(answer)
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("model answer is not valid json: %.80q", text)
	}
	return json.RawMessage(text), nil
}
