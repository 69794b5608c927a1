package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare", in: ` {"name":"A"} `, want: `{"name":"A"}`},
		{name: "json fence", in: "Here you go:\n```json\n{\"name\":\"A\"}\n```\nthanks", want: `{"name":"A"}`},
		{name: "plain fence", in: "```\n[1,2]\n```", want: `[1,2]`},
		{name: "prose", in: "I could not find a product.", wantErr: true},
		{name: "empty", in: "```json\n```", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := UnwrapJSON(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestOpenAIGenerator(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	var got openAIChatRequest
	transport.RegisterResponder(http.MethodPost, "https://llm.test/v1/chat/completions",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"content": "```json\n{\"name\":\"Đèn LED\"}\n```"}},
				},
			})
		})

	gen, err := NewOpenAIGenerator(Config{
		APIURL:    "https://llm.test/v1/",
		APIKey:    "test-key",
		Model:     "gpt-test",
		Transport: transport,
	})
	require.NoError(t, err)

	out, err := gen.Generate(context.Background(), GenerateRequest{
		Instruction: "Extract the product.",
		Input:       "Đèn LED 100W",
		Shape:       `{"name": ""}`,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Đèn LED"}`, string(out))
	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Đèn LED 100W")
	assert.Contains(t, got.Messages[0].Content, "Return only JSON")
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestOpenAIGeneratorErrorStatus(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "https://api.openai.com/v1/chat/completions",
		httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"))

	gen, err := NewOpenAIGenerator(Config{Model: "m", Transport: transport})
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), GenerateRequest{Input: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}

func TestAnthropicGenerator(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "https://api.anthropic.com/v1/messages",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "k", req.Header.Get("X-API-Key"))
			assert.Equal(t, "2023-06-01", req.Header.Get("Anthropic-Version"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"content": []map[string]string{{"type": "text", "text": `{"price":"248.300 ₫"}`}},
			})
		})

	gen, err := NewAnthropicGenerator(Config{APIKey: "k", Model: "m", Transport: transport})
	require.NoError(t, err)
	out, err := gen.Generate(context.Background(), GenerateRequest{Input: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"248.300 ₫"}`, string(out))
}

func TestOllamaGenerator(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://localhost:11434/api/chat",
		httpmock.NewStringResponder(http.StatusOK, `{"message":{"role":"assistant","content":"{\"name\":\"A\"}"}}`))

	gen, err := NewOllamaGenerator(Config{Model: "llama", Transport: transport})
	require.NoError(t, err)
	out, err := gen.Generate(context.Background(), GenerateRequest{Input: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"A"}`, string(out))
}

func TestNewGenerator(t *testing.T) {
	t.Parallel()

	gen, err := NewGenerator(Config{})
	require.NoError(t, err)
	assert.Nil(t, gen)

	_, err = NewGenerator(Config{Provider: "mystery", Model: "m"})
	require.Error(t, err)

	_, err = NewGenerator(Config{Provider: "openai"})
	require.Error(t, err)
}

func TestHTTPEmbedderOpenAI(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "https://api.openai.com/v1/embeddings",
		httpmock.NewStringResponder(http.StatusOK, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))

	emb, err := NewEmbedder(Config{Model: "text-embedding-3-small", Transport: transport})
	require.NoError(t, err)
	vecs, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestHTTPEmbedderOllama(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://ollama.test/api/embeddings",
		httpmock.NewStringResponder(http.StatusOK, `{"embedding":[0.5,0.5]}`))

	emb, err := NewEmbedder(Config{Provider: "ollama", APIURL: "http://ollama.test", Model: "nomic", Transport: transport})
	require.NoError(t, err)
	vecs, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

type recordingEmbedder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), inputs...))
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in))}
	}
	return out, nil
}

func TestCachedEmbedder(t *testing.T) {
	t.Parallel()

	inner := &recordingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	first, err := cached.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, first)

	second, err := cached.Embed(context.Background(), []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2}, {3}, {1}}, second)

	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc"}}, inner.calls)
}
