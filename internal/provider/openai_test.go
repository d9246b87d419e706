package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func newTestClient(serverURL string) *openai.Client {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = serverURL
	return openai.NewClientWithConfig(cfg)
}

func TestNewOpenAIEmbedder_Models(t *testing.T) {
	tests := []struct {
		model string
		want  openai.EmbeddingModel
	}{
		{"text-embedding-3-small", openai.SmallEmbedding3},
		{"text-embedding-3-large", openai.LargeEmbedding3},
		{"text-embedding-ada-002", openai.AdaEmbeddingV2},
		{"unknown-model", openai.SmallEmbedding3},
		{"", openai.SmallEmbedding3},
	}
	for _, tt := range tests {
		e := NewOpenAIEmbedder("k", tt.model, 0)
		if e.model != tt.want {
			t.Errorf("model %q: got %s, want %s", tt.model, e.model, tt.want)
		}
		if e.Dimensions() != DefaultDimensions {
			t.Errorf("model %q: expected %d dimensions, got %d", tt.model, DefaultDimensions, e.Dimensions())
		}
	}
}

func TestOpenAIEmbedBatch_PlacesByIndex(t *testing.T) {
	var gotReq openai.EmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 2, Embedding: []float32{0.3}},
				{Index: 0, Embedding: []float32{0.1}},
				{Index: 7, Embedding: []float32{0.9}},
			},
		})
	}))
	defer server.Close()

	embedder := newOpenAIEmbedderWithClient(newTestClient(server.URL), "text-embedding-3-small", 1536)
	vecs, err := embedder.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1] != nil || vecs[2][0] != 0.3 {
		t.Errorf("unexpected placement: %v", vecs)
	}
	if gotReq.Dimensions != 1536 {
		t.Errorf("expected dimensions 1536 in request, got %d", gotReq.Dimensions)
	}
}

func TestOpenAIEmbedBatch_AdaOmitsDimensions(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{1}}}})
	}))
	defer server.Close()

	embedder := newOpenAIEmbedderWithClient(newTestClient(server.URL), "text-embedding-ada-002", 0)
	if _, err := embedder.EmbedBatch(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := raw["dimensions"]; ok {
		t.Error("ada requests must not carry dimensions")
	}
}

func TestOpenAIEmbedBatch_Empty(t *testing.T) {
	embedder := NewOpenAIEmbedder("test-key", "", 0)
	vecs, err := embedder.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("expected no entries, got %d", len(vecs))
	}
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.EmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Input.([]any)[0] == "missing" {
			json.NewEncoder(w).Encode(openai.EmbeddingResponse{})
			return
		}
		json.NewEncoder(w).Encode(openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{0.1, 0.2, 0.3}}}})
	}))
	defer server.Close()

	embedder := newOpenAIEmbedderWithClient(newTestClient(server.URL), "", 0)

	vec, err := embedder.Embed(context.Background(), "crash on start")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-element vector, got %d", len(vec))
	}

	if _, err := embedder.Embed(context.Background(), "missing"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse for empty data, got %v", err)
	}
	if _, err := embedder.Embed(context.Background(), "   "); err == nil {
		t.Error("expected error for whitespace-only text")
	}
}

func TestOpenAIEmbedBatch_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		isRate bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope", "type": "error"},
				})
			}))
			defer server.Close()

			embedder := newOpenAIEmbedderWithClient(newTestClient(server.URL), "", 0)
			_, err := embedder.EmbedBatch(context.Background(), []string{"x"})
			if got := StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
			if errors.Is(err, ErrRateLimit) != tt.isRate {
				t.Errorf("errors.Is(err, ErrRateLimit) = %v, want %v", !tt.isRate, tt.isRate)
			}
		})
	}
}

func TestOpenAIComplete(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	var noChoices atomic.Bool
	content := `{"summary": "ok"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		resp := openai.ChatCompletionResponse{}
		if !noChoices.Load() {
			resp.Choices = []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	completer := newOpenAICompleterWithClient(newTestClient(server.URL), "")
	out, err := completer.Complete(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != content {
		t.Errorf("got %q, want %q", out, content)
	}
	if gotReq.Model != defaultOpenAIModel {
		t.Errorf("expected default model, got %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("expected system then user message, got %+v", gotReq.Messages)
	}

	noChoices.Store(true)
	if _, err := completer.Complete(context.Background(), "summarize"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse for no choices, got %v", err)
	}
}

func TestOpenAIComplete_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "internal server error", "type": "server_error"},
		})
	}))
	defer server.Close()

	completer := newOpenAICompleterWithClient(newTestClient(server.URL), "gpt-4o-mini")
	_, err := completer.Complete(context.Background(), "test prompt")
	if StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", err)
	}
}
