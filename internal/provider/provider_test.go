package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		want    error
		wantMsg string
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimit, "rate limit exceeded"},
		{"request timeout", http.StatusRequestTimeout, ErrTimeout, "request timed out"},
		{"gateway timeout", http.StatusGatewayTimeout, ErrTimeout, "request timed out"},
		{"server error", http.StatusInternalServerError, nil, "embed failed: boom"},
		{"bad request", http.StatusBadRequest, nil, "embed failed: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := statusError("embed", tt.code, " boom\n")
			if got := StatusCode(err); got != tt.code {
				t.Errorf("StatusCode() = %d, want %d", got, tt.code)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if tt.want == nil && (errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)) {
				t.Errorf("unexpected sentinel in %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestStatusErrorTruncatesDetail(t *testing.T) {
	err := statusError("embed", 500, strings.Repeat("x", 2*maxErrorDetail))
	if len(err.Error()) > maxErrorDetail+100 {
		t.Errorf("detail not truncated: %d bytes", len(err.Error()))
	}
}

func TestStatusCodeWithoutStatus(t *testing.T) {
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := transportError(ctx, "op", errors.New("dial")); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout for a done context, got %v", err)
	}

	cause := errors.New("dial")
	err := transportError(context.Background(), "op", cause)
	if !errors.Is(err, cause) || StatusCode(err) != 0 {
		t.Errorf("expected wrapped cause without status, got %v", err)
	}
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(EmbedderConfig{Type: "openai", APIKey: "k", Model: "text-embedding-3-large", Dimensions: 256})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oe, ok := e.(*OpenAIEmbedder)
	if !ok {
		t.Fatalf("expected *OpenAIEmbedder, got %T", e)
	}
	if oe.Dimensions() != 256 {
		t.Errorf("expected 256 dimensions, got %d", oe.Dimensions())
	}

	oll, err := NewEmbedder(EmbedderConfig{Type: "ollama", Model: "nomic-embed-text"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oll.(*OllamaEmbedder).url != defaultOllamaURL {
		t.Errorf("expected default ollama URL")
	}

	if _, err := NewEmbedder(EmbedderConfig{Type: "nope"}); err == nil {
		t.Error("expected error for unknown type")
	}

	if !(EmbedderConfig{Type: "openai"}).RequiresAPIKey() || (EmbedderConfig{Type: "ollama"}).RequiresAPIKey() {
		t.Error("unexpected RequiresAPIKey result")
	}
}

func TestNewCompleter(t *testing.T) {
	for _, typ := range []string{"openai", "anthropic", "ollama"} {
		c, err := NewCompleter(CompleterConfig{Type: typ, APIKey: "k"})
		if err != nil || c == nil {
			t.Errorf("NewCompleter(%s) = %v, %v", typ, c, err)
		}
	}

	c, err := NewCompleter(CompleterConfig{})
	if err != nil || c != nil {
		t.Errorf("expected nil completer for empty type, got %v, %v", c, err)
	}

	if _, err := NewCompleter(CompleterConfig{Type: "nope"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
