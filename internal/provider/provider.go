package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for provider operations.
var (
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrTimeout         = errors.New("request timed out")
	ErrInvalidResponse = errors.New("invalid response from provider")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Embed returns a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder extends Embedder with batch embedding support. Every
// provider here embeds a whole batch in one request.
type BatchEmbedder interface {
	Embedder
	// EmbedBatch returns vector embeddings for multiple texts in a single call.
	// The result has len(texts) entries in input order; an entry is nil when
	// the provider returned no vector for that input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// StatusError carries the HTTP status code of a failed provider call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code wrapped in err, or 0 if there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// statusError classifies a non-2xx HTTP status from a provider. 429 maps
// to ErrRateLimit and 408/504 to ErrTimeout; the code is always kept.
func statusError(op string, code int, detail string) error {
	detail = strings.TrimSpace(detail)
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail] + "..."
	}
	var err error
	switch code {
	case http.StatusTooManyRequests:
		err = fmt.Errorf("%w: %s", ErrRateLimit, detail)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		err = fmt.Errorf("%w: %s", ErrTimeout, detail)
	default:
		err = fmt.Errorf("%s failed: %s", op, detail)
	}
	return &StatusError{Code: code, Err: err}
}

// transportError wraps an error that happened before any status was read.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

const maxErrorDetail = 512

// summarySystemPrompt is sent as the system message by completers that
// support one.
const summarySystemPrompt = "You review duplicate GitHub issue reports for maintainers. " +
	"Answer with a single JSON object and no surrounding text."

// Completer generates text completions from a prompt.
type Completer interface {
	// Complete returns a text completion for the given prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// EmbedderConfig holds configuration for creating an Embedder.
type EmbedderConfig struct {
	Type       string
	Model      string
	APIKey     string
	URL        string
	Dimensions int
}

// RequiresAPIKey reports whether the embedder type needs an API key.
func (c EmbedderConfig) RequiresAPIKey() bool {
	return c.Type == "openai"
}

// NewEmbedder builds a BatchEmbedder from cfg.
func NewEmbedder(cfg EmbedderConfig) (BatchEmbedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "ollama":
		url := cfg.URL
		if url == "" {
			url = defaultOllamaURL
		}
		return NewOllamaEmbedder(url, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider type: %q", cfg.Type)
	}
}

// CompleterConfig holds configuration for creating a Completer.
type CompleterConfig struct {
	Type   string
	Model  string
	APIKey string
	URL    string
}

// NewCompleter builds a Completer from cfg. It returns nil, nil when no
// type is configured.
func NewCompleter(cfg CompleterConfig) (Completer, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAICompleter(cfg.APIKey, cfg.Model), nil
	case "anthropic":
		return NewAnthropicCompleter(cfg.APIKey, cfg.Model), nil
	case "ollama":
		return NewOllamaCompleter(cfg.URL, cfg.Model), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %q", cfg.Type)
	}
}
