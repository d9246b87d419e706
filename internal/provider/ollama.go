package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaModel = "llama3.1:8b"
	defaultOllamaURL   = "http://localhost:11434"

	ollamaTimeout = 60 * time.Second
)

// ollamaClient posts JSON to a local Ollama server.
type ollamaClient struct {
	url  string
	http *http.Client
}

func newOllamaClient(url string) ollamaClient {
	if url == "" {
		url = defaultOllamaURL
	}
	return ollamaClient{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: ollamaTimeout},
	}
}

// post sends body to path and decodes a 200 response into out. Other
// statuses come back as *StatusError.
func (c ollamaClient) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(op, resp.StatusCode, string(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrInvalidResponse, op, err)
	}
	return nil
}

// OllamaEmbedder implements BatchEmbedder using Ollama's /api/embed
// endpoint, which accepts many inputs per request.
type OllamaEmbedder struct {
	ollamaClient
	model string
}

// NewOllamaEmbedder creates a new Ollama embedding provider.
// Supported models: "nomic-embed-text" (768 dims), "mxbai-embed-large" (1024 dims).
func NewOllamaEmbedder(url, model string) *OllamaEmbedder {
	return &OllamaEmbedder{ollamaClient: newOllamaClient(url), model: model}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns a vector embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if vecs[0] == nil {
		return nil, fmt.Errorf("%w: no embedding returned from ollama", ErrInvalidResponse)
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Ollama answers in input order;
// missing trailing entries stay nil.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var resp ollamaEmbedResponse
	if err := e.post(ctx, "ollama embedding", "/api/embed", ollamaEmbedRequest{Model: e.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) > len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs",
			ErrInvalidResponse, len(resp.Embeddings), len(texts))
	}

	results := make([][]float32, len(texts))
	for i, vec := range resp.Embeddings {
		if len(vec) > 0 {
			results[i] = vec
		}
	}
	return results, nil
}

var _ BatchEmbedder = (*OllamaEmbedder)(nil)

// OllamaCompleter implements the Completer interface using a local Ollama server.
type OllamaCompleter struct {
	ollamaClient
	model string
}

// NewOllamaCompleter creates a new OllamaCompleter.
// If url is empty, it defaults to http://localhost:11434.
// If model is empty, it defaults to llama3.1:8b.
func NewOllamaCompleter(url, model string) *OllamaCompleter {
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaCompleter{ollamaClient: newOllamaClient(url), model: model}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete asks the model for a JSON answer to prompt.
func (o *OllamaCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	req := ollamaGenerateRequest{
		Model:  o.model,
		System: summarySystemPrompt,
		Prompt: prompt,
		Format: "json",
	}

	var resp ollamaGenerateResponse
	if err := o.post(ctx, "ollama completion", "/api/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", resp.Error)
	}
	return resp.Response, nil
}

var _ Completer = (*OllamaCompleter)(nil)
