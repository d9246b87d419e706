package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel          = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"

	// DefaultDimensions is the embedding size requested from OpenAI.
	DefaultDimensions = 1536
)

// OpenAIEmbedder implements BatchEmbedder using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder creates a new OpenAIEmbedder. Unknown models fall back
// to text-embedding-3-small; dimensions <= 0 means DefaultDimensions.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) *OpenAIEmbedder {
	return newOpenAIEmbedderWithClient(openai.NewClient(apiKey), model, dimensions)
}

func newOpenAIEmbedderWithClient(client *openai.Client, model string, dimensions int) *OpenAIEmbedder {
	m := openai.SmallEmbedding3
	switch model {
	case string(openai.LargeEmbedding3):
		m = openai.LargeEmbedding3
	case string(openai.AdaEmbeddingV2):
		m = openai.AdaEmbeddingV2
	}
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &OpenAIEmbedder{client: client, model: m, dimensions: dimensions}
}

// Dimensions returns the requested vector size.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed returns a vector embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, fmt.Errorf("%w: no embedding in response", ErrInvalidResponse)
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one API request. Response entries are
// placed by their index; inputs with no matching entry stay nil.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	}
	if e.model != openai.AdaEmbeddingV2 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(ctx, "openai embedding", err)
	}

	results := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			continue
		}
		results[d.Index] = d.Embedding
	}
	return results, nil
}

var _ BatchEmbedder = (*OpenAIEmbedder)(nil)

// OpenAICompleter implements the Completer interface using the OpenAI API.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter creates a new OpenAICompleter.
// If model is empty, it defaults to gpt-4o-mini.
func NewOpenAICompleter(apiKey, model string) *OpenAICompleter {
	return newOpenAICompleterWithClient(openai.NewClient(apiKey), model)
}

func newOpenAICompleterWithClient(client *openai.Client, model string) *OpenAICompleter {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAICompleter{
		client: client,
		model:  model,
	}
}

// Complete sends a prompt to OpenAI and returns the text completion.
func (o *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", wrapOpenAIError(ctx, "openai completion", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

// wrapOpenAIError attaches the HTTP status and the matching sentinel.
func wrapOpenAIError(ctx context.Context, op string, err error) error {
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}

	if code != 0 {
		return statusError(op, code, err.Error())
	}
	return transportError(ctx, op, err)
}
