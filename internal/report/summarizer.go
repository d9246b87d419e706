package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jacklau/dupes/internal/provider"
)

const defaultPromptPairs = 20

// Summarizer asks an LLM for a short prose summary of a report.
type Summarizer struct {
	completer provider.Completer
	timeout   time.Duration
	maxPairs  int
}

// NewSummarizer creates a Summarizer. If timeout is zero it defaults to 30
// seconds.
func NewSummarizer(completer provider.Completer, timeout time.Duration) *Summarizer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Summarizer{
		completer: completer,
		timeout:   timeout,
		maxPairs:  defaultPromptPairs,
	}
}

type llmResponse struct {
	Summary string `json:"summary"`
}

// codeFenceRe matches markdown code fences around JSON.
var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\\s*```")

// parseResponse parses the LLM's JSON response, stripping markdown fences if present.
func parseResponse(raw string) (*llmResponse, error) {
	cleaned := strings.TrimSpace(raw)

	if matches := codeFenceRe.FindStringSubmatch(cleaned); len(matches) > 1 {
		cleaned = strings.TrimSpace(matches[1])
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrInvalidResponse, err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", provider.ErrInvalidResponse)
	}
	return &resp, nil
}

const retryPromptSuffix = `

IMPORTANT: You MUST respond with ONLY valid JSON. No markdown, no code fences, no extra text.
Example: {"summary": "Most duplicates concern login failures."}`

// Summarize returns a summary of r. A report without pairs gets a fixed
// summary and no LLM call. An unparseable answer is retried once with a
// stricter prompt.
func (s *Summarizer) Summarize(ctx context.Context, r *Report) (string, error) {
	if len(r.Pairs) == 0 {
		return fmt.Sprintf("No duplicate issues found among %d analyzed issues.", r.Embedded), nil
	}

	prompt, err := BuildPrompt(r, s.maxPairs)
	if err != nil {
		return "", fmt.Errorf("building prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("completing prompt: %w", err)
	}

	resp, err := parseResponse(raw)
	if err != nil {
		raw, err = s.completer.Complete(ctx, prompt+retryPromptSuffix)
		if err != nil {
			return "", fmt.Errorf("completing retry prompt: %w", err)
		}
		resp, err = parseResponse(raw)
		if err != nil {
			return "", fmt.Errorf("parsing summary after retry: %w", err)
		}
	}

	return strings.TrimSpace(resp.Summary), nil
}
