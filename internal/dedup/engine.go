package dedup

import (
	"context"
	"sort"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a duplicate pair.
	DefaultThreshold = float32(0.9)

	defaultMaxChars = 8000
)

// Vector is the embedding of one issue.
type Vector struct {
	Number    int
	Embedding []float32
}

// Pair marks Duplicate as a likely duplicate of Source. Source is always
// the lower (older) issue number.
type Pair struct {
	Source    int
	Duplicate int
	Score     float32
}

// Engine finds duplicate pairs among issue embeddings.
type Engine struct {
	threshold     float32
	maxCandidates int
	maxChars      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the cosine similarity threshold for duplicate detection.
func WithThreshold(t float32) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithMaxCandidates limits how many sources are kept for one duplicate,
// best first. Zero keeps all of them.
func WithMaxCandidates(n int) Option {
	return func(e *Engine) { e.maxCandidates = n }
}

// WithMaxChars sets the maximum number of characters to embed.
func WithMaxChars(n int) Option {
	return func(e *Engine) { e.maxChars = n }
}

// NewEngine creates a new dedup Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		threshold: DefaultThreshold,
		maxChars:  defaultMaxChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the configured similarity threshold.
func (e *Engine) Threshold() float32 {
	return e.threshold
}

// ComposeText creates the text to embed from an issue's title and body:
// the title alone when the body is empty, otherwise title, a blank line and
// the body. It truncates to maxChars, preserving the title and as much body
// as fits.
func (e *Engine) ComposeText(title, body string) string {
	if body == "" {
		if len(title) > e.maxChars {
			return title[:e.maxChars]
		}
		return title
	}

	text := title + "\n\n" + body
	if len(text) > e.maxChars {
		prefix := title + "\n\n"
		remaining := e.maxChars - len(prefix)
		if remaining <= 0 {
			return title[:e.maxChars]
		}
		return prefix + body[:remaining]
	}
	return text
}

// FindDuplicatePairs compares every pair of vectors and returns the pairs
// whose similarity reaches the threshold, highest score first. Each vector
// is normalized once, so a comparison is a single dot product. Empty and
// zero vectors are skipped, as are vectors whose dimensionality differs
// from the first usable one.
func (e *Engine) FindDuplicatePairs(ctx context.Context, vectors []Vector) ([]Pair, error) {
	units := make([]Vector, 0, len(vectors))
	dims := 0
	for _, v := range vectors {
		u := Normalize(v.Embedding)
		if u == nil {
			continue
		}
		if dims == 0 {
			dims = len(u)
		}
		if len(u) != dims {
			continue
		}
		units = append(units, Vector{Number: v.Number, Embedding: u})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Number < units[j].Number })

	byDuplicate := make(map[int][]Pair)
	for i := range units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(units); j++ {
			if units[i].Number == units[j].Number {
				continue
			}
			score := Dot(units[i].Embedding, units[j].Embedding)
			if score >= e.threshold {
				dup := units[j].Number
				byDuplicate[dup] = append(byDuplicate[dup], Pair{
					Source:    units[i].Number,
					Duplicate: dup,
					Score:     score,
				})
			}
		}
	}

	var pairs []Pair
	for _, cands := range byDuplicate {
		sortPairs(cands)
		if e.maxCandidates > 0 && len(cands) > e.maxCandidates {
			cands = cands[:e.maxCandidates]
		}
		pairs = append(pairs, cands...)
	}
	sortPairs(pairs)
	return pairs, nil
}

func sortPairs(p []Pair) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Score != p[j].Score {
			return p[i].Score > p[j].Score
		}
		if p[i].Source != p[j].Source {
			return p[i].Source < p[j].Source
		}
		return p[i].Duplicate < p[j].Duplicate
	})
}
