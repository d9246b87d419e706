// Package report builds the final duplicate report of an analysis job.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Pair is one duplicate finding as shown to users.
type Pair struct {
	Source         int     `json:"source"`
	SourceTitle    string  `json:"source_title,omitempty"`
	Duplicate      int     `json:"duplicate"`
	DuplicateTitle string  `json:"duplicate_title,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Report is the result of one completed analysis.
type Report struct {
	Repo        string    `json:"repo"`
	JobID       string    `json:"job_id"`
	TotalIssues int       `json:"total_issues"`
	Embedded    int       `json:"embedded_issues"`
	Failed      int       `json:"failed_items"`
	Pairs       []Pair    `json:"pairs"`
	Summary     string    `json:"summary,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Sort orders pairs by confidence, highest first, then by source number.
func (r *Report) Sort() {
	sort.SliceStable(r.Pairs, func(i, j int) bool {
		if r.Pairs[i].Confidence != r.Pairs[j].Confidence {
			return r.Pairs[i].Confidence > r.Pairs[j].Confidence
		}
		if r.Pairs[i].Source != r.Pairs[j].Source {
			return r.Pairs[i].Source < r.Pairs[j].Source
		}
		return r.Pairs[i].Duplicate < r.Pairs[j].Duplicate
	})
}

// TopPairs returns at most n pairs in their current order.
func (r *Report) TopPairs(n int) []Pair {
	if n <= 0 || n >= len(r.Pairs) {
		return r.Pairs
	}
	return r.Pairs[:n]
}

// IssueURL returns the GitHub URL of issue number in the report's repo.
func (r *Report) IssueURL(number int) string {
	return fmt.Sprintf("https://github.com/%s/issues/%d", r.Repo, number)
}

// Marshal encodes the report as JSON for storage on the job row.
func (r *Report) Marshal() (string, error) {
	if r.Pairs == nil {
		r.Pairs = []Pair{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	return string(b), nil
}

// Parse decodes a report stored by Marshal.
func Parse(s string) (*Report, error) {
	if s == "" {
		return nil, fmt.Errorf("empty report")
	}
	var r Report
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}

// ConfidenceLevel buckets a similarity score for display.
func ConfidenceLevel(confidence float64) string {
	switch {
	case confidence >= 0.97:
		return "near-identical"
	case confidence >= 0.93:
		return "likely"
	default:
		return "possible"
	}
}
