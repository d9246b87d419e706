package notify

import (
	"fmt"
	"math"
	"strings"

	"github.com/jacklau/dupes/internal/report"
)

// maxListedPairs is the number of pairs included in a message.
const maxListedPairs = 10

// FormatPairs formats the top duplicate pairs as a readable list.
// Example: "- #40 ↔ #12 — 93% similar"
func FormatPairs(pairs []report.Pair) string {
	if len(pairs) == 0 {
		return "None found"
	}
	shown := pairs
	if len(shown) > maxListedPairs {
		shown = shown[:maxListedPairs]
	}
	parts := make([]string, len(shown))
	for i, p := range shown {
		parts[i] = fmt.Sprintf("- #%d ↔ #%d — %d%% similar", p.Source, p.Duplicate, Percent(p.Confidence))
	}
	if extra := len(pairs) - len(shown); extra > 0 {
		parts = append(parts, fmt.Sprintf("…and %d more", extra))
	}
	return strings.Join(parts, "\n")
}

// FormatStats summarizes the issue counts of a report.
// Example: "120 issues, 118 embedded, 2 failed"
func FormatStats(r report.Report) string {
	s := fmt.Sprintf("%d issues, %d embedded", r.TotalIssues, r.Embedded)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed", r.Failed)
	}
	return s
}

// Percent renders a [0,1] confidence as a whole percentage.
func Percent(c float64) int {
	return int(math.Round(c * 100))
}
