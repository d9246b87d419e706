package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/jacklau/dupes/internal/analysis"
	"github.com/jacklau/dupes/internal/notify"
	"github.com/jacklau/dupes/internal/report"
	"github.com/jacklau/dupes/internal/store"
)

// phaseLabel colors a job status for terminal output.
func phaseLabel(status store.JobStatus) string {
	switch status {
	case store.StatusCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case store.StatusFailed:
		return color.New(color.FgRed, color.Bold).Sprint(status)
	case store.StatusCancelled:
		return color.New(color.FgHiBlack).Sprint(status)
	default:
		return color.New(color.FgYellow).Sprint(status)
	}
}

// timeAgo renders t relative to now, or "never" for a nil time.
func timeAgo(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

// printSnapshot writes a detailed view of one job.
func printSnapshot(w io.Writer, s *analysis.JobSnapshot) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()

	fmt.Fprintf(w, "%s  %s\n", cyan(s.Repo), phaseLabel(s.Phase))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  Job:\t%s\n", s.JobID)
	fmt.Fprintf(tw, "  Stage:\t%d/4 %s (%.0f%%)\n", s.StageNumber, s.Stage, s.StageProgress)
	fmt.Fprintf(tw, "  Issues:\t%s fetched of %s\n",
		humanize.Comma(int64(s.ProcessedIssues)), humanize.Comma(int64(s.TotalIssues)))
	fmt.Fprintf(tw, "  Embedded:\t%s", humanize.Comma(int64(s.EmbeddedIssues)))
	if s.FailedItems > 0 {
		fmt.Fprintf(tw, " (%d failed)", s.FailedItems)
	}
	fmt.Fprintln(tw)
	if s.StageNumber >= 3 || s.Phase == store.StatusCompleted {
		fmt.Fprintf(tw, "  Duplicate pairs:\t%d\n", s.DuplicatePairs)
	}
	created := s.CreatedAt
	last := s.LastProcessedAt
	fmt.Fprintf(tw, "  Started:\t%s\n", timeAgo(&created))
	fmt.Fprintf(tw, "  Last activity:\t%s\n", timeAgo(&last))
	if s.CompletedAt != nil {
		fmt.Fprintf(tw, "  Finished:\t%s\n", timeAgo(s.CompletedAt))
	}
	tw.Flush()
	if s.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", color.RedString("Error:"), s.Error)
	}
}

// printReport writes the duplicate pairs of a finished report.
func printReport(w io.Writer, r *report.Report) {
	fmt.Fprintf(w, "%s: %s\n", r.Repo, notify.FormatStats(*r))
	if len(r.Pairs) == 0 {
		fmt.Fprintln(w, "No duplicate issues found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUE\tDUPLICATE OF\tSIMILARITY\tTITLE")
	for _, p := range r.Pairs {
		fmt.Fprintf(tw, "#%d\t#%d\t%d%% (%s)\t%s\n",
			p.Duplicate, p.Source, notify.Percent(p.Confidence),
			report.ConfidenceLevel(p.Confidence), p.DuplicateTitle)
	}
	tw.Flush()

	if r.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", r.Summary)
	}
}
