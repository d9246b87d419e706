package cmd

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/jacklau/dupes/internal/analysis"
)

// stageProgress renders job snapshots as one progress bar per stage.
type stageProgress struct {
	writer io.Writer
	bar    *progressbar.ProgressBar
	stage  int
}

func newStageProgress(w io.Writer) *stageProgress {
	return &stageProgress{writer: w}
}

// Update moves the bar to the snapshot's stage progress, starting a new bar
// when the stage changes.
func (p *stageProgress) Update(s analysis.JobSnapshot) {
	if s.StageNumber != p.stage || p.bar == nil {
		p.finishBar()
		p.stage = s.StageNumber
		p.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.writer),
			progressbar.OptionSetDescription(stageLabel(s)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowCount(),
		)
	}
	p.bar.Describe(stageLabel(s))
	_ = p.bar.Set(int(s.StageProgress))
}

// Finish completes the current bar.
func (p *stageProgress) Finish() {
	p.finishBar()
}

func (p *stageProgress) finishBar() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.writer)
	p.bar = nil
}

// stageLabel is the bar description, e.g. "[2/4] embedding 48/120".
func stageLabel(s analysis.JobSnapshot) string {
	label := fmt.Sprintf("[%d/4] %s", s.StageNumber, s.Stage)
	switch s.StageNumber {
	case 1:
		if s.TotalIssues > 0 {
			label += fmt.Sprintf(" %d/%d", s.ProcessedIssues, s.TotalIssues)
		}
	case 2:
		label += fmt.Sprintf(" %d/%d", s.EmbeddedIssues, s.TotalIssues)
	}
	return label
}
