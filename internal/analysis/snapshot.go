package analysis

import (
	"time"

	"github.com/jacklau/dupes/internal/store"
)

// JobSnapshot is the externally visible state of a job.
type JobSnapshot struct {
	JobID           string
	Repo            string
	Phase           store.JobStatus
	Stage           store.Stage
	StageNumber     int
	StageProgress   float64
	ProcessedIssues int
	TotalIssues     int
	EmbeddedIssues  int
	FailedItems     int
	DuplicatePairs  int
	Error           string
	CreatedAt       time.Time
	LastProcessedAt time.Time
	CompletedAt     *time.Time
}

// Terminal reports whether the job has finished.
func (s JobSnapshot) Terminal() bool {
	return s.Phase.IsTerminal()
}

// precedes reports whether s is strictly earlier than o in
// (stage number, stage progress, last processed) order.
func (s JobSnapshot) precedes(o JobSnapshot) bool {
	if s.StageNumber != o.StageNumber {
		return s.StageNumber < o.StageNumber
	}
	if s.StageProgress != o.StageProgress {
		return s.StageProgress < o.StageProgress
	}
	return s.LastProcessedAt.Before(o.LastProcessedAt)
}

func newSnapshot(job *store.Job, repo string) JobSnapshot {
	return JobSnapshot{
		JobID:           job.ID,
		Repo:            repo,
		Phase:           job.Status,
		Stage:           job.Stage,
		StageNumber:     job.StageNumber,
		StageProgress:   job.StageProgress,
		ProcessedIssues: job.ProcessedIssues,
		TotalIssues:     job.TotalIssues,
		EmbeddedIssues:  job.EmbeddedIssues,
		FailedItems:     job.FailedItems,
		DuplicatePairs:  job.DuplicatePairs,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		LastProcessedAt: job.LastProcessedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// progress returns done/total as a percentage capped at 100.
func progress(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
