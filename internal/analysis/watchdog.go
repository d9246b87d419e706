package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacklau/dupes/internal/store"
)

// watchdog re-derives timeouts from stored timestamps. It keeps no state
// of its own, so any process observing a job enforces the same limits.
type watchdog struct {
	store  store.JobStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// wallClock cancels a job running longer than MaxDuration.
func (w *watchdog) wallClock(job *store.Job) (*store.Job, error) {
	if job.Status.IsTerminal() || w.now().Sub(job.CreatedAt) <= w.cfg.MaxDuration {
		return job, nil
	}
	w.logger.Warn("job exceeded maximum duration", "job", job.ID, "created_at", job.CreatedAt)
	job, _, err := w.finish(job.ID, store.StatusCancelled, MsgMaxDuration)
	return job, err
}

// stageStart fails a job whose embedding stage never began. Stage 1 ends
// with a single write that moves the job to stage 2, so the check looks at
// stage 2 only: a stage 1 job at 100% is still waiting for its last page.
func (w *watchdog) stageStart(job *store.Job) (*store.Job, error) {
	if job.Status.IsTerminal() || job.StageNumber != 2 || job.EmbeddedIssues > 0 {
		return job, nil
	}
	if w.now().Sub(job.LastProcessedAt) <= w.cfg.StageStartTimeout {
		return job, nil
	}

	started, err := w.store.CountJobItems(job.ID, store.ItemFilter{
		Statuses: []store.EmbeddingStatus{store.ItemProcessing, store.ItemCompleted, store.ItemError},
	})
	if err != nil {
		return nil, fmt.Errorf("counting started items: %w", err)
	}
	if started > 0 {
		return job, nil
	}

	w.logger.Warn("embedding stage did not start", "job", job.ID, "last_processed_at", job.LastProcessedAt)
	job, _, err = w.finish(job.ID, store.StatusFailed, MsgStageStartFailed)
	return job, err
}

// apply runs every watchdog in order.
func (w *watchdog) apply(job *store.Job) (*store.Job, error) {
	job, err := w.wallClock(job)
	if err != nil {
		return nil, err
	}
	return w.stageStart(job)
}

// finish moves a live job to a terminal status with msg as its error. It
// reports false, with the stored job, when the job had already ended.
func (w *watchdog) finish(jobID string, status store.JobStatus, msg string) (*store.Job, bool, error) {
	now := w.now()
	job, err := w.store.AdvanceJob(jobID, store.JobPatch{
		Status:          &status,
		Error:           &msg,
		CompletedAt:     &now,
		LastProcessedAt: &now,
	})
	if errors.Is(err, store.ErrJobNotAdvanced) {
		return job, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("marking job %s %s: %w", jobID, status, err)
	}
	return job, true, nil
}
