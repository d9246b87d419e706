package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacklau/dupes/internal/dedup"
	"github.com/jacklau/dupes/internal/notify"
	"github.com/jacklau/dupes/internal/report"
	"github.com/jacklau/dupes/internal/store"
)

// Summarizer writes the prose summary of a report.
type Summarizer interface {
	Summarize(ctx context.Context, r *report.Report) (string, error)
}

// WorkerDeps holds the dependencies for the Worker. Summarizer and
// Notifier are optional.
type WorkerDeps struct {
	Store      store.JobStore
	Embedder   Embedder
	Engine     *dedup.Engine
	Summarizer Summarizer
	Notifier   notify.Notifier
}

// Worker advances a job by one step per ProcessBatch call. Invocations
// share no memory; everything they need is read from the store, so any
// number of them may run for the same job.
type Worker struct {
	deps   WorkerDeps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	guard  *watchdog
}

// NewWorker creates a Worker. A nil Engine is replaced by one using the
// configured similarity threshold.
func NewWorker(deps WorkerDeps, opts ...Option) *Worker {
	s := newSettings(opts)
	if deps.Engine == nil {
		deps.Engine = dedup.NewEngine(dedup.WithThreshold(s.cfg.SimilarityThreshold))
	}
	return &Worker{
		deps:   deps,
		cfg:    s.cfg,
		now:    s.now,
		logger: s.logger,
		guard:  &watchdog{store: deps.Store, cfg: s.cfg, now: s.now, logger: s.logger},
	}
}

// ProcessBatch performs the next unit of work for jobID: one embedding
// batch in stage 2, the similarity search in stage 3 or the report in
// stage 4. Terminal jobs are left untouched.
func (w *Worker) ProcessBatch(ctx context.Context, jobID string) BatchResult {
	logger := w.logger.With("job", jobID)

	job, err := w.deps.Store.GetJob(jobID)
	if err != nil {
		logger.Error("loading job", "error", err)
		return BatchResult{Error: err.Error()}
	}
	if job.Status.IsTerminal() {
		return BatchResult{Success: true}
	}
	if job, err = w.guard.wallClock(job); err != nil {
		logger.Error("applying time limit", "error", err)
		return BatchResult{Error: err.Error()}
	}
	if job.Status.IsTerminal() {
		return BatchResult{Success: true}
	}
	if job, err = w.deps.Store.AdvanceJob(jobID, store.JobPatch{}); errors.Is(err, store.ErrJobNotAdvanced) {
		return BatchResult{Success: true}
	} else if err != nil {
		logger.Error("touching job", "error", err)
		return BatchResult{Error: err.Error()}
	}

	if job.Stage == store.StageFetching {
		if job, err = finishFetch(w.deps.Store, jobID); err != nil {
			logger.Error("finishing fetch stage", "error", err)
			return BatchResult{Error: err.Error()}
		}
		if job.Status.IsTerminal() {
			return BatchResult{Success: true}
		}
	}

	switch job.Stage {
	case store.StageEmbedding:
		err = w.embed(ctx, job, logger)
	case store.StageAnalyzing:
		err = w.analyze(ctx, job, logger)
	case store.StageReporting:
		err = w.report(ctx, job, logger)
	default:
		err = fmt.Errorf("job %s has unknown stage %q", jobID, job.Stage)
	}
	if err == nil {
		return BatchResult{Success: true}
	}

	if IsCritical(err) {
		msg := jobErrorMessage(err)
		logger.Error("critical error, failing job", "error", msg)
		if _, _, ferr := w.guard.finish(jobID, store.StatusFailed, msg); ferr != nil {
			logger.Error("marking job failed", "error", ferr)
		}
		return BatchResult{Error: msg}
	}
	logger.Warn("batch failed", "stage", job.Stage, "error", err)
	return BatchResult{Error: err.Error()}
}

// embed runs one stage 2 step.
func (w *Worker) embed(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	st := w.deps.Store
	now := w.now()

	reset, err := st.ResetStaleItems(job.ID, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if reset > 0 {
		logger.Warn("reset stuck items", "count", reset)
	}

	remaining, err := w.countRemaining(job.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return w.finishEmbedding(job, logger)
	}

	items, err := st.ClaimItems(job.ID, w.cfg.BatchSize, w.cfg.MaxRetries, now)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = w.deps.Engine.ComposeText(it.Title, it.Body)
	}

	vectors, embedErr := w.deps.Embedder.CreateEmbeddingBatch(ctx, texts)
	resolved := w.now()
	updates := make([]store.ItemUpdate, len(items))
	for i, it := range items {
		u := store.ItemUpdate{ID: it.ID, RetryCount: it.RetryCount, ProcessedAt: &resolved, LastRetryAt: it.LastRetryAt}
		switch {
		case errors.Is(embedErr, context.Canceled):
			// Interrupted, not failed: release the claim without a retry.
			u.Status = store.ItemPending
			if it.RetryCount > 0 {
				u.Status = store.ItemError
				u.ErrorMessage = it.ErrorMessage
			}
		case embedErr != nil:
			u.Status = store.ItemError
			u.ErrorMessage = embedErr.Error()
			u.RetryCount++
			u.LastRetryAt = &resolved
		case i >= len(vectors) || len(vectors[i]) == 0:
			u.Status = store.ItemError
			u.ErrorMessage = MsgEmbeddingMissing
			u.RetryCount++
			u.LastRetryAt = &resolved
		default:
			u.Status = store.ItemCompleted
			u.Embedding = dedup.EncodeEmbedding(vectors[i])
		}
		updates[i] = u
	}
	if err := st.UpdateJobItems(updates); err != nil {
		return errors.Join(embedErr, fmt.Errorf("saving batch results: %w", err))
	}
	if embedErr != nil {
		return fmt.Errorf("embedding batch of %d: %w", len(items), embedErr)
	}

	embedded, err := st.CountJobItems(job.ID, store.ItemFilter{Statuses: []store.EmbeddingStatus{store.ItemCompleted}})
	if err != nil {
		return err
	}
	total, err := st.CountJobItems(job.ID, store.ItemFilter{})
	if err != nil {
		return err
	}
	pct := progress(embedded, total)
	_, err = st.RecordProgress(job.ID, store.StageEmbedding, store.JobPatch{EmbeddedIssues: &embedded, StageProgress: &pct})
	if err != nil && !errors.Is(err, store.ErrJobNotAdvanced) {
		return err
	}
	logger.Info("embedded batch", "claimed", len(items), "embedded", embedded, "total", total)
	return nil
}

// countRemaining counts items that still need an embedding attempt,
// including items another invocation is working on.
func (w *Worker) countRemaining(jobID string) (int, error) {
	open, err := w.deps.Store.CountJobItems(jobID, store.ItemFilter{
		Statuses: []store.EmbeddingStatus{store.ItemPending, store.ItemProcessing},
	})
	if err != nil {
		return 0, err
	}
	retryable, err := w.deps.Store.CountJobItems(jobID, store.ItemFilter{
		Statuses:   []store.EmbeddingStatus{store.ItemError},
		RetryBelow: store.Ptr(w.cfg.MaxRetries),
	})
	if err != nil {
		return 0, err
	}
	return open + retryable, nil
}

// finishEmbedding records the final item counts and moves to stage 3.
func (w *Worker) finishEmbedding(job *store.Job, logger *slog.Logger) error {
	st := w.deps.Store
	failed, err := st.CountJobItems(job.ID, store.ItemFilter{
		Statuses:     []store.EmbeddingStatus{store.ItemError},
		RetryAtLeast: store.Ptr(w.cfg.MaxRetries),
	})
	if err != nil {
		return err
	}
	embedded, err := st.CountJobItems(job.ID, store.ItemFilter{Statuses: []store.EmbeddingStatus{store.ItemCompleted}})
	if err != nil {
		return err
	}

	status, stage := store.StatusAnalyzing, store.StageAnalyzing
	zero := 0.0
	_, err = w.advance(job.ID, store.JobPatch{
		Status:         &status,
		Stage:          &stage,
		StageProgress:  &zero,
		EmbeddedIssues: &embedded,
		FailedItems:    &failed,
	})
	if err != nil {
		return fmt.Errorf("advancing to analysis stage: %w", err)
	}
	logger.Info("embedding complete", "embedded", embedded, "failed", failed)
	return nil
}

// analyze runs stage 3: pairwise similarity over every stored embedding.
func (w *Worker) analyze(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	items, err := w.deps.Store.ListJobItems(job.ID, store.ItemFilter{
		Statuses: []store.EmbeddingStatus{store.ItemCompleted},
	})
	if err != nil {
		return err
	}

	vectors := make([]dedup.Vector, 0, len(items))
	for _, it := range items {
		v, err := dedup.DecodeEmbedding(it.Embedding)
		if err != nil {
			logger.Warn("skipping unreadable embedding", "issue", it.IssueNumber, "error", err)
			continue
		}
		vectors = append(vectors, dedup.Vector{Number: it.IssueNumber, Embedding: v})
	}

	found, err := w.deps.Engine.FindDuplicatePairs(ctx, vectors)
	if err != nil {
		return fmt.Errorf("searching duplicates: %w", err)
	}

	pairs := make([]store.DuplicatePair, len(found))
	for i, p := range found {
		pairs[i] = store.DuplicatePair{
			JobID:           job.ID,
			SourceNumber:    p.Source,
			DuplicateNumber: p.Duplicate,
			Confidence:      float64(p.Score),
		}
	}
	if err := w.deps.Store.ReplaceDuplicatePairs(job.ID, pairs); err != nil {
		return err
	}

	count := len(pairs)
	status, stage := store.StatusReporting, store.StageReporting
	zero := 0.0
	if _, err := w.advance(job.ID, store.JobPatch{
		Status:         &status,
		Stage:          &stage,
		StageProgress:  &zero,
		DuplicatePairs: &count,
	}); err != nil {
		return fmt.Errorf("advancing to report stage: %w", err)
	}
	logger.Info("similarity search complete", "vectors", len(vectors), "pairs", count)
	return nil
}

// report runs stage 4: build, summarize and deliver the report, then
// complete the job.
func (w *Worker) report(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	st := w.deps.Store
	repo, err := st.GetRepo(job.RepoID)
	if err != nil {
		return fmt.Errorf("loading repo: %w", err)
	}
	pairs, err := st.ListDuplicatePairs(job.ID)
	if err != nil {
		return err
	}
	items, err := st.ListJobItems(job.ID, store.ItemFilter{})
	if err != nil {
		return err
	}
	titles := make(map[int]string, len(items))
	for _, it := range items {
		titles[it.IssueNumber] = it.Title
	}

	r := &report.Report{
		Repo:        repo.FullName(),
		JobID:       job.ID,
		TotalIssues: job.TotalIssues,
		Embedded:    job.EmbeddedIssues,
		Failed:      job.FailedItems,
		Pairs:       make([]report.Pair, len(pairs)),
		GeneratedAt: w.now().UTC(),
	}
	for i, p := range pairs {
		r.Pairs[i] = report.Pair{
			Source:         p.SourceNumber,
			SourceTitle:    titles[p.SourceNumber],
			Duplicate:      p.DuplicateNumber,
			DuplicateTitle: titles[p.DuplicateNumber],
			Confidence:     p.Confidence,
		}
	}
	r.Sort()

	if w.deps.Summarizer != nil {
		summary, err := w.deps.Summarizer.Summarize(ctx, r)
		if err != nil {
			logger.Warn("summary failed", "error", err)
		} else {
			r.Summary = summary
		}
	}

	if w.deps.Notifier != nil {
		if err := w.deps.Notifier.Notify(ctx, *r); err != nil {
			logger.Warn("notification failed", "error", err)
		}
	}

	encoded, err := r.Marshal()
	if err != nil {
		return err
	}
	now := w.now()
	status := store.StatusCompleted
	done := 100.0
	if _, err := w.advance(job.ID, store.JobPatch{
		Status:          &status,
		StageProgress:   &done,
		Report:          &encoded,
		CompletedAt:     &now,
		LastProcessedAt: &now,
	}); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	logger.Info("job completed", "pairs", len(r.Pairs))
	return nil
}

// advance applies a stage or status change unless the job ended or
// another invocation already made the same move.
func (w *Worker) advance(jobID string, patch store.JobPatch) (*store.Job, error) {
	job, err := w.deps.Store.AdvanceJob(jobID, patch)
	if errors.Is(err, store.ErrJobNotAdvanced) {
		w.logger.Info("job not advanced", "job", jobID, "status", job.Status, "stage", job.Stage)
		return job, nil
	}
	return job, err
}
