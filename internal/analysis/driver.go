package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jacklau/dupes/internal/github"
	"github.com/jacklau/dupes/internal/store"
)

// DriverDeps holds the dependencies for the Driver.
type DriverDeps struct {
	Store   store.JobStore
	Source  IssueSource
	Trigger Trigger
}

// Driver starts, resumes, observes and cancels analysis jobs. It runs the
// fetch stage itself and hands the job to the batch worker afterwards.
type Driver struct {
	deps   DriverDeps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	guard  *watchdog
	starts singleflight.Group
}

// NewDriver creates a Driver.
func NewDriver(deps DriverDeps, opts ...Option) *Driver {
	s := newSettings(opts)
	return &Driver{
		deps:   deps,
		cfg:    s.cfg,
		now:    s.now,
		logger: s.logger,
		guard:  &watchdog{store: deps.Store, cfg: s.cfg, now: s.now, logger: s.logger},
	}
}

// StartOrResume resumes the repository's active job if it is still fresh,
// or starts a new one. A job idle longer than StaleAfter is failed and
// replaced. Concurrent calls for one repository share a single result.
func (d *Driver) StartOrResume(ctx context.Context, owner, repo string) (*JobSnapshot, error) {
	key := owner + "/" + repo
	v, err, _ := d.starts.Do(key, func() (any, error) {
		return d.startOrResume(ctx, owner, repo)
	})
	if err != nil {
		return nil, err
	}
	snap := *v.(*JobSnapshot)
	return &snap, nil
}

func (d *Driver) startOrResume(ctx context.Context, owner, name string) (*JobSnapshot, error) {
	repo, err := d.deps.Store.EnsureRepo(owner, name)
	if err != nil {
		return nil, fmt.Errorf("ensuring repo: %w", err)
	}
	logger := d.logger.With("repo", repo.FullName())

	active, err := d.deps.Store.FindActiveJob(repo.ID)
	switch {
	case err == nil:
		if active, err = d.guard.wallClock(active); err != nil {
			return nil, err
		}
		switch {
		case active.Status.IsTerminal():
			logger.Info("active job hit the time limit, starting a new one", "job", active.ID, "status", active.Status)
		case d.now().Sub(active.LastProcessedAt) < d.cfg.StaleAfter:
			logger.Info("resuming job", "job", active.ID, "stage", active.Stage)
			return d.resume(ctx, repo, active)
		default:
			logger.Warn("active job is stale, replacing it", "job", active.ID, "last_processed_at", active.LastProcessedAt)
			if err := d.expire(active); err != nil {
				return nil, err
			}
		}
	case !isNotFound(err):
		return nil, fmt.Errorf("finding active job: %w", err)
	}

	now := d.now()
	job := &store.Job{
		ID:              uuid.NewString(),
		RepoID:          repo.ID,
		Status:          store.StatusFetching,
		Stage:           store.StageFetching,
		CreatedAt:       now,
		LastProcessedAt: now,
	}
	if err := d.deps.Store.CreateJob(job); err != nil {
		if !errors.Is(err, store.ErrDuplicateActiveJob) {
			return nil, fmt.Errorf("creating job: %w", err)
		}
		// Another process won the race; join its job.
		active, ferr := d.deps.Store.FindActiveJob(repo.ID)
		if ferr != nil {
			return nil, fmt.Errorf("finding concurrent job: %w", ferr)
		}
		return d.resume(ctx, repo, active)
	}

	logger.Info("job created", "job", job.ID)
	return d.fetch(ctx, repo, job, 1)
}

// resume continues a fresh active job where it stopped.
func (d *Driver) resume(ctx context.Context, repo *store.Repo, job *store.Job) (*JobSnapshot, error) {
	if job.Stage == store.StageFetching {
		page := job.ProcessedIssues/d.cfg.PageSize + 1
		return d.fetch(ctx, repo, job, page)
	}
	d.trigger(job.ID)
	snap := newSnapshot(job, repo.FullName())
	return &snap, nil
}

// expire fails a stale job and drops its items. A job that ended in the
// meantime keeps its items.
func (d *Driver) expire(job *store.Job) error {
	_, expired, err := d.guard.finish(job.ID, store.StatusFailed, MsgTimedOut)
	if err != nil || !expired {
		return err
	}
	if err := d.deps.Store.DeleteJobItems(job.ID); err != nil {
		return fmt.Errorf("deleting items of stale job %s: %w", job.ID, err)
	}
	return nil
}

// fetch runs stage 1 from startPage: it pages through open issues and
// stores one pending item per issue, then moves the job to stage 2.
func (d *Driver) fetch(ctx context.Context, repo *store.Repo, job *store.Job, startPage int) (*JobSnapshot, error) {
	owner, name := repo.Owner, repo.RepoName
	logger := d.logger.With("job", job.ID, "repo", repo.FullName())

	info, err := d.deps.Source.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, d.failFetch(job.ID, fmt.Errorf("checking repository access: %w", err))
	}
	if !info.CanPull {
		return nil, d.failFetch(job.ID, fmt.Errorf("repository %s is not readable with the configured credential", repo.FullName()))
	}

	total := info.OpenIssues
	if job.TotalIssues > total {
		total = job.TotalIssues
	}
	if job, err = d.deps.Store.RecordProgress(job.ID, store.StageFetching, store.JobPatch{TotalIssues: &total}); err != nil {
		if errors.Is(err, store.ErrJobNotAdvanced) {
			snap := newSnapshot(job, repo.FullName())
			return &snap, nil
		}
		return nil, fmt.Errorf("recording issue estimate: %w", err)
	}

	for page := startPage; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := d.deps.Store.GetJob(job.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading job: %w", err)
		}
		if current, err = d.guard.wallClock(current); err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			logger.Info("job ended during fetch", "status", current.Status)
			snap := newSnapshot(current, repo.FullName())
			return &snap, nil
		}

		issues, err := d.deps.Source.ListOpenIssues(ctx, owner, name, page, d.cfg.PageSize)
		if err != nil {
			return nil, d.failFetch(job.ID, err)
		}
		if len(issues) == 0 {
			break
		}

		if err := d.deps.Store.UpsertJobItems(jobItems(job.ID, issues)); err != nil {
			return nil, fmt.Errorf("storing issues of page %d: %w", page, err)
		}

		processed := (page-1)*d.cfg.PageSize + len(issues)
		if processed > total {
			total = processed
		}
		pct := progress(processed, total)
		job, err = d.deps.Store.RecordProgress(job.ID, store.StageFetching, store.JobPatch{
			ProcessedIssues: &processed,
			TotalIssues:     &total,
			StageProgress:   &pct,
		})
		if errors.Is(err, store.ErrJobNotAdvanced) {
			logger.Info("job left the fetch stage", "status", job.Status, "stage", job.Stage)
			snap := newSnapshot(job, repo.FullName())
			return &snap, nil
		}
		if err != nil {
			return nil, fmt.Errorf("recording fetch progress: %w", err)
		}
		logger.Debug("fetched page", "page", page, "issues", len(issues), "processed", processed)
	}

	job, err = finishFetch(d.deps.Store, job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		logger.Info("job ended before the embedding stage", "status", job.Status)
		snap := newSnapshot(job, repo.FullName())
		return &snap, nil
	}
	logger.Info("fetch complete", "items", job.TotalIssues)
	d.trigger(job.ID)

	snap := newSnapshot(job, repo.FullName())
	return &snap, nil
}

func (d *Driver) failFetch(jobID string, err error) error {
	d.logger.Error("fetch failed", "job", jobID, "error", err)
	if _, _, ferr := d.guard.finish(jobID, store.StatusFailed, jobErrorMessage(err)); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

func (d *Driver) trigger(jobID string) {
	if d.deps.Trigger != nil {
		d.deps.Trigger.Enqueue(jobID)
	}
}

// Status returns the latest job of the repository after enforcing the
// watchdogs, or nil if the repository was never analyzed.
func (d *Driver) Status(ctx context.Context, owner, name string) (*JobSnapshot, error) {
	repo, job, err := d.latest(owner, name)
	if err != nil || job == nil {
		return nil, err
	}
	if job, err = d.guard.apply(job); err != nil {
		return nil, err
	}
	snap := newSnapshot(job, repo.FullName())
	return &snap, nil
}

// Cancel stops the repository's running job. A later StartOrResume
// creates a fresh job.
func (d *Driver) Cancel(ctx context.Context, owner, name string) (*JobSnapshot, error) {
	repo, job, err := d.latest(owner, name)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil, ErrNoActiveJob
	}
	job, cancelled, err := d.guard.finish(job.ID, store.StatusCancelled, MsgCancelled)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, ErrNoActiveJob
	}
	d.logger.Info("job cancelled", "job", job.ID, "repo", repo.FullName())
	snap := newSnapshot(job, repo.FullName())
	return &snap, nil
}

// Watch calls fn with snapshots of the repository's latest job until the
// job is terminal or ctx is done. Snapshots arrive in non-decreasing
// (stage, progress, last processed) order. Changes are pushed by the store;
// the job is re-read only when nothing arrives for PollInterval.
func (d *Driver) Watch(ctx context.Context, owner, name string, fn func(JobSnapshot)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repo, err := d.deps.Store.GetRepoByOwnerRepo(owner, name)
	if err != nil {
		if isNotFound(err) {
			return ErrNoActiveJob
		}
		return fmt.Errorf("looking up repo: %w", err)
	}
	events := d.deps.Store.Subscribe(ctx, repo.ID)

	job, err := d.deps.Store.LatestJob(repo.ID)
	if err != nil {
		if isNotFound(err) {
			return ErrNoActiveJob
		}
		return fmt.Errorf("loading latest job: %w", err)
	}

	var last *JobSnapshot
	deliver := func(j *store.Job) (bool, error) {
		j, err := d.guard.apply(j)
		if err != nil {
			return false, err
		}
		snap := newSnapshot(j, repo.FullName())
		if last == nil || !snap.precedes(*last) || snap.Terminal() {
			last = &snap
			fn(snap)
		}
		return snap.Terminal(), nil
	}

	if done, err := deliver(job); err != nil || done {
		return err
	}

	poll := time.NewTimer(d.cfg.PollInterval)
	defer poll.Stop()

	for {
		var next *store.Job
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Payload.Job.ID != job.ID {
				continue
			}
			j := ev.Payload.Job
			next = &j
			poll.Reset(d.cfg.PollInterval)
		case <-poll.C:
			j, err := d.deps.Store.GetJob(job.ID)
			if err != nil {
				return fmt.Errorf("polling job: %w", err)
			}
			next = j
			poll.Reset(d.cfg.PollInterval)
		}

		if done, err := deliver(next); err != nil || done {
			return err
		}
	}
}

func (d *Driver) latest(owner, name string) (*store.Repo, *store.Job, error) {
	repo, err := d.deps.Store.GetRepoByOwnerRepo(owner, name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("looking up repo: %w", err)
	}
	job, err := d.deps.Store.LatestJob(repo.ID)
	if err != nil {
		if isNotFound(err) {
			return repo, nil, nil
		}
		return nil, nil, fmt.Errorf("loading latest job: %w", err)
	}
	return repo, job, nil
}

func jobItems(jobID string, issues []github.Issue) []store.JobItem {
	items := make([]store.JobItem, 0, len(issues))
	for _, is := range issues {
		if is.IsPullRequest {
			continue
		}
		items = append(items, store.JobItem{
			JobID:       jobID,
			IssueNumber: is.Number,
			Title:       is.Title,
			Body:        is.Body,
			Status:      store.ItemPending,
		})
	}
	return items
}

// finishFetch moves a job from stage 1 to stage 2. The issue total becomes
// the number of stored items. A job that ended or already moved past stage
// 1 is returned unchanged.
func finishFetch(st store.JobStore, jobID string) (*store.Job, error) {
	total, err := st.CountJobItems(jobID, store.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}
	status, stage := store.StatusProcessing, store.StageEmbedding
	zero, none := 0.0, 0
	job, err := st.AdvanceJob(jobID, store.JobPatch{
		Status:         &status,
		Stage:          &stage,
		StageProgress:  &zero,
		TotalIssues:    &total,
		EmbeddedIssues: &none,
	})
	if errors.Is(err, store.ErrJobNotAdvanced) {
		return job, nil
	}
	if err != nil {
		return nil, fmt.Errorf("advancing to embedding stage: %w", err)
	}
	return job, nil
}
