package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jacklau/dupes/internal/pubsub"
)

// ErrDuplicateActiveJob is returned when a repository already has a job in
// fetching, processing or analyzing status.
var ErrDuplicateActiveJob = errors.New("an active job already exists for this repository")

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusFetching   JobStatus = "fetching"
	StatusProcessing JobStatus = "processing"
	StatusAnalyzing  JobStatus = "analyzing"
	StatusReporting  JobStatus = "reporting"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the statuses of a job that holds its repository.
var ActiveStatuses = []JobStatus{StatusFetching, StatusProcessing, StatusAnalyzing}

// IsTerminal reports whether no further work happens in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is one of ActiveStatuses.
func (s JobStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Stage is the processing stage of a job.
type Stage string

const (
	StageFetching  Stage = "fetching"
	StageEmbedding Stage = "embedding"
	StageAnalyzing Stage = "analyzing"
	StageReporting Stage = "reporting"
)

// Number returns the 1-based position of the stage.
func (s Stage) Number() int {
	switch s {
	case StageFetching:
		return 1
	case StageEmbedding:
		return 2
	case StageAnalyzing:
		return 3
	case StageReporting:
		return 4
	default:
		return 0
	}
}

// StageForNumber is the inverse of Stage.Number.
func StageForNumber(n int) Stage {
	switch n {
	case 1:
		return StageFetching
	case 2:
		return StageEmbedding
	case 3:
		return StageAnalyzing
	case 4:
		return StageReporting
	default:
		return ""
	}
}

// Job is one analysis run for one repository.
type Job struct {
	ID              string
	RepoID          int64
	Status          JobStatus
	Stage           Stage
	StageNumber     int
	StageProgress   float64
	TotalIssues     int
	ProcessedIssues int
	EmbeddedIssues  int
	FailedItems     int
	DuplicatePairs  int
	Error           string
	Report          string
	CreatedAt       time.Time
	LastProcessedAt time.Time
	CompletedAt     *time.Time
}

// JobPatch lists the job columns to change. Nil fields are left untouched.
// LastProcessedAt defaults to the current time when nil.
type JobPatch struct {
	Status          *JobStatus
	Stage           *Stage
	StageProgress   *float64
	TotalIssues     *int
	ProcessedIssues *int
	EmbeddedIssues  *int
	FailedItems     *int
	DuplicatePairs  *int
	Error           *string
	Report          *string
	LastProcessedAt *time.Time
	CompletedAt     *time.Time
}

// JobChange is published on every job insert or update.
type JobChange struct {
	Job Job
}

const jobColumns = `id, repo_id, status, processing_stage, stage_number, stage_progress,
	total_issues_count, processed_issues_count, embedded_issues_count, failed_items_count,
	duplicate_pairs_count, error, report, created_at, last_processed_at, completed_at`

// CreateJob inserts a new job. Zero CreatedAt and LastProcessedAt are set to
// the current time. Returns ErrDuplicateActiveJob if the repository already
// has an active job.
func (d *DB) CreateJob(job *Job) error {
	now := d.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.LastProcessedAt.IsZero() {
		job.LastProcessedAt = job.CreatedAt
	}
	if job.Stage == "" {
		job.Stage = StageFetching
	}
	job.StageNumber = job.Stage.Number()

	_, err := d.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RepoID, string(job.Status), string(job.Stage), job.StageNumber, job.StageProgress,
		job.TotalIssues, job.ProcessedIssues, job.EmbeddedIssues, job.FailedItems,
		job.DuplicatePairs, nullString(job.Error), nullString(job.Report),
		formatTime(job.CreatedAt), formatTime(job.LastProcessedAt), timeArg(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("creating job: %w", err)
	}

	d.broker.Publish(pubsub.Created, JobChange{Job: *job})
	return nil
}

// GetJob retrieves a job by ID.
func (d *DB) GetJob(id string) (*Job, error) {
	row := d.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindActiveJob returns the job for repoID whose status is fetching,
// processing or analyzing. Returns ErrNotFound if there is none.
func (d *DB) FindActiveJob(repoID int64) (*Job, error) {
	row := d.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE repo_id = ? AND status IN ('fetching', 'processing', 'analyzing')
		ORDER BY created_at DESC LIMIT 1`,
		repoID,
	)
	return scanJob(row)
}

// LatestJob returns the most recently created job for repoID.
func (d *DB) LatestJob(repoID int64) (*Job, error) {
	row := d.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE repo_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		repoID,
	)
	return scanJob(row)
}

// LatestJobWithStatus returns the most recent job for repoID in status.
func (d *DB) LatestJobWithStatus(repoID int64, status JobStatus) (*Job, error) {
	row := d.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE repo_id = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		repoID, string(status),
	)
	return scanJob(row)
}

// ListJobsByStatus returns all jobs whose status is one of statuses,
// oldest first.
func (d *DB) ListJobsByStatus(statuses ...JobStatus) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := d.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ErrJobNotAdvanced is returned by AdvanceJob when the job already ended
// or already reached the requested stage.
var ErrJobNotAdvanced = errors.New("job already ended or passed this stage")

// UpdateJob applies patch to the job and returns the updated row. Changing
// the stage also updates stage_number.
func (d *DB) UpdateJob(id string, patch JobPatch) (*Job, error) {
	sets, args := d.assignments(patch)
	args = append(args, id)
	res, err := d.db.Exec(`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateActiveJob
		}
		return nil, fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return d.publishUpdate(id)
}

// AdvanceJob applies patch only while the job is not terminal and, when
// patch moves the stage, only if the stored stage is earlier than the new
// one. The check and the write are one statement, so a concurrent cancel
// or a second process advancing the same job cannot be overwritten. When
// the guard rejects the patch, the current job is returned together with
// ErrJobNotAdvanced.
func (d *DB) AdvanceJob(id string, patch JobPatch) (*Job, error) {
	if patch.Stage == nil {
		return d.guardedUpdate(id, patch, "")
	}
	return d.guardedUpdate(id, patch, "stage_number < ?", patch.Stage.Number())
}

// RecordProgress applies patch only while the job is live and still in
// stage. Progress measured in one stage is never written onto the next.
// It returns the current job and ErrJobNotAdvanced otherwise.
func (d *DB) RecordProgress(id string, stage Stage, patch JobPatch) (*Job, error) {
	patch.Stage = nil
	return d.guardedUpdate(id, patch, "processing_stage = ?", string(stage))
}

func (d *DB) guardedUpdate(id string, patch JobPatch, cond string, condArgs ...any) (*Job, error) {
	sets, args := d.assignments(patch)
	where := `id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	args = append(args, id)
	if cond != "" {
		where += " AND " + cond
		args = append(args, condArgs...)
	}

	res, err := d.db.Exec(`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateActiveJob
		}
		return nil, fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := d.GetJob(id)
		if err != nil {
			return nil, err
		}
		return current, ErrJobNotAdvanced
	}
	return d.publishUpdate(id)
}

func (d *DB) assignments(patch JobPatch) ([]string, []any) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Stage != nil {
		set("processing_stage", string(*patch.Stage))
		set("stage_number", patch.Stage.Number())
	}
	if patch.StageProgress != nil {
		set("stage_progress", *patch.StageProgress)
	}
	if patch.TotalIssues != nil {
		set("total_issues_count", *patch.TotalIssues)
	}
	if patch.ProcessedIssues != nil {
		set("processed_issues_count", *patch.ProcessedIssues)
	}
	if patch.EmbeddedIssues != nil {
		set("embedded_issues_count", *patch.EmbeddedIssues)
	}
	if patch.FailedItems != nil {
		set("failed_items_count", *patch.FailedItems)
	}
	if patch.DuplicatePairs != nil {
		set("duplicate_pairs_count", *patch.DuplicatePairs)
	}
	if patch.Error != nil {
		set("error", nullString(*patch.Error))
	}
	if patch.Report != nil {
		set("report", nullString(*patch.Report))
	}
	if patch.CompletedAt != nil {
		set("completed_at", formatTime(*patch.CompletedAt))
	}
	lastProcessed := d.now()
	if patch.LastProcessedAt != nil {
		lastProcessed = *patch.LastProcessedAt
	}
	set("last_processed_at", formatTime(lastProcessed))
	return sets, args
}

func (d *DB) publishUpdate(id string) (*Job, error) {
	job, err := d.GetJob(id)
	if err != nil {
		return nil, err
	}
	d.broker.Publish(pubsub.Updated, JobChange{Job: *job})
	return job, nil
}

// Subscribe streams change events for jobs of one repository until ctx is
// cancelled. Events are dropped for subscribers that fall behind.
func (d *DB) Subscribe(ctx context.Context, repoID int64) <-chan pubsub.Event[JobChange] {
	return d.broker.Subscribe(ctx, func(c JobChange) bool {
		return c.Job.RepoID == repoID
	})
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status, stage, createdAt, lastProcessed string
	var errMsg, report, completedAt sql.NullString

	err := row.Scan(&j.ID, &j.RepoID, &status, &stage, &j.StageNumber, &j.StageProgress,
		&j.TotalIssues, &j.ProcessedIssues, &j.EmbeddedIssues, &j.FailedItems,
		&j.DuplicatePairs, &errMsg, &report, &createdAt, &lastProcessed, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.Status = JobStatus(status)
	j.Stage = Stage(stage)
	j.Error = errMsg.String
	j.Report = report.String
	j.CreatedAt = parseTime(createdAt)
	j.LastProcessedAt = parseTime(lastProcessed)
	j.CompletedAt = nullTime(completedAt)
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
