package store

import (
	"context"
	"time"

	"github.com/jacklau/dupes/internal/pubsub"
)

// JobStore defines the storage operations used by the analysis driver and
// batch worker. It is satisfied by *DB and can be replaced with a mock for
// testing.
type JobStore interface {
	EnsureRepo(owner, repo string) (*Repo, error)
	GetRepo(id int64) (*Repo, error)
	GetRepoByOwnerRepo(owner, repo string) (*Repo, error)

	CreateJob(job *Job) error
	GetJob(id string) (*Job, error)
	UpdateJob(id string, patch JobPatch) (*Job, error)
	AdvanceJob(id string, patch JobPatch) (*Job, error)
	RecordProgress(id string, stage Stage, patch JobPatch) (*Job, error)
	FindActiveJob(repoID int64) (*Job, error)
	LatestJob(repoID int64) (*Job, error)
	ListJobsByStatus(statuses ...JobStatus) ([]Job, error)

	UpsertJobItems(items []JobItem) error
	ListJobItems(jobID string, filter ItemFilter) ([]JobItem, error)
	CountJobItems(jobID string, filter ItemFilter) (int, error)
	UpdateJobItems(updates []ItemUpdate) error
	ClaimItems(jobID string, limit, maxRetries int, now time.Time) ([]JobItem, error)
	ResetStaleItems(jobID string, before time.Time) (int64, error)
	DeleteJobItems(jobID string) error

	ReplaceDuplicatePairs(jobID string, pairs []DuplicatePair) error
	ListDuplicatePairs(jobID string) ([]DuplicatePair, error)

	// Subscribe streams job change events for one repository.
	Subscribe(ctx context.Context, repoID int64) <-chan pubsub.Event[JobChange]
}

// Compile-time check that *DB satisfies the JobStore interface.
var _ JobStore = (*DB)(nil)
