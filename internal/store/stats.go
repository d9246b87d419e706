package store

import (
	"errors"
	"fmt"
)

// RepoStats summarizes the latest analysis of one repository.
type RepoStats struct {
	Repo       Repo
	LatestJob  *Job
	ItemCounts map[EmbeddingStatus]int
}

// GetRepoStats returns the latest job and per-status item counts for a repo.
// LatestJob is nil if the repo was never analyzed.
func (d *DB) GetRepoStats(repoID int64) (*RepoStats, error) {
	repo, err := d.GetRepo(repoID)
	if err != nil {
		return nil, fmt.Errorf("getting repo: %w", err)
	}

	stats := &RepoStats{Repo: *repo, ItemCounts: make(map[EmbeddingStatus]int)}

	job, err := d.LatestJob(repoID)
	if errors.Is(err, ErrNotFound) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest job: %w", err)
	}
	stats.LatestJob = job

	rows, err := d.db.Query(`
		SELECT embedding_status, COUNT(*) FROM job_items
		WHERE job_id = ? GROUP BY embedding_status`,
		job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting items by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning item count: %w", err)
		}
		stats.ItemCounts[EmbeddingStatus(status)] = n
	}
	return stats, rows.Err()
}

// GetAllRepoStats returns statistics for all tracked repos.
func (d *DB) GetAllRepoStats() ([]RepoStats, error) {
	repos, err := d.ListRepos()
	if err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}

	var results []RepoStats
	for _, repo := range repos {
		stats, err := d.GetRepoStats(repo.ID)
		if err != nil {
			return nil, fmt.Errorf("getting stats for %s: %w", repo.FullName(), err)
		}
		results = append(results, *stats)
	}
	return results, nil
}
