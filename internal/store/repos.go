package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repo represents a tracked GitHub repository.
type Repo struct {
	ID        int64
	Owner     string
	RepoName  string
	CreatedAt time.Time
}

// FullName returns "owner/repo".
func (r Repo) FullName() string {
	return r.Owner + "/" + r.RepoName
}

// CreateRepo inserts a new repo record.
func (d *DB) CreateRepo(owner, repo string) (*Repo, error) {
	result, err := d.db.Exec(
		`INSERT INTO repos (owner, repo, created_at) VALUES (?, ?, ?)`,
		owner, repo, formatTime(d.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repo: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting repo id: %w", err)
	}

	return d.GetRepo(id)
}

// EnsureRepo returns the repo record for owner/repo, creating it if needed.
func (d *DB) EnsureRepo(owner, repo string) (*Repo, error) {
	r, err := d.GetRepoByOwnerRepo(owner, repo)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r, err = d.CreateRepo(owner, repo)
	if err != nil && isUniqueViolation(err) {
		return d.GetRepoByOwnerRepo(owner, repo)
	}
	return r, err
}

// GetRepo retrieves a repo by its ID.
func (d *DB) GetRepo(id int64) (*Repo, error) {
	row := d.db.QueryRow(
		`SELECT id, owner, repo, created_at FROM repos WHERE id = ?`,
		id,
	)
	return scanRepo(row)
}

// GetRepoByOwnerRepo retrieves a repo by owner and name.
func (d *DB) GetRepoByOwnerRepo(owner, repo string) (*Repo, error) {
	row := d.db.QueryRow(
		`SELECT id, owner, repo, created_at FROM repos WHERE owner = ? AND repo = ?`,
		owner, repo,
	)
	return scanRepo(row)
}

// ListRepos returns all tracked repos.
func (d *DB) ListRepos() ([]Repo, error) {
	rows, err := d.db.Query(
		`SELECT id, owner, repo, created_at FROM repos ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepo(row rowScanner) (*Repo, error) {
	var r Repo
	var createdAt string
	err := row.Scan(&r.ID, &r.Owner, &r.RepoName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("repo: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning repo: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}
