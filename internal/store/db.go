package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jacklau/dupes/internal/pubsub"
)

const currentVersion = 1

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection for job storage.
type DB struct {
	db     *sql.DB
	broker *pubsub.Broker[JobChange]
	now    func() time.Time
}

// Open opens (or creates) a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	} else {
		dsn = ":memory:?_pragma=foreign_keys(ON)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool to 1 for SQLite
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &DB{
		db:     sqlDB,
		broker: pubsub.NewBroker[JobChange](),
		now:    time.Now,
	}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Conn returns the underlying *sql.DB for advanced use cases.
func (d *DB) Conn() *sql.DB {
	return d.db
}

// SetClock replaces the time source used for default timestamps.
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DB) migrate() error {
	var version int
	err := d.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := d.migrateV1(); err != nil {
			return err
		}
	}

	_, err = d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	if err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}

	return nil
}

func (d *DB) migrateV1() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS repos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(owner, repo)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			status TEXT NOT NULL,
			processing_stage TEXT NOT NULL,
			stage_number INTEGER NOT NULL,
			stage_progress REAL NOT NULL DEFAULT 0,
			total_issues_count INTEGER NOT NULL DEFAULT 0,
			processed_issues_count INTEGER NOT NULL DEFAULT 0,
			embedded_issues_count INTEGER NOT NULL DEFAULT 0,
			failed_items_count INTEGER NOT NULL DEFAULT 0,
			duplicate_pairs_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			report TEXT,
			created_at TEXT NOT NULL,
			last_processed_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_repo_created ON jobs(repo_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active ON jobs(repo_id)
			WHERE status IN ('fetching', 'processing', 'analyzing')`,
		`CREATE TABLE IF NOT EXISTS job_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			issue_number INTEGER NOT NULL,
			issue_title TEXT NOT NULL,
			issue_body TEXT,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			embedding BLOB,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			processed_at TEXT,
			last_retry_at TEXT,
			UNIQUE(job_id, issue_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_items_status ON job_items(job_id, embedding_status, retry_count)`,
		`CREATE TABLE IF NOT EXISTS duplicate_pairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			source_number INTEGER NOT NULL,
			duplicate_number INTEGER NOT NULL,
			confidence REAL NOT NULL,
			UNIQUE(job_id, source_number, duplicate_number)
		)`,
		`CREATE TABLE IF NOT EXISTS quota_usage (
			name TEXT NOT NULL,
			window_start TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(name, window_start)
		)`,
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}

	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ptr returns a pointer to v. It keeps JobPatch literals short.
func Ptr[T any](v T) *T {
	return &v
}
