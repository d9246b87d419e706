package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EmbeddingStatus is the processing state of a job item.
type EmbeddingStatus string

const (
	ItemPending    EmbeddingStatus = "pending"
	ItemProcessing EmbeddingStatus = "processing"
	ItemCompleted  EmbeddingStatus = "completed"
	ItemError      EmbeddingStatus = "error"
)

// JobItem is one issue's unit of work within a job.
type JobItem struct {
	ID           int64
	JobID        string
	IssueNumber  int
	Title        string
	Body         string
	Status       EmbeddingStatus
	Embedding    []byte
	ErrorMessage string
	RetryCount   int
	ProcessedAt  *time.Time
	LastRetryAt  *time.Time
}

// ItemFilter narrows item queries. Zero fields do not filter.
type ItemFilter struct {
	Statuses        []EmbeddingStatus
	RetryBelow      *int
	RetryAtLeast    *int
	ProcessedBefore *time.Time
	Limit           int
}

// ItemUpdate is the resolved state written back for one item.
type ItemUpdate struct {
	ID           int64
	Status       EmbeddingStatus
	Embedding    []byte
	ErrorMessage string
	RetryCount   int
	ProcessedAt  *time.Time
	LastRetryAt  *time.Time
}

const itemColumns = `id, job_id, issue_number, issue_title, issue_body, embedding_status,
	embedding, error_message, retry_count, processed_at, last_retry_at`

// UpsertJobItems inserts items for a job. Existing rows keyed by
// (job_id, issue_number) get their title and body refreshed; their
// processing state is kept.
func (d *DB) UpsertJobItems(items []JobItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning item upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO job_items (job_id, issue_number, issue_title, issue_body, embedding_status, retry_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(job_id, issue_number) DO UPDATE SET
			issue_title = excluded.issue_title,
			issue_body = excluded.issue_body`)
	if err != nil {
		return fmt.Errorf("preparing item upsert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		status := it.Status
		if status == "" {
			status = ItemPending
		}
		if _, err := stmt.Exec(it.JobID, it.IssueNumber, it.Title, it.Body, string(status)); err != nil {
			return fmt.Errorf("upserting item #%d: %w", it.IssueNumber, err)
		}
	}

	return tx.Commit()
}

// ListJobItems returns the items of a job matching filter, ordered by issue number.
func (d *DB) ListJobItems(jobID string, filter ItemFilter) ([]JobItem, error) {
	where, args := filter.where(jobID)
	q := `SELECT ` + itemColumns + ` FROM job_items WHERE ` + where + ` ORDER BY issue_number`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing job items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountJobItems counts the items of a job matching filter.
func (d *DB) CountJobItems(jobID string, filter ItemFilter) (int, error) {
	where, args := filter.where(jobID)
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM job_items WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting job items: %w", err)
	}
	return n, nil
}

// UpdateJobItems writes the resolved state of each item in one transaction.
func (d *DB) UpdateJobItems(updates []ItemUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning item update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE job_items SET
			embedding_status = ?, embedding = ?, error_message = ?,
			retry_count = ?, processed_at = ?, last_retry_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing item update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		var embedding any
		if len(u.Embedding) > 0 {
			embedding = u.Embedding
		}
		_, err := stmt.Exec(string(u.Status), embedding, nullString(u.ErrorMessage),
			u.RetryCount, timeArg(u.ProcessedAt), timeArg(u.LastRetryAt), u.ID)
		if err != nil {
			return fmt.Errorf("updating item %d: %w", u.ID, err)
		}
	}

	return tx.Commit()
}

// ClaimItems selects up to limit items that are pending or in error with
// retry_count below maxRetries and marks them processing with
// processed_at = now. Retryable error items come first, then pending ones,
// each ordered by issue number. Selection and claim share one transaction,
// so concurrent callers never claim the same row twice.
func (d *DB) ClaimItems(jobID string, limit, maxRetries int, now time.Time) ([]JobItem, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+itemColumns+` FROM job_items
		WHERE job_id = ?
		  AND (embedding_status = 'pending' OR (embedding_status = 'error' AND retry_count < ?))
		ORDER BY CASE embedding_status WHEN 'error' THEN 0 ELSE 1 END, issue_number
		LIMIT ?`,
		jobID, maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting items to claim: %w", err)
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	claimedAt := formatTime(now)
	for i := range items {
		_, err := tx.Exec(`
			UPDATE job_items SET embedding_status = 'processing', processed_at = ?
			WHERE id = ?`,
			claimedAt, items[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claiming item %d: %w", items[i].ID, err)
		}
		items[i].Status = ItemProcessing
		t := now
		items[i].ProcessedAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

// ResetStaleItems returns items stuck in processing with processed_at
// before the given time to pending. It reports how many were reset.
func (d *DB) ResetStaleItems(jobID string, before time.Time) (int64, error) {
	res, err := d.db.Exec(`
		UPDATE job_items SET embedding_status = 'pending'
		WHERE job_id = ? AND embedding_status = 'processing'
		  AND (processed_at IS NULL OR processed_at < ?)`,
		jobID, formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stale items: %w", err)
	}
	return res.RowsAffected()
}

// DeleteJobItems removes every item of a job.
func (d *DB) DeleteJobItems(jobID string) error {
	if _, err := d.db.Exec(`DELETE FROM job_items WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("deleting job items: %w", err)
	}
	return nil
}

func (f ItemFilter) where(jobID string) (string, []any) {
	clauses := []string{"job_id = ?"}
	args := []any{jobID}

	if len(f.Statuses) > 0 {
		clauses = append(clauses, "embedding_status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.RetryBelow != nil {
		clauses = append(clauses, "retry_count < ?")
		args = append(args, *f.RetryBelow)
	}
	if f.RetryAtLeast != nil {
		clauses = append(clauses, "retry_count >= ?")
		args = append(args, *f.RetryAtLeast)
	}
	if f.ProcessedBefore != nil {
		clauses = append(clauses, "processed_at < ?")
		args = append(args, formatTime(*f.ProcessedBefore))
	}
	return strings.Join(clauses, " AND "), args
}

func scanItems(rows *sql.Rows) ([]JobItem, error) {
	var items []JobItem
	for rows.Next() {
		var it JobItem
		var status string
		var body, errMsg, processedAt, lastRetry sql.NullString
		var embedding []byte

		err := rows.Scan(&it.ID, &it.JobID, &it.IssueNumber, &it.Title, &body, &status,
			&embedding, &errMsg, &it.RetryCount, &processedAt, &lastRetry)
		if err != nil {
			return nil, fmt.Errorf("scanning job item: %w", err)
		}

		it.Body = body.String
		it.Status = EmbeddingStatus(status)
		it.Embedding = embedding
		it.ErrorMessage = errMsg.String
		it.ProcessedAt = nullTime(processedAt)
		it.LastRetryAt = nullTime(lastRetry)
		items = append(items, it)
	}
	return items, rows.Err()
}
