package store

import "fmt"

// DuplicatePair records that DuplicateNumber is likely a duplicate of
// SourceNumber within one job.
type DuplicatePair struct {
	JobID           string
	SourceNumber    int
	DuplicateNumber int
	Confidence      float64
}

// ReplaceDuplicatePairs replaces all pairs of a job in one transaction, so
// re-running the analysis stage is idempotent.
func (d *DB) ReplaceDuplicatePairs(jobID string, pairs []DuplicatePair) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning pair replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM duplicate_pairs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clearing duplicate pairs: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO duplicate_pairs (job_id, source_number, duplicate_number, confidence)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing pair insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pairs {
		if _, err := stmt.Exec(jobID, p.SourceNumber, p.DuplicateNumber, p.Confidence); err != nil {
			return fmt.Errorf("inserting pair #%d/#%d: %w", p.SourceNumber, p.DuplicateNumber, err)
		}
	}

	return tx.Commit()
}

// ListDuplicatePairs returns the pairs of a job, most confident first.
func (d *DB) ListDuplicatePairs(jobID string) ([]DuplicatePair, error) {
	rows, err := d.db.Query(`
		SELECT job_id, source_number, duplicate_number, confidence
		FROM duplicate_pairs WHERE job_id = ?
		ORDER BY confidence DESC, source_number, duplicate_number`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing duplicate pairs: %w", err)
	}
	defer rows.Close()

	var pairs []DuplicatePair
	for rows.Next() {
		var p DuplicatePair
		if err := rows.Scan(&p.JobID, &p.SourceNumber, &p.DuplicateNumber, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scanning duplicate pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// CountDuplicatePairs counts the pairs of a job.
func (d *DB) CountDuplicatePairs(jobID string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM duplicate_pairs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting duplicate pairs: %w", err)
	}
	return n, nil
}
