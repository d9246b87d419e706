package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryConsumeQuota increments the usage counter for (name, window) unless it
// already reached limit. It reports whether a unit was consumed.
func (d *DB) TryConsumeQuota(name string, window time.Time, limit int) (bool, error) {
	res, err := d.db.Exec(`
		INSERT INTO quota_usage (name, window_start, used) VALUES (?, ?, 1)
		ON CONFLICT(name, window_start) DO UPDATE SET used = used + 1
		WHERE used < ?`,
		name, formatTime(window), limit,
	)
	if err != nil {
		return false, fmt.Errorf("consuming quota %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming quota %s: %w", name, err)
	}
	return n > 0, nil
}

// QuotaUsage returns the usage counter for (name, window).
func (d *DB) QuotaUsage(name string, window time.Time) (int, error) {
	var used int
	err := d.db.QueryRow(
		`SELECT used FROM quota_usage WHERE name = ? AND window_start = ?`,
		name, formatTime(window),
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota %s: %w", name, err)
	}
	return used, nil
}
