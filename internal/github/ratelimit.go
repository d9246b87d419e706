package github

import (
	"net/http"
	"strconv"
	"time"
)

const (
	// throttleThreshold is the remaining request count below which we log a warning.
	throttleThreshold = 100

	// defaultRetryAfter is used when a secondary rate limit gives no hint.
	defaultRetryAfter = 60 * time.Second
)

// RateLimitInfo holds parsed rate limit information from GitHub API response headers.
type RateLimitInfo struct {
	Remaining int
	Reset     time.Time
}

// ParseRateLimit extracts rate limit information from a GitHub API HTTP response.
// Returns nil if the relevant headers are not present.
func ParseRateLimit(resp *http.Response) *RateLimitInfo {
	if resp == nil {
		return nil
	}

	remainingStr := resp.Header.Get("X-RateLimit-Remaining")
	resetStr := resp.Header.Get("X-RateLimit-Reset")

	if remainingStr == "" && resetStr == "" {
		return nil
	}

	info := &RateLimitInfo{}

	if remainingStr != "" {
		remaining, err := strconv.Atoi(remainingStr)
		if err == nil {
			info.Remaining = remaining
		}
	}

	if resetStr != "" {
		resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
		if err == nil {
			info.Reset = time.Unix(resetUnix, 0)
		}
	}

	return info
}

// ShouldThrottle returns true when the remaining rate limit is below the
// safety threshold.
func (r *RateLimitInfo) ShouldThrottle() bool {
	if r == nil {
		return false
	}
	return r.Remaining < throttleThreshold
}

// WaitDuration returns how long after now the rate limit resets.
// Returns zero if the reset time is in the past or unknown.
func (r *RateLimitInfo) WaitDuration(now time.Time) time.Duration {
	if r == nil || r.Reset.IsZero() {
		return 0
	}
	d := r.Reset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RetryAfter parses the Retry-After header in seconds.
func RetryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// IsServerError returns true if the response has a 5xx status code.
func IsServerError(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 500 && resp.StatusCode < 600
}
