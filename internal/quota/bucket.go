// Package quota implements the request budgets shared by the API clients:
// a smoothly refilling token bucket and a fixed-window budget whose usage
// can be persisted across restarts.
package quota

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket holding up to capacity tokens that refills
// completely over window. A caller that finds the bucket empty waits
// deficit * (window / capacity) instead of failing.
type Bucket struct {
	capacity int
	window   time.Duration
	limiter  *rate.Limiter
}

// NewBucket creates a full bucket. capacity and window must be positive.
func NewBucket(capacity int, window time.Duration) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("bucket window must be positive, got %s", window)
	}
	perSecond := float64(capacity) / window.Seconds()
	return &Bucket{
		capacity: capacity,
		window:   window,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), capacity),
	}, nil
}

// Wait blocks until one token is available and takes it.
func (b *Bucket) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit token: %w", err)
	}
	return nil
}

// Allow takes a token if one is available right now.
func (b *Bucket) Allow() bool {
	return b.limiter.Allow()
}

// Available returns the current (possibly fractional) token count.
func (b *Bucket) Available() float64 {
	return b.limiter.Tokens()
}

// Interval is the time it takes to refill a single token.
func (b *Bucket) Interval() time.Duration {
	return b.window / time.Duration(b.capacity)
}

// Capacity returns the bucket size.
func (b *Bucket) Capacity() int {
	return b.capacity
}
