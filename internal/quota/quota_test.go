package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBucketValidation(t *testing.T) {
	_, err := NewBucket(0, time.Second)
	assert.Error(t, err)

	_, err = NewBucket(10, 0)
	assert.Error(t, err)
}

func TestBucketInterval(t *testing.T) {
	b, err := NewBucket(5000, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Millisecond, b.Interval())
	assert.Equal(t, 5000, b.Capacity())
}

func TestBucketStartsFull(t *testing.T) {
	b, err := NewBucket(3, time.Minute)
	require.NoError(t, err)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "fourth token should not be available immediately")
}

// Calling faster than the refill rate delays the caller by roughly the
// deficit times the per-token interval instead of failing.
func TestBucketWaitSmoothsDeficit(t *testing.T) {
	b, err := NewBucket(2, 200*time.Millisecond) // one token every 100ms
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst within capacity should not wait")

	start = time.Now()
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "two-token deficit should wait about 200ms")
	assert.Less(t, elapsed, 1*time.Second)
}

func TestBucketWaitRespectsContext(t *testing.T) {
	b, err := NewBucket(1, time.Hour)
	require.NoError(t, err)
	require.True(t, b.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Wait(ctx)
	assert.Error(t, err)
}

func TestBudgetConsumeUntilExhausted(t *testing.T) {
	b, err := NewBudget("embedding_daily", 2, 24*time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())

	err = b.Consume()
	assert.ErrorIs(t, err, ErrExhausted)

	remaining, err := b.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestBudgetResetsNextWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	b, err := NewBudget("embedding_daily", 1, 24*time.Hour, nil)
	require.NoError(t, err)
	b.SetClock(func() time.Time { return now })

	require.NoError(t, b.Consume())
	assert.ErrorIs(t, b.Consume(), ErrExhausted)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, b.Consume(), "new UTC day should have a fresh budget")
}

func TestBudgetSharedStore(t *testing.T) {
	usage := NewMemoryUsage()
	a, err := NewBudget("daily", 3, 24*time.Hour, usage)
	require.NoError(t, err)
	b, err := NewBudget("daily", 3, 24*time.Hour, usage)
	require.NoError(t, err)

	require.NoError(t, a.Consume())
	require.NoError(t, b.Consume())

	remaining, err := a.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestNewBudgetValidation(t *testing.T) {
	_, err := NewBudget("x", 0, time.Hour, nil)
	assert.Error(t, err)
	_, err = NewBudget("x", 1, 0, nil)
	assert.Error(t, err)
}
