package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned when a budget has no requests left in the
// current window.
var ErrExhausted = errors.New("quota exhausted")

// UsageStore persists per-window usage counters.
type UsageStore interface {
	// TryConsumeQuota atomically increments the counter for (name, window)
	// unless it already reached limit. It reports whether a unit was taken.
	TryConsumeQuota(name string, window time.Time, limit int) (bool, error)

	// QuotaUsage returns the counter for (name, window).
	QuotaUsage(name string, window time.Time) (int, error)
}

// Budget allows limit requests per fixed period, aligned to UTC.
type Budget struct {
	name   string
	limit  int
	period time.Duration
	store  UsageStore
	now    func() time.Time
}

// NewBudget creates a Budget. If store is nil usage is kept in memory only.
func NewBudget(name string, limit int, period time.Duration, store UsageStore) (*Budget, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("budget %s: limit must be positive, got %d", name, limit)
	}
	if period <= 0 {
		return nil, fmt.Errorf("budget %s: period must be positive, got %s", name, period)
	}
	if store == nil {
		store = NewMemoryUsage()
	}
	return &Budget{
		name:   name,
		limit:  limit,
		period: period,
		store:  store,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (b *Budget) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Budget) window() time.Time {
	return b.now().UTC().Truncate(b.period)
}

// Consume takes one request from the current window or returns ErrExhausted.
func (b *Budget) Consume() error {
	ok, err := b.store.TryConsumeQuota(b.name, b.window(), b.limit)
	if err != nil {
		return fmt.Errorf("consuming %s quota: %w", b.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s limit of %d reached", ErrExhausted, b.name, b.limit)
	}
	return nil
}

// Remaining returns how many requests are left in the current window.
func (b *Budget) Remaining() (int, error) {
	used, err := b.store.QuotaUsage(b.name, b.window())
	if err != nil {
		return 0, fmt.Errorf("reading %s quota: %w", b.name, err)
	}
	if used >= b.limit {
		return 0, nil
	}
	return b.limit - used, nil
}

// Limit returns the per-window request limit.
func (b *Budget) Limit() int {
	return b.limit
}

// MemoryUsage is an in-process UsageStore.
type MemoryUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryUsage creates an empty MemoryUsage.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{counts: make(map[string]int)}
}

func memoryKey(name string, window time.Time) string {
	return name + "@" + window.UTC().Format(time.RFC3339)
}

// TryConsumeQuota implements UsageStore.
func (m *MemoryUsage) TryConsumeQuota(name string, window time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(name, window)
	if m.counts[key] >= limit {
		return false, nil
	}
	m.counts[key]++
	return true, nil
}

// QuotaUsage implements UsageStore.
func (m *MemoryUsage) QuotaUsage(name string, window time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[memoryKey(name, window)], nil
}
