package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMaxAttempts is the default number of attempts before giving up.
	DefaultMaxAttempts = 3

	// baseDelay is the initial backoff delay.
	baseDelay = 1 * time.Second

	// maxDelay caps the jittered backoff delay used by Do.
	maxDelay = 10 * time.Second

	// jitterFraction is the maximum fraction of the delay added as jitter.
	jitterFraction = 0.25
)

// Kind classifies the outcome of a single attempt.
type Kind int

const (
	KindSuccess Kind = iota // attempt produced a value
	KindRetry               // transient failure, try again after backoff
	KindFatal               // permanent failure, stop immediately
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one attempt. Build it with Success, Retry or Fatal.
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Success wraps a value produced by a successful attempt.
func Success[T any](v T) Result[T] {
	return Result[T]{Kind: KindSuccess, Value: v}
}

// Retry reports a transient failure. err is returned if attempts run out.
func Retry[T any](err error) Result[T] {
	return Result[T]{Kind: KindRetry, Err: err}
}

// Fatal reports a failure that must not be retried.
func Fatal[T any](err error) Result[T] {
	return Result[T]{Kind: KindFatal, Err: err}
}

// ErrExhausted is wrapped into the error returned by Run when every attempt
// asked for a retry without supplying its own error.
var ErrExhausted = errors.New("retries exhausted")

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy controls Run. The zero value means 3 attempts, 1s base, real sleep.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Sleep       SleepFunc
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = baseDelay
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

// Run invokes op until it succeeds, fails fatally, or MaxAttempts attempts
// have asked for a retry. Between attempts it sleeps Base * 2^attempt
// (1s, 2s, 4s with the default base). The last error is returned when
// attempts are exhausted.
func Run[T any](ctx context.Context, p Policy, op func(ctx context.Context) Result[T]) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res := op(ctx)
		switch res.Kind {
		case KindSuccess:
			return res.Value, nil
		case KindFatal:
			return zero, res.Err
		}

		lastErr = res.Err
		if attempt < p.MaxAttempts-1 {
			if err := p.Sleep(ctx, ExponentialDelay(p.Base, attempt)); err != nil {
				return zero, err
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return zero, lastErr
}

// ExponentialDelay returns base * 2^attempt without jitter.
func ExponentialDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(math.Pow(2, float64(attempt))) * base
}

// Do retries fn up to maxAttempts times with exponential backoff and jitter.
// It respects context cancellation and returns the last error if all attempts fail.
// The backoff progression is: 1s, 2s, 4s (with up to 25% jitter).
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Don't sleep after the last attempt.
		if attempt < maxAttempts-1 {
			if err := Sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}
	}

	return lastErr
}

// backoff calculates the delay for the given attempt (0-indexed) with jitter.
// Progression: 1s, 2s, 4s, ... capped at maxDelay.
func backoff(attempt int) time.Duration {
	delay := ExponentialDelay(baseDelay, attempt)
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * jitterFraction * rand.Float64())
	return delay + jitter
}
