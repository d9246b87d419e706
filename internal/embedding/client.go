// Package embedding wraps a provider.BatchEmbedder with the per-minute and
// per-day quotas of the embedding API and its transient-error handling.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jacklau/dupes/internal/provider"
	"github.com/jacklau/dupes/internal/quota"
	"github.com/jacklau/dupes/internal/retry"
)

const (
	// DefaultDimensions is the expected vector size.
	DefaultDimensions = 1536

	// DefaultPerMinute is the per-minute request bucket capacity.
	DefaultPerMinute = 100

	// DefaultPerDay is the per-day request budget.
	DefaultPerDay = 2000

	// DefaultMaxRetries caps transient retries of one batch.
	DefaultMaxRetries = 5

	rateLimitDelay   = 1 * time.Second
	serverErrorDelay = 2 * time.Second

	dailyQuotaName = "embedding.daily"
)

// Config holds the limits of a Client.
type Config struct {
	Dimensions int
	PerMinute  int
	PerDay     int
	// MaxRetries bounds 429/5xx retries of one batch. Zero means retry
	// until the context is done.
	MaxRetries int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Dimensions: DefaultDimensions,
		PerMinute:  DefaultPerMinute,
		PerDay:     DefaultPerDay,
		MaxRetries: DefaultMaxRetries,
	}
}

// Client creates embeddings in batches under two independent quotas: a
// smoothed per-minute bucket and a fixed per-day budget.
type Client struct {
	embedder provider.BatchEmbedder
	cfg      Config
	minute   *quota.Bucket
	daily    *quota.Budget
	sleep    retry.SleepFunc
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	usage  quota.UsageStore
	sleep  retry.SleepFunc
	now    func() time.Time
	logger *slog.Logger
}

// WithUsageStore persists the per-day budget, e.g. in the job store.
func WithUsageStore(s quota.UsageStore) Option {
	return func(o *clientOptions) { o.usage = s }
}

// WithSleep replaces the sleep used between retries.
func WithSleep(fn retry.SleepFunc) Option {
	return func(o *clientOptions) { o.sleep = fn }
}

// WithClock replaces the time source of the per-day budget.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New creates a Client around embedder. Zero Dimensions, PerMinute and
// PerDay in cfg take their defaults.
func New(embedder provider.BatchEmbedder, cfg Config, opts ...Option) (*Client, error) {
	if embedder == nil {
		return nil, ErrMissingCredential
	}

	o := clientOptions{sleep: retry.Sleep, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerDay <= 0 {
		cfg.PerDay = DefaultPerDay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	minute, err := quota.NewBucket(cfg.PerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("creating per-minute bucket: %w", err)
	}
	daily, err := quota.NewBudget(dailyQuotaName, cfg.PerDay, 24*time.Hour, o.usage)
	if err != nil {
		return nil, fmt.Errorf("creating daily budget: %w", err)
	}
	if o.now != nil {
		daily.SetClock(o.now)
	}

	return &Client{
		embedder: embedder,
		cfg:      cfg,
		minute:   minute,
		daily:    daily,
		sleep:    o.sleep,
		logger:   o.logger,
	}, nil
}

// NewFromConfig builds the provider described by pcfg and wraps it. It
// returns ErrMissingCredential if the provider needs an API key and pcfg
// has none.
func NewFromConfig(pcfg provider.EmbedderConfig, cfg Config, opts ...Option) (*Client, error) {
	if pcfg.RequiresAPIKey() && pcfg.APIKey == "" {
		return nil, ErrMissingCredential
	}
	if pcfg.Dimensions <= 0 {
		pcfg.Dimensions = cfg.Dimensions
	}
	embedder, err := provider.NewEmbedder(pcfg)
	if err != nil {
		return nil, err
	}
	return New(embedder, cfg, opts...)
}

// Dimensions returns the expected vector size.
func (c *Client) Dimensions() int {
	return c.cfg.Dimensions
}

// RemainingToday returns the unused part of the per-day budget.
func (c *Client) RemainingToday() (int, error) {
	return c.daily.Remaining()
}

// CreateEmbeddingBatch embeds texts with a single provider request. The
// result has len(texts) entries in input order. An entry is nil when the
// provider returned no vector for it or the vector has the wrong size.
//
// A 429 response is retried after 1s and a 5xx after 2s; every retry
// consumes quota again. When the per-day budget is used up
// ErrQuotaExceeded is returned.
func (c *Client) CreateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	retries := 0
	for {
		if err := c.daily.Consume(); err != nil {
			if errors.Is(err, quota.ErrExhausted) {
				c.logger.Error("daily embedding quota exhausted", "limit", c.daily.Limit())
				return nil, ErrQuotaExceeded
			}
			return nil, err
		}
		if err := c.minute.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for embedding quota: %w", err)
		}

		vecs, err := c.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return c.normalize(vecs, len(texts)), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay, transient := transientDelay(err)
		if !transient {
			return nil, fmt.Errorf("creating embeddings: %w", err)
		}

		retries++
		if c.cfg.MaxRetries > 0 && retries > c.cfg.MaxRetries {
			return nil, fmt.Errorf("creating embeddings: giving up after %d retries: %w", c.cfg.MaxRetries, err)
		}

		c.logger.Warn("embedding request failed, retrying",
			"status", provider.StatusCode(err), "delay", delay, "retry", retries, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) normalize(vecs [][]float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := 0; i < n && i < len(vecs); i++ {
		v := vecs[i]
		if v == nil {
			continue
		}
		if len(v) != c.cfg.Dimensions {
			c.logger.Warn("discarding embedding with unexpected dimensionality",
				"index", i, "got", len(v), "want", c.cfg.Dimensions)
			continue
		}
		out[i] = v
	}
	return out
}

func transientDelay(err error) (time.Duration, bool) {
	code := provider.StatusCode(err)
	switch {
	case code == http.StatusTooManyRequests || errors.Is(err, provider.ErrRateLimit):
		return rateLimitDelay, true
	case code >= 500 && code < 600:
		return serverErrorDelay, true
	default:
		return 0, false
	}
}
