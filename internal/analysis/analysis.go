// Package analysis runs the four-stage duplicate analysis job: fetch issues,
// embed them, search for similar pairs and report.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jacklau/dupes/internal/github"
	"github.com/jacklau/dupes/internal/retry"
	"github.com/jacklau/dupes/internal/store"
)

// Job error messages stored on the job row.
const (
	MsgCancelled        = "Analysis cancelled by user"
	MsgMaxDuration      = "Analysis exceeded maximum time limit of 15 minutes"
	MsgStageStartFailed = "Embedding stage did not start within 30 seconds: batch worker was not invoked or the embedding quota is exhausted"
	MsgTimedOut         = "Job timed out"
	MsgEmbeddingMissing = "Failed to generate embedding"
)

// ErrNoActiveJob is returned when an operation needs a running job and the
// repository has none.
var ErrNoActiveJob = errors.New("no active analysis job for this repository")

// Config holds the tunables of the pipeline.
type Config struct {
	BatchSize           int
	MaxRetries          int
	PageSize            int
	SimilarityThreshold float32
	StaleAfter          time.Duration
	MaxDuration         time.Duration
	StageStartTimeout   time.Duration
	// PollInterval is how long Watch waits for a pushed change before it
	// re-reads the job.
	PollInterval time.Duration
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		MaxRetries:          3,
		PageSize:            100,
		SimilarityThreshold: 0.9,
		StaleAfter:          5 * time.Minute,
		MaxDuration:         15 * time.Minute,
		StageStartTimeout:   30 * time.Second,
		PollInterval:        2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.StageStartTimeout <= 0 {
		c.StageStartTimeout = d.StageStartTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// IssueSource lists a repository's open issues.
type IssueSource interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
	ListOpenIssues(ctx context.Context, owner, repo string, page, perPage int) ([]github.Issue, error)
}

// Embedder turns texts into vectors. The result has one entry per text;
// nil entries mark texts that could not be embedded.
type Embedder interface {
	CreateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Trigger schedules batch worker invocations for a job.
type Trigger interface {
	Enqueue(jobID string)
}

// BatchProcessor performs one unit of work for a job.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, jobID string) BatchResult
}

// BatchResult is the outcome of one ProcessBatch invocation.
type BatchResult struct {
	Success bool
	Error   string
}

// IsCritical reports whether err must stop the job. Critical errors
// implement Critical() bool or carry a message starting with "CRITICAL".
func IsCritical(err error) bool {
	return criticalMessage(err) != ""
}

func criticalMessage(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(interface{ Critical() bool }); ok && c.Critical() {
			return e.Error()
		}
		if strings.HasPrefix(e.Error(), "CRITICAL") {
			return e.Error()
		}
	}
	return ""
}

// jobErrorMessage is the text stored on a failed job: the critical error's
// own message when there is one, the full chain otherwise.
func jobErrorMessage(err error) string {
	if msg := criticalMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

// Option configures a Driver, Worker or Dispatcher.
type Option func(*settings)

type settings struct {
	cfg      Config
	now      func() time.Time
	sleep    retry.SleepFunc
	logger   *slog.Logger
	interval time.Duration
	workers  int
}

func newSettings(opts []Option) settings {
	s := settings{
		cfg:      DefaultConfig(),
		now:      time.Now,
		sleep:    retry.Sleep,
		logger:   slog.Default(),
		interval: time.Second,
		workers:  2,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.cfg = s.cfg.withDefaults()
	return s
}

// WithConfig sets the pipeline tunables.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithSleep replaces the dispatcher's sleep between invocations.
func WithSleep(fn retry.SleepFunc) Option {
	return func(s *settings) { s.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInterval sets the dispatcher delay between invocations of one job.
// A failed invocation waits twice as long.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers sets the number of jobs the dispatcher drives concurrently.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
