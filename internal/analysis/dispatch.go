package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacklau/dupes/internal/retry"
	"github.com/jacklau/dupes/internal/store"
)

// queueSize bounds the number of jobs waiting for a dispatcher goroutine.
const queueSize = 256

// Dispatcher is the in-process Trigger: it drives each enqueued job by
// invoking the batch processor until the job is terminal.
type Dispatcher struct {
	processor BatchProcessor
	store     store.JobStore
	interval  time.Duration
	workers   int
	sleep     retry.SleepFunc
	logger    *slog.Logger

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher creates a Dispatcher. Jobs enqueued before Serve starts
// wait in the queue.
func NewDispatcher(processor BatchProcessor, st store.JobStore, opts ...Option) *Dispatcher {
	s := newSettings(opts)
	return &Dispatcher{
		processor: processor,
		store:     st,
		interval:  s.interval,
		workers:   s.workers,
		sleep:     s.sleep,
		logger:    s.logger,
		queue:     make(chan string, queueSize),
		inflight:  make(map[string]struct{}),
	}
}

// Enqueue schedules jobID. A job that is already queued or running is
// not scheduled twice.
func (d *Dispatcher) Enqueue(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[jobID]; ok {
		return
	}
	select {
	case d.queue <- jobID:
		d.inflight[jobID] = struct{}{}
	default:
		d.logger.Warn("dispatch queue full, dropping job", "job", jobID)
	}
}

// Pending returns the number of queued or running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	delete(d.inflight, jobID)
	d.mu.Unlock()
}

// Serve runs the worker pool until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case jobID := <-d.queue:
					if err := d.Run(ctx, jobID); err != nil && ctx.Err() == nil {
						d.logger.Error("job dispatch stopped", "job", jobID, "error", err)
					}
					d.release(jobID)
				}
			}
		})
	}
	return g.Wait()
}

// Run invokes the batch processor for jobID until the job is terminal.
// It waits the dispatch interval between invocations and twice that after
// a failed one.
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	logger := d.logger.With("job", jobID)
	for invocation := 1; ; invocation++ {
		res := d.processor.ProcessBatch(ctx, jobID)

		job, err := d.store.GetJob(jobID)
		if err != nil {
			return fmt.Errorf("reloading job: %w", err)
		}
		if job.Status.IsTerminal() {
			logger.Info("job finished", "status", job.Status, "invocations", invocation)
			return nil
		}

		delay := d.interval
		if !res.Success {
			delay *= 2
			logger.Warn("batch invocation failed", "invocation", invocation, "error", res.Error)
		}
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sweep enqueues every job past the fetch stage that has not finished,
// so jobs started by other processes are picked up. It returns the number
// of jobs enqueued.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	jobs, err := d.store.ListJobsByStatus(store.StatusProcessing, store.StatusAnalyzing, store.StatusReporting)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.Enqueue(j.ID)
	}
	if len(jobs) > 0 {
		d.logger.Info("swept unfinished jobs", "count", len(jobs))
	}
	return len(jobs), nil
}

var _ Trigger = (*Dispatcher)(nil)
var _ BatchProcessor = (*Worker)(nil)
