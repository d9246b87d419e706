package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	workerNotify        string
	workerSweepInterval time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process analysis jobs until interrupted",
	Long: `Run the batch worker. Unfinished jobs in the store are picked up on start
and on every sweep, including jobs started by 'dupes analyze' in other
processes. Stop with Ctrl-C; interrupted jobs resume on the next run.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerNotify, "notify", "", "notification target: slack, discord, or both")
	workerCmd.Flags().DurationVar(&workerSweepInterval, "sweep-interval", 30*time.Second, "how often to look for new jobs")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerSweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", workerSweepInterval)
	}

	logger := setupLogger()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := initComponents(cfg, logger, workerNotify)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", "workers", cfg.Analysis.Workers, "sweep_interval", workerSweepInterval.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Dispatcher.Serve(gctx)
	})
	g.Go(func() error {
		return sweepLoop(gctx, c, workerSweepInterval)
	})

	err = g.Wait()
	logger.Info("worker stopped")
	return err
}

// sweepLoop enqueues unfinished jobs now and then every interval until ctx
// is done.
func sweepLoop(ctx context.Context, c *components, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Dispatcher.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.Logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
