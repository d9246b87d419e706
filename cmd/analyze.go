package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jacklau/dupes/internal/analysis"
	"github.com/jacklau/dupes/internal/store"
)

var (
	analyzeWait   bool
	analyzeNotify string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <owner/repo>",
	Short: "Start or resume a duplicate analysis",
	Long: `Start a duplicate analysis of a repository's open issues, or resume the
one already running. Issues are fetched immediately; embedding, similarity
search and reporting run in the batch worker.

Without --wait the command returns once the issues are fetched and the job is
handed to the worker; run 'dupes worker' to process it. With --wait the worker
runs in this process and progress is shown until the job finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeWait, "wait", false, "process the job in this process and wait for it to finish")
	analyzeCmd.Flags().StringVar(&analyzeNotify, "notify", "", "notification target: slack, discord, or both")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	owner, repo, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}

	logger := setupLogger()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := initComponents(cfg, logger, analyzeNotify)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !analyzeWait {
		snap, err := c.Driver.StartOrResume(ctx, owner, repo)
		if err != nil {
			return fmt.Errorf("starting analysis: %w", err)
		}
		printSnapshot(out, snap)
		if !snap.Terminal() {
			fmt.Fprintln(out, "\nRun 'dupes worker' to process the job, or rerun with --wait.")
		}
		return nil
	}

	final, err := analyzeAndWait(ctx, c, owner, repo)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted; the job resumes on the next analyze or worker run")
			return nil
		}
		return err
	}

	fmt.Fprintln(out)
	printSnapshot(out, final)
	switch final.Phase {
	case store.StatusCompleted:
		r, err := latestReport(c, owner, repo)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printReport(out, r)
		return nil
	case store.StatusFailed:
		return fmt.Errorf("analysis failed: %s", final.Error)
	default:
		return nil
	}
}

// analyzeAndWait starts the job and drives it with an in-process
// dispatcher until it is terminal, rendering progress to stderr.
func analyzeAndWait(ctx context.Context, c *components, owner, repo string) (*analysis.JobSnapshot, error) {
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()

	var g errgroup.Group
	g.Go(func() error {
		return c.Dispatcher.Serve(serveCtx)
	})

	final, err := startAndWatch(ctx, c, owner, repo)
	stopServe()
	if werr := g.Wait(); werr != nil {
		c.Logger.Warn("dispatcher stopped with error", "error", werr)
	}
	return final, err
}

func startAndWatch(ctx context.Context, c *components, owner, repo string) (*analysis.JobSnapshot, error) {
	bar := newStageProgress(os.Stderr)
	defer bar.Finish()

	snap, err := c.Driver.StartOrResume(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("starting analysis: %w", err)
	}
	if snap.Terminal() {
		return snap, nil
	}

	var last analysis.JobSnapshot
	err = c.Driver.Watch(ctx, owner, repo, func(s analysis.JobSnapshot) {
		if s.JobID != snap.JobID {
			return
		}
		last = s
		bar.Update(s)
	})
	if err != nil {
		return nil, err
	}
	return &last, nil
}
