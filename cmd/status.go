package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jacklau/dupes/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [owner/repo]",
	Short: "Show analysis progress",
	Long: `Show the latest analysis of one repository in detail, or an overview of
every tracked repository when no argument is given. Jobs past their time
limits are failed or cancelled as a side effect.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := openComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		owner, repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}
		snap, err := c.Driver.Status(context.Background(), owner, repo)
		if err != nil {
			return fmt.Errorf("loading status: %w", err)
		}
		if snap == nil {
			fmt.Fprintf(out, "%s has not been analyzed yet.\n", args[0])
			return nil
		}
		printSnapshot(out, snap)
		return nil
	}

	// Enforce the time limits before listing so the overview is current.
	for _, j := range unfinishedJobs(c) {
		if rp, err := c.Store.GetRepo(j.RepoID); err == nil {
			if _, err := c.Driver.Status(context.Background(), rp.Owner, rp.RepoName); err != nil {
				logger.Warn("refreshing job status", "job", j.ID, "error", err)
			}
		}
	}

	allStats, err := c.Store.GetAllRepoStats()
	if err != nil {
		return fmt.Errorf("querying stats: %w", err)
	}
	if len(allStats) == 0 {
		fmt.Fprintln(out, "No repositories analyzed yet.")
		fmt.Fprintln(out, "Run 'dupes analyze <owner/repo>' to get started.")
		return nil
	}
	printOverview(out, allStats)

	fmt.Fprintln(out)
	dbSize, err := dbFileSize(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(out, "Database: %s (size unknown)\n", cfg.Store.Path)
	} else {
		fmt.Fprintf(out, "Database: %s (%s)\n", cfg.Store.Path, humanize.Bytes(uint64(dbSize)))
	}
	return nil
}

// unfinishedJobs lists non-terminal jobs, or none if the query fails.
func unfinishedJobs(c *components) []store.Job {
	jobs, err := c.Store.ListJobsByStatus(store.StatusFetching, store.StatusProcessing,
		store.StatusAnalyzing, store.StatusReporting)
	if err != nil {
		c.Logger.Warn("listing unfinished jobs", "error", err)
		return nil
	}
	return jobs
}

// printOverview writes one row per repository.
func printOverview(w io.Writer, allStats []store.RepoStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPOSITORY\tSTATUS\tSTAGE\tISSUES\tEMBEDDED\tFAILED\tPAIRS\tLAST ACTIVITY")
	fmt.Fprintln(tw, "----------\t------\t-----\t------\t--------\t------\t-----\t-------------")

	for _, s := range allStats {
		j := s.LatestJob
		if j == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\tnever\n", s.Repo.FullName())
			continue
		}
		last := j.LastProcessedAt
		fmt.Fprintf(tw, "%s\t%s\t%d/4 %.0f%%\t%d\t%d\t%d\t%d\t%s\n",
			s.Repo.FullName(), phaseLabel(j.Status), j.StageNumber, j.StageProgress,
			j.TotalIssues, s.ItemCounts[store.ItemCompleted], j.FailedItems,
			j.DuplicatePairs, timeAgo(&last))
	}
	tw.Flush()
}

// dbFileSize returns the size in bytes of the database file.
func dbFileSize(path string) (int64, error) {
	// Expand ~ in path
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return 0, err
		}
		path = home + path[1:]
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
