package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacklau/dupes/internal/analysis"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <owner/repo>",
	Short: "Cancel the running analysis of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	owner, repo, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := openComponents(cfg, setupLogger())
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	snap, err := c.Driver.Cancel(context.Background(), owner, repo)
	if errors.Is(err, analysis.ErrNoActiveJob) {
		fmt.Fprintf(cmd.OutOrStdout(), "No running analysis for %s/%s.\n", owner, repo)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancelling analysis: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s for %s.\n", snap.JobID, snap.Repo)
	return nil
}
