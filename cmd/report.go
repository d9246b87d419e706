package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacklau/dupes/internal/report"
	"github.com/jacklau/dupes/internal/store"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report <owner/repo>",
	Short: "Show the duplicate pairs of the latest completed analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
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

	r, err := latestReport(c, owner, repo)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reportJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(out, r)
	return nil
}

// latestReport loads the report of the repository's most recent completed job.
func latestReport(c *components, owner, repo string) (*report.Report, error) {
	full := owner + "/" + repo
	rp, err := c.Store.GetRepoByOwnerRepo(owner, repo)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s has not been analyzed; run 'dupes analyze %s'", full, full)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up repo: %w", err)
	}

	job, err := c.Store.LatestJobWithStatus(rp.ID, store.StatusCompleted)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no completed analysis for %s", full)
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest completed job: %w", err)
	}

	r, err := report.Parse(job.Report)
	if err != nil {
		return nil, fmt.Errorf("reading report of job %s: %w", job.ID, err)
	}
	return r, nil
}
