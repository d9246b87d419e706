package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacklau/dupes/internal/analysis"
	"github.com/jacklau/dupes/internal/config"
	"github.com/jacklau/dupes/internal/embedding"
	"github.com/jacklau/dupes/internal/github"
	"github.com/jacklau/dupes/internal/notify"
	"github.com/jacklau/dupes/internal/provider"
	"github.com/jacklau/dupes/internal/quota"
	"github.com/jacklau/dupes/internal/report"
	"github.com/jacklau/dupes/internal/store"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dupes",
	Short: "Find duplicate issues in GitHub repositories",
	Long: `Dupes fetches the open issues of a GitHub repository, embeds them and
reports issue pairs that are likely duplicates of each other. Analyses run
as resumable background jobs stored in a local SQLite database.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dupes/config.yaml"
	}
	return home + "/.dupes/config.yaml"
}

func setupLogger() *slog.Logger {
	return newLogger(os.Stderr, verbose)
}

// newLogger writes JSON records to w, including debug records when debug
// is set.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file. Without --config a missing default
// file yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if cfgFile == "" && errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if cfg.GitHub.Auth == "token" && cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	return cfg, nil
}

// parseRepoArg splits "owner/repo" into its two parts.
func parseRepoArg(arg string) (owner, repo string, err error) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: expected owner/repo, got %q", arg)
	}
	return parts[0], parts[1], nil
}

// analysisConfig maps the config file section onto the pipeline tunables.
func analysisConfig(cfg *config.Config) analysis.Config {
	a := cfg.Analysis
	return analysis.Config{
		BatchSize:           a.BatchSize,
		MaxRetries:          a.MaxRetries,
		PageSize:            a.PageSize,
		SimilarityThreshold: float32(a.SimilarityThreshold),
		StaleAfter:          a.StaleAfter(),
		MaxDuration:         a.MaxDuration(),
		StageStartTimeout:   a.StageStartTimeout(),
	}
}

// components holds initialized components for use by subcommands.
type components struct {
	Config     *config.Config
	Store      *store.DB
	GitHub     *github.Client
	Embeddings *embedding.Client
	Notifier   notify.Notifier
	Worker     *analysis.Worker
	Dispatcher *analysis.Dispatcher
	Driver     *analysis.Driver
	Logger     *slog.Logger
}

// Close releases the store.
func (c *components) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// openComponents opens the store and a Driver that can report status and
// cancel jobs but cannot fetch. Commands that never call the external APIs
// use it so they work without credentials.
func openComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	c := &components{Config: cfg, Store: db, Logger: logger}
	c.Driver = analysis.NewDriver(analysis.DriverDeps{Store: db},
		analysis.WithConfig(analysisConfig(cfg)),
		analysis.WithLogger(logger),
	)
	return c, nil
}

// initComponents creates the full pipeline from config. notifyFlag
// overrides the notifier selection; "" picks whatever the config has.
func initComponents(cfg *config.Config, logger *slog.Logger, notifyFlag string) (*components, error) {
	c, err := openComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.wire(notifyFlag); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) wire(notifyFlag string) error {
	cfg, logger := c.Config, c.Logger

	gh, err := createGitHubClient(cfg, logger)
	if err != nil {
		return err
	}
	c.GitHub = gh

	emb := cfg.Providers.Embedding
	c.Embeddings, err = embedding.NewFromConfig(
		provider.EmbedderConfig{
			Type:       emb.Type,
			Model:      emb.Model,
			APIKey:     emb.APIKey,
			URL:        emb.URL,
			Dimensions: emb.Dimensions,
		},
		embedding.Config{
			Dimensions: emb.Dimensions,
			PerMinute:  cfg.Quotas.Embedding.PerMinute,
			PerDay:     cfg.Quotas.Embedding.PerDay,
			MaxRetries: cfg.Quotas.Embedding.MaxRetries,
		},
		embedding.WithUsageStore(c.Store),
		embedding.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}

	llm := cfg.Providers.LLM
	completer, err := provider.NewCompleter(provider.CompleterConfig{
		Type:   llm.Type,
		Model:  llm.Model,
		APIKey: llm.APIKey,
		URL:    llm.URL,
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}

	c.Notifier, err = createNotifier(cfg, notifyFlag)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}

	opts := []analysis.Option{
		analysis.WithConfig(analysisConfig(cfg)),
		analysis.WithLogger(logger),
	}
	deps := analysis.WorkerDeps{Store: c.Store, Embedder: c.Embeddings}
	if completer != nil {
		deps.Summarizer = report.NewSummarizer(completer, 0)
	}
	if c.Notifier != nil {
		deps.Notifier = c.Notifier
	}
	c.Worker = analysis.NewWorker(deps, opts...)

	c.Dispatcher = analysis.NewDispatcher(c.Worker, c.Store, append(opts,
		analysis.WithInterval(cfg.Analysis.WorkerInterval()),
		analysis.WithWorkers(cfg.Analysis.Workers),
	)...)

	c.Driver = analysis.NewDriver(analysis.DriverDeps{
		Store:   c.Store,
		Source:  c.GitHub,
		Trigger: c.Dispatcher,
	}, opts...)
	return nil
}

// createGitHubClient builds the API client for the configured auth mode.
func createGitHubClient(cfg *config.Config, logger *slog.Logger) (*github.Client, error) {
	bucket, err := quota.NewBucket(cfg.Quotas.GitHub.Capacity, cfg.Quotas.GitHub.Window())
	if err != nil {
		return nil, fmt.Errorf("creating GitHub quota: %w", err)
	}
	opts := []github.Option{github.WithBucket(bucket), github.WithLogger(logger)}

	var client *github.Client
	switch cfg.GitHub.Auth {
	case "app":
		appID, installID, err := cfg.GitHub.AppIDs()
		if err != nil {
			return nil, err
		}
		client, err = github.NewAppClient(appID, installID, []byte(cfg.GitHub.PrivateKey), cfg.GitHub.PrivateKeyPath, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub client: %w", err)
		}
	default:
		if cfg.GitHub.Token == "" {
			return nil, fmt.Errorf("no GitHub token configured: set github.token or GITHUB_TOKEN")
		}
		client, err = github.NewTokenClient(github.NewSession(cfg.GitHub.Token), opts...)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub client: %w", err)
		}
	}

	client.Session().OnChange(func(authenticated bool) {
		if !authenticated {
			logger.Error("GitHub credential rejected; update the token and run again")
		}
	})
	return client, nil
}

// createNotifier builds a Notifier from config and flag override.
func createNotifier(cfg *config.Config, notifyFlag string) (notify.Notifier, error) {
	notifyType := notifyFlag
	if notifyType == "" {
		hasSlack := cfg.Notify.SlackWebhook != ""
		hasDiscord := cfg.Notify.DiscordWebhook != ""
		switch {
		case hasSlack && hasDiscord:
			notifyType = "both"
		case hasSlack:
			notifyType = "slack"
		case hasDiscord:
			notifyType = "discord"
		default:
			return nil, nil // no notification configured
		}
	}

	return notify.NewNotifier(notifyType, cfg.Notify.SlackWebhook, cfg.Notify.DiscordWebhook)
}
