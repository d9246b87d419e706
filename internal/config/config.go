package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStorePath is the database location used when none is configured.
const DefaultStorePath = "~/.dupes/dupes.db"

// Config is the top-level configuration.
type Config struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Providers ProvidersConfig `yaml:"providers"`
	Notify    NotifyConfig    `yaml:"notify"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Quotas    QuotasConfig    `yaml:"quotas"`
	Store     StoreConfig     `yaml:"store"`
}

// GitHubConfig holds GitHub authentication settings. Auth is "token" for a
// personal access token or "app" for a GitHub App installation.
type GitHubConfig struct {
	Auth           string `yaml:"auth"`
	Token          string `yaml:"token"`
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
}

// AppIDs parses the GitHub App and installation IDs.
func (g GitHubConfig) AppIDs() (appID, installationID int64, err error) {
	appID, err = strconv.ParseInt(g.AppID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid app_id %q: %w", g.AppID, err)
	}
	installationID, err = strconv.ParseInt(g.InstallationID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid installation_id %q: %w", g.InstallationID, err)
	}
	return appID, installationID, nil
}

// ProviderConfig holds settings for a single provider (embedding or LLM).
type ProviderConfig struct {
	Type       string `yaml:"type"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	URL        string `yaml:"url"`
	Dimensions int    `yaml:"dimensions"`
}

// ProvidersConfig groups embedding and LLM provider configs.
type ProvidersConfig struct {
	Embedding ProviderConfig `yaml:"embedding"`
	LLM       ProviderConfig `yaml:"llm"`
}

// NotifyConfig holds notification webhook URLs.
type NotifyConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

// AnalysisConfig holds the pipeline tunables. Durations are Go duration
// strings such as "5m".
type AnalysisConfig struct {
	BatchSize            int     `yaml:"batch_size"`
	MaxRetries           int     `yaml:"max_retries"`
	PageSize             int     `yaml:"page_size"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	StaleAfterRaw        string  `yaml:"stale_after"`
	MaxDurationRaw       string  `yaml:"max_duration"`
	StageStartTimeoutRaw string  `yaml:"stage_start_timeout"`
	WorkerIntervalRaw    string  `yaml:"worker_interval"`
	Workers              int     `yaml:"workers"`
}

// StaleAfter returns how long an idle job or claimed item stays valid.
func (a AnalysisConfig) StaleAfter() time.Duration {
	return mustDuration(a.StaleAfterRaw, 5*time.Minute)
}

// MaxDuration returns the wall-clock limit of a job.
func (a AnalysisConfig) MaxDuration() time.Duration {
	return mustDuration(a.MaxDurationRaw, 15*time.Minute)
}

// StageStartTimeout returns how long the embedding stage may take to begin.
func (a AnalysisConfig) StageStartTimeout() time.Duration {
	return mustDuration(a.StageStartTimeoutRaw, 30*time.Second)
}

// WorkerInterval returns the delay between batch worker invocations.
func (a AnalysisConfig) WorkerInterval() time.Duration {
	return mustDuration(a.WorkerIntervalRaw, time.Second)
}

// QuotasConfig holds the request quotas of the external APIs.
type QuotasConfig struct {
	GitHub    GitHubQuota    `yaml:"github"`
	Embedding EmbeddingQuota `yaml:"embedding"`
}

// GitHubQuota is a token bucket refilled over Window.
type GitHubQuota struct {
	Capacity  int    `yaml:"capacity"`
	WindowRaw string `yaml:"window"`
}

// Window returns the bucket refill window.
func (q GitHubQuota) Window() time.Duration {
	return mustDuration(q.WindowRaw, time.Hour)
}

// EmbeddingQuota holds the per-minute and per-day embedding request limits.
type EmbeddingQuota struct {
	PerMinute  int `yaml:"per_minute"`
	PerDay     int `yaml:"per_day"`
	MaxRetries int `yaml:"max_retries"`
}

// StoreConfig holds storage settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// mustDuration parses raw, falling back to def. Parse validates every
// duration, so the fallback only applies to zero configs.
func mustDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envVarPattern matches ${VAR} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable values.
// Returns an error if any referenced variable is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	result := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(varName))
		if !ok {
			missing = append(missing, string(varName))
			return match
		}
		return []byte(val)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// expandTilde replaces a leading "~" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses config from raw YAML bytes, expanding env vars and validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.GitHub.Auth == "" {
		cfg.GitHub.Auth = "token"
		if cfg.GitHub.AppID != "" {
			cfg.GitHub.Auth = "app"
		}
	}
	if cfg.Providers.Embedding.Type == "" {
		cfg.Providers.Embedding.Type = "openai"
	}
	if cfg.Providers.Embedding.Dimensions == 0 {
		cfg.Providers.Embedding.Dimensions = 1536
	}

	a := &cfg.Analysis
	if a.BatchSize == 0 {
		a.BatchSize = 50
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.PageSize == 0 {
		a.PageSize = 100
	}
	if a.SimilarityThreshold == 0 {
		a.SimilarityThreshold = 0.9
	}
	if a.StaleAfterRaw == "" {
		a.StaleAfterRaw = "5m"
	}
	if a.MaxDurationRaw == "" {
		a.MaxDurationRaw = "15m"
	}
	if a.StageStartTimeoutRaw == "" {
		a.StageStartTimeoutRaw = "30s"
	}
	if a.WorkerIntervalRaw == "" {
		a.WorkerIntervalRaw = "1s"
	}
	if a.Workers == 0 {
		a.Workers = 2
	}

	q := &cfg.Quotas
	if q.GitHub.Capacity == 0 {
		q.GitHub.Capacity = 5000
	}
	if q.GitHub.WindowRaw == "" {
		q.GitHub.WindowRaw = "1h"
	}
	if q.Embedding.PerMinute == 0 {
		q.Embedding.PerMinute = 100
	}
	if q.Embedding.PerDay == 0 {
		q.Embedding.PerDay = 2000
	}
	if q.Embedding.MaxRetries == 0 {
		q.Embedding.MaxRetries = 5
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	cfg.Store.Path = expandTilde(cfg.Store.Path)
}

func validate(cfg *Config) error {
	switch cfg.GitHub.Auth {
	case "token":
	case "app":
		if cfg.GitHub.PrivateKey == "" && cfg.GitHub.PrivateKeyPath == "" {
			return fmt.Errorf("github app auth requires private_key or private_key_path")
		}
		if _, _, err := cfg.GitHub.AppIDs(); err != nil {
			return fmt.Errorf("github: %w", err)
		}
	default:
		return fmt.Errorf("unsupported github auth %q", cfg.GitHub.Auth)
	}

	a := cfg.Analysis
	if a.SimilarityThreshold < 0 || a.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %f", a.SimilarityThreshold)
	}
	for name, n := range map[string]int{
		"batch_size":  a.BatchSize,
		"max_retries": a.MaxRetries,
		"page_size":   a.PageSize,
		"workers":     a.Workers,
	} {
		if n < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, n)
		}
	}
	if a.PageSize > 100 {
		return fmt.Errorf("page_size must be at most 100, got %d", a.PageSize)
	}

	durations := []struct{ name, raw string }{
		{"stale_after", a.StaleAfterRaw},
		{"max_duration", a.MaxDurationRaw},
		{"stage_start_timeout", a.StageStartTimeoutRaw},
		{"worker_interval", a.WorkerIntervalRaw},
		{"quotas.github.window", cfg.Quotas.GitHub.WindowRaw},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.raw)
		}
	}

	if cfg.Quotas.GitHub.Capacity < 0 || cfg.Quotas.Embedding.PerMinute < 0 || cfg.Quotas.Embedding.PerDay < 0 {
		return fmt.Errorf("quotas must not be negative")
	}
	if cfg.Providers.Embedding.Dimensions < 0 {
		return fmt.Errorf("embedding dimensions must not be negative, got %d", cfg.Providers.Embedding.Dimensions)
	}

	validEmbedTypes := map[string]bool{"openai": true, "ollama": true}
	if !validEmbedTypes[cfg.Providers.Embedding.Type] {
		return fmt.Errorf("unsupported embedding provider type: %s", cfg.Providers.Embedding.Type)
	}

	validLLMTypes := map[string]bool{"openai": true, "ollama": true, "anthropic": true, "": true}
	if !validLLMTypes[cfg.Providers.LLM.Type] {
		return fmt.Errorf("unsupported LLM provider type: %s", cfg.Providers.LLM.Type)
	}

	return nil
}
