package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBasicConfig(t *testing.T) {
	yaml := `
github:
  auth: token
  token: ghp_test
providers:
  embedding:
    type: openai
    model: text-embedding-3-small
    api_key: sk-test-key
    dimensions: 1536
  llm:
    type: anthropic
    model: claude-haiku
    api_key: sk-ant-test
notify:
  slack_webhook: https://hooks.slack.com/test
analysis:
  batch_size: 25
  max_retries: 4
  page_size: 50
  similarity_threshold: 0.92
  stale_after: 10m
  max_duration: 20m
  stage_start_timeout: 1m
  worker_interval: 500ms
  workers: 4
quotas:
  github:
    capacity: 1000
    window: 30m
  embedding:
    per_minute: 60
    per_day: 500
store:
  path: /tmp/dupes.db
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GitHub.Token != "ghp_test" {
		t.Errorf("expected token 'ghp_test', got %q", cfg.GitHub.Token)
	}
	if cfg.Providers.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("unexpected embedding model %q", cfg.Providers.Embedding.Model)
	}
	if cfg.Providers.LLM.Type != "anthropic" {
		t.Errorf("expected llm type 'anthropic', got %q", cfg.Providers.LLM.Type)
	}
	if cfg.Notify.SlackWebhook != "https://hooks.slack.com/test" {
		t.Errorf("expected slack webhook, got %q", cfg.Notify.SlackWebhook)
	}

	a := cfg.Analysis
	if a.BatchSize != 25 || a.MaxRetries != 4 || a.PageSize != 50 || a.Workers != 4 {
		t.Errorf("unexpected analysis sizes: %+v", a)
	}
	if a.SimilarityThreshold != 0.92 {
		t.Errorf("expected similarity 0.92, got %f", a.SimilarityThreshold)
	}
	if a.StaleAfter() != 10*time.Minute {
		t.Errorf("expected stale_after 10m, got %v", a.StaleAfter())
	}
	if a.MaxDuration() != 20*time.Minute {
		t.Errorf("expected max_duration 20m, got %v", a.MaxDuration())
	}
	if a.StageStartTimeout() != time.Minute {
		t.Errorf("expected stage_start_timeout 1m, got %v", a.StageStartTimeout())
	}
	if a.WorkerInterval() != 500*time.Millisecond {
		t.Errorf("expected worker_interval 500ms, got %v", a.WorkerInterval())
	}

	if cfg.Quotas.GitHub.Capacity != 1000 || cfg.Quotas.GitHub.Window() != 30*time.Minute {
		t.Errorf("unexpected github quota: %+v", cfg.Quotas.GitHub)
	}
	if cfg.Quotas.Embedding.PerMinute != 60 || cfg.Quotas.Embedding.PerDay != 500 {
		t.Errorf("unexpected embedding quota: %+v", cfg.Quotas.Embedding)
	}
	if cfg.Store.Path != "/tmp/dupes.db" {
		t.Errorf("expected store path '/tmp/dupes.db', got %q", cfg.Store.Path)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`github: {}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GitHub.Auth != "token" {
		t.Errorf("expected default auth 'token', got %q", cfg.GitHub.Auth)
	}
	if cfg.Providers.Embedding.Type != "openai" {
		t.Errorf("expected default embedding type 'openai', got %q", cfg.Providers.Embedding.Type)
	}
	if cfg.Providers.Embedding.Dimensions != 1536 {
		t.Errorf("expected default dimensions 1536, got %d", cfg.Providers.Embedding.Dimensions)
	}

	a := cfg.Analysis
	if a.BatchSize != 50 {
		t.Errorf("expected default batch_size 50, got %d", a.BatchSize)
	}
	if a.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", a.MaxRetries)
	}
	if a.PageSize != 100 {
		t.Errorf("expected default page_size 100, got %d", a.PageSize)
	}
	if a.SimilarityThreshold != 0.9 {
		t.Errorf("expected default similarity 0.9, got %f", a.SimilarityThreshold)
	}
	if a.StaleAfter() != 5*time.Minute || a.MaxDuration() != 15*time.Minute || a.StageStartTimeout() != 30*time.Second {
		t.Errorf("unexpected default timeouts: %+v", a)
	}
	if a.WorkerInterval() != time.Second || a.Workers != 2 {
		t.Errorf("unexpected default worker settings: %+v", a)
	}

	q := cfg.Quotas
	if q.GitHub.Capacity != 5000 || q.GitHub.Window() != time.Hour {
		t.Errorf("unexpected default github quota: %+v", q.GitHub)
	}
	if q.Embedding.PerMinute != 100 || q.Embedding.PerDay != 2000 || q.Embedding.MaxRetries != 5 {
		t.Errorf("unexpected default embedding quota: %+v", q.Embedding)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}
	if want := filepath.Join(home, ".dupes", "dupes.db"); cfg.Store.Path != want {
		t.Errorf("expected default store path %q, got %q", want, cfg.Store.Path)
	}
}

func TestDefaultMatchesEmptyFile(t *testing.T) {
	cfg := Default()
	parsed, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis != parsed.Analysis || cfg.Quotas != parsed.Quotas || cfg.Store != parsed.Store {
		t.Errorf("Default() differs from parsed empty config")
	}
}

func TestAppAuthInferred(t *testing.T) {
	yaml := `
github:
  app_id: "12345"
  installation_id: "678"
  private_key_path: /path/to/key.pem
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitHub.Auth != "app" {
		t.Errorf("expected auth 'app', got %q", cfg.GitHub.Auth)
	}
	appID, instID, err := cfg.GitHub.AppIDs()
	if err != nil {
		t.Fatalf("AppIDs failed: %v", err)
	}
	if appID != 12345 || instID != 678 {
		t.Errorf("unexpected ids %d/%d", appID, instID)
	}
}

func TestAppAuthValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing key",
			yaml: `
github:
  auth: app
  app_id: "1"
  installation_id: "2"
`,
		},
		{
			name: "bad app id",
			yaml: `
github:
  auth: app
  app_id: abc
  installation_id: "2"
  private_key: key
`,
		},
		{
			name: "unknown auth",
			yaml: `
github:
  auth: oauth
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("DUPES_TEST_TOKEN", "ghp_from_env")

	yaml := `
github:
  token: ${DUPES_TEST_TOKEN}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitHub.Token != "ghp_from_env" {
		t.Errorf("expected expanded token, got %q", cfg.GitHub.Token)
	}
}

func TestEnvVarMissing(t *testing.T) {
	os.Unsetenv("DUPES_NONEXISTENT_VAR_12345")

	yaml := `
github:
  token: ${DUPES_NONEXISTENT_VAR_12345}
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for missing env var, got nil")
	}
	if got := err.Error(); got != "missing required environment variables: DUPES_NONEXISTENT_VAR_12345" {
		t.Errorf("unexpected error message: %s", got)
	}
}

func TestValidationInvalidThreshold(t *testing.T) {
	for _, v := range []string{"1.5", "-0.1"} {
		yaml := "analysis:\n  similarity_threshold: " + v + "\n"
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("expected validation error for threshold %s, got nil", v)
		}
	}
}

func TestValidationInvalidDuration(t *testing.T) {
	tests := []string{
		"analysis:\n  stale_after: invalid\n",
		"analysis:\n  max_duration: -5m\n",
		"analysis:\n  worker_interval: 0s\n",
		"quotas:\n  github:\n    window: soon\n",
	}
	for _, yaml := range tests {
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("expected validation error for %q, got nil", yaml)
		}
	}
}

func TestValidationPageSize(t *testing.T) {
	if _, err := Parse([]byte("analysis:\n  page_size: 250\n")); err == nil {
		t.Error("expected validation error for page_size above 100")
	}
	if _, err := Parse([]byte("analysis:\n  batch_size: -1\n")); err == nil {
		t.Error("expected validation error for negative batch_size")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"tilde prefix", "~/.dupes/dupes.db", home + "/.dupes/dupes.db"},
		{"tilde only", "~", home},
		{"absolute path unchanged", "/tmp/dupes.db", "/tmp/dupes.db"},
		{"relative path unchanged", "data/dupes.db", "data/dupes.db"},
		{"tilde in middle unchanged", "/some/~/path", "/some/~/path"},
		{"tilde user unchanged", "~bob/db", "~bob/db"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := expandTilde(tc.input)
			if result != tc.expected {
				t.Errorf("expandTilde(%q) = %q, want %q", tc.input, result, tc.expected)
			}
		})
	}
}

func TestValidationProviderTypes(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"openai", "providers:\n  embedding:\n    type: openai\n  llm:\n    type: openai\n", false},
		{"ollama", "providers:\n  embedding:\n    type: ollama\n  llm:\n    type: ollama\n", false},
		{"anthropic llm", "providers:\n  llm:\n    type: anthropic\n", false},
		{"no llm", "providers:\n  embedding:\n    type: openai\n", false},
		{"bad embedding case", "providers:\n  embedding:\n    type: OpenAI\n", true},
		{"anthropic cannot embed", "providers:\n  embedding:\n    type: anthropic\n", true},
		{"bad llm", "providers:\n  llm:\n    type: openAI\n", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("analysis:\n  workers: 3\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Analysis.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Analysis.Workers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
