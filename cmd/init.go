package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/jacklau/dupes/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup for dupes configuration",
	Long:  `Creates a default configuration file with guided prompts.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the values collected by 'dupes init'.
type initAnswers struct {
	AppID          string
	InstallationID string
	KeyPath        string
	Embedding      string
	LLM            string
	SlackURL       string
	DiscordURL     string
}

// prompter asks questions on w and reads one line answers from r.
type prompter struct {
	r *bufio.Reader
	w io.Writer
}

// ask prints question and returns the trimmed answer, or def when blank.
func (p prompter) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", question)
	}
	line, _ := p.r.ReadString('\n')
	if line = strings.TrimSpace(line); line != "" {
		return line
	}
	return def
}

func (p prompter) confirm(question string) bool {
	answer := strings.ToLower(p.ask(question+" [y/N]", ""))
	return answer == "y" || answer == "yes"
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	p := prompter{r: bufio.NewReader(cmd.InOrStdin()), w: out}

	fmt.Fprintln(out, "Welcome to dupes setup!")
	fmt.Fprintln(out, "This will create a configuration file for you.")
	fmt.Fprintln(out)

	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config file already exists at %s\n", configPath)
		if !p.confirm("Overwrite?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers
	a.AppID = p.ask("GitHub App ID (or press Enter to use a personal access token)", "")
	if a.AppID != "" {
		a.InstallationID = p.ask("GitHub App installation ID", "")
		a.KeyPath = p.ask("GitHub private key path", "")
	}
	a.Embedding = p.ask("Embedding provider (openai/ollama)", "openai")
	a.LLM = p.ask("LLM provider for report summaries (openai/ollama/anthropic, or none)", "none")
	if a.LLM == "none" {
		a.LLM = ""
	}
	a.SlackURL = p.ask("Slack webhook URL (or press Enter to skip)", "")
	a.DiscordURL = p.ask("Discord webhook URL (or press Enter to skip)", "")

	content, err := buildConfigYAML(a)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	fmt.Fprintln(out, "Edit the file to add API keys and customize settings.")
	return nil
}

const configTemplate = `# dupes configuration
# ${VAR} placeholders are read from the environment.

github:
{{- if .AppID}}
  auth: app
  app_id: {{.AppID}}
  installation_id: {{or .InstallationID "YOUR_INSTALLATION_ID"}}
  private_key_path: {{or .KeyPath "/path/to/private-key.pem"}}
{{- else}}
  auth: token
  token: ${GITHUB_TOKEN}
{{- end}}

providers:
  embedding:
    type: {{.Embedding}}
{{- with embeddingDefaults .Embedding}}
    model: {{.Model}}
    api_key: {{.APIKey}}
    dimensions: {{.Dimensions}}
{{- end}}
{{- if .LLM}}
  llm:
    type: {{.LLM}}
{{- with llmDefaults .LLM}}
    model: {{.Model}}
    api_key: {{.APIKey}}
{{- end}}
{{- else}}
  # llm:
  #   type: anthropic
  #   model: claude-sonnet-4-20250514
  #   api_key: ${ANTHROPIC_API_KEY}
{{- end}}

notify:
{{- if .SlackURL}}
  slack_webhook: {{.SlackURL}}
{{- else}}
  # slack_webhook: https://hooks.slack.com/services/...
{{- end}}
{{- if .DiscordURL}}
  discord_webhook: {{.DiscordURL}}
{{- else}}
  # discord_webhook: https://discord.com/api/webhooks/...
{{- end}}
{{with .Defaults}}
analysis:
  batch_size: {{.Analysis.BatchSize}}
  max_retries: {{.Analysis.MaxRetries}}
  page_size: {{.Analysis.PageSize}}
  similarity_threshold: {{.Analysis.SimilarityThreshold}}
  stale_after: {{.Analysis.StaleAfterRaw}}
  max_duration: {{.Analysis.MaxDurationRaw}}
  stage_start_timeout: {{.Analysis.StageStartTimeoutRaw}}
  worker_interval: {{.Analysis.WorkerIntervalRaw}}
  workers: {{.Analysis.Workers}}

quotas:
  github:
    capacity: {{.Quotas.GitHub.Capacity}}
    window: {{.Quotas.GitHub.WindowRaw}}
  embedding:
    per_minute: {{.Quotas.Embedding.PerMinute}}
    per_day: {{.Quotas.Embedding.PerDay}}

store:
  path: {{$.StorePath}}
{{- end}}
`

var configTmpl = template.Must(template.New("config").Funcs(template.FuncMap{
	"embeddingDefaults": embeddingProviderDefaults,
	"llmDefaults":       llmProviderDefaults,
}).Parse(configTemplate))

// buildConfigYAML renders a commented config file for a. Tunables come
// from config.Default; the store path stays unexpanded.
func buildConfigYAML(a initAnswers) (string, error) {
	var b strings.Builder
	err := configTmpl.Execute(&b, struct {
		initAnswers
		Defaults  *config.Config
		StorePath string
	}{a, config.Default(), config.DefaultStorePath})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// providerDefaults are the suggested settings for one provider type.
type providerDefaults struct {
	Model      string
	APIKey     string
	Dimensions int
}

// embeddingProviderDefaults returns the model, api_key placeholder and
// vector size for the given embedding provider type.
func embeddingProviderDefaults(provider string) providerDefaults {
	switch provider {
	case "ollama":
		return providerDefaults{Model: "nomic-embed-text", APIKey: "# not required for ollama", Dimensions: 768}
	default: // openai
		return providerDefaults{Model: "text-embedding-3-small", APIKey: "${OPENAI_API_KEY}", Dimensions: 1536}
	}
}

// llmProviderDefaults returns the model and api_key placeholder for the
// given LLM provider type.
func llmProviderDefaults(provider string) providerDefaults {
	switch provider {
	case "anthropic":
		return providerDefaults{Model: "claude-sonnet-4-20250514", APIKey: "${ANTHROPIC_API_KEY}"}
	case "ollama":
		return providerDefaults{Model: "llama3", APIKey: "# not required for ollama"}
	default: // openai
		return providerDefaults{Model: "gpt-4o-mini", APIKey: "${OPENAI_API_KEY}"}
	}
}
