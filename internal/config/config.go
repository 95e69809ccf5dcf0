// Package config loads the autoforge configuration: YAML file with
// defaults, environment variables overriding secrets. Durations in the
// file are strings ("1m", "24h") parsed at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"autoforge/internal/collab"
	"autoforge/internal/orchestrator"
	"autoforge/internal/ratelimit"
	"autoforge/internal/safety"
)

// Config is the fully parsed autoforge configuration.
type Config struct {
	// Repository under improvement.
	Repo RepoConfig

	// Gemini collaborator settings.
	Gemini collab.GeminiConfig

	// GitHub publisher settings.
	GitHub collab.GitHubConfig

	// Per-dependency call budgets.
	Budgets map[string]ratelimit.Budget

	// Safety gate lists.
	Safety safety.Config

	// Orchestrator retry and fix-loop knobs.
	Orchestrator orchestrator.Config

	// Serve-mode cycle interval.
	CycleInterval time.Duration

	// State directory for the cycle ledger.
	StateDir string

	// Logging level: debug, info, warn, error.
	LogLevel string
}

// RepoConfig names the repository being improved.
type RepoConfig struct {
	// Path is the local working tree the summarizer and implementer read.
	Path string `yaml:"path"`
	// URL is the GitHub repository pull requests are opened against.
	URL string `yaml:"url"`
}

// fileConfig mirrors Config with YAML-friendly field types.
type fileConfig struct {
	Repo   RepoConfig `yaml:"repo"`
	Gemini struct {
		APIKey               string   `yaml:"api_key"`
		Model                string   `yaml:"model"`
		MaxOutputTokens      int      `yaml:"max_output_tokens"`
		TemperatureProposer  *float64 `yaml:"temperature_proposer"`
		TemperatureImplement *float64 `yaml:"temperature_implementer"`
	} `yaml:"gemini"`
	GitHub struct {
		Token   string `yaml:"token"`
		RepoURL string `yaml:"repo_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"github"`
	Budgets map[string]struct {
		Capacity      int    `yaml:"capacity"`
		Window        string `yaml:"window"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"budgets"`
	Safety       *safety.Config `yaml:"safety"`
	Orchestrator struct {
		MaxFixAttempts     int    `yaml:"max_fix_attempts"`
		MaxRetryAttempts   int    `yaml:"max_retry_attempts"`
		RetryBackoffBase   string `yaml:"retry_backoff_base"`
		RetryBackoffMax    string `yaml:"retry_backoff_max"`
		WaitForBudget      *bool  `yaml:"wait_for_budget"`
		BudgetPollInterval string `yaml:"budget_poll_interval"`
	} `yaml:"orchestrator"`
	CycleInterval string `yaml:"cycle_interval"`
	StateDir      string `yaml:"state_dir"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the stock configuration for a workspace.
func Default(workspace string) Config {
	return Config{
		Repo: RepoConfig{
			Path: workspace,
		},
		Gemini: collab.DefaultGeminiConfig(""),
		Budgets: map[string]ratelimit.Budget{
			orchestrator.DependencyProposalAPI: {Capacity: 15, Window: time.Minute, MaxConcurrent: 1},
			orchestrator.DependencyPublishAPI:  {Capacity: 10, Window: time.Hour, MaxConcurrent: 1},
		},
		Safety:        safety.DefaultConfig(),
		Orchestrator:  orchestrator.DefaultConfig(),
		CycleInterval: 24 * time.Hour,
		StateDir:      filepath.Join(workspace, ".forge"),
		LogLevel:      "info",
	}
}

// Load reads the config file when present, applies defaults for anything
// unset, and overrides secrets from the environment (GEMINI_API_KEY,
// GITHUB_TOKEN, REPO_URL).
func Load(workspace, path string) (Config, error) {
	cfg := Default(workspace)

	if path == "" {
		path = filepath.Join(workspace, "forge.yaml")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if err := merge(&cfg, &fc); err != nil {
			return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Repo.Path == "" {
		cfg.Repo.Path = workspace
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(workspace, ".forge")
	}
	if cfg.GitHub.RepoURL == "" {
		cfg.GitHub.RepoURL = cfg.Repo.URL
	}
	return cfg, nil
}

func merge(cfg *Config, fc *fileConfig) error {
	if fc.Repo.Path != "" {
		cfg.Repo.Path = fc.Repo.Path
	}
	if fc.Repo.URL != "" {
		cfg.Repo.URL = fc.Repo.URL
	}

	if fc.Gemini.APIKey != "" {
		cfg.Gemini.APIKey = fc.Gemini.APIKey
	}
	if fc.Gemini.Model != "" {
		cfg.Gemini.Model = fc.Gemini.Model
	}
	if fc.Gemini.MaxOutputTokens > 0 {
		cfg.Gemini.MaxOutputTokens = fc.Gemini.MaxOutputTokens
	}
	if fc.Gemini.TemperatureProposer != nil {
		cfg.Gemini.TemperatureProposer = *fc.Gemini.TemperatureProposer
	}
	if fc.Gemini.TemperatureImplement != nil {
		cfg.Gemini.TemperatureImplement = *fc.Gemini.TemperatureImplement
	}

	if fc.GitHub.Token != "" {
		cfg.GitHub.Token = fc.GitHub.Token
	}
	if fc.GitHub.RepoURL != "" {
		cfg.GitHub.RepoURL = fc.GitHub.RepoURL
	}
	if fc.GitHub.Timeout != "" {
		d, err := time.ParseDuration(fc.GitHub.Timeout)
		if err != nil {
			return fmt.Errorf("github.timeout: %w", err)
		}
		cfg.GitHub.Timeout = d
	}

	for name, b := range fc.Budgets {
		budget := ratelimit.Budget{Capacity: b.Capacity, MaxConcurrent: b.MaxConcurrent}
		if b.Window != "" {
			d, err := time.ParseDuration(b.Window)
			if err != nil {
				return fmt.Errorf("budgets.%s.window: %w", name, err)
			}
			budget.Window = d
		}
		cfg.Budgets[name] = budget
	}

	if fc.Safety != nil {
		cfg.Safety = *fc.Safety
	}

	if fc.Orchestrator.MaxFixAttempts > 0 {
		cfg.Orchestrator.MaxFixAttempts = fc.Orchestrator.MaxFixAttempts
	}
	if fc.Orchestrator.MaxRetryAttempts > 0 {
		cfg.Orchestrator.MaxRetryAttempts = fc.Orchestrator.MaxRetryAttempts
	}
	if fc.Orchestrator.RetryBackoffBase != "" {
		d, err := time.ParseDuration(fc.Orchestrator.RetryBackoffBase)
		if err != nil {
			return fmt.Errorf("orchestrator.retry_backoff_base: %w", err)
		}
		cfg.Orchestrator.RetryBackoffBase = d
	}
	if fc.Orchestrator.RetryBackoffMax != "" {
		d, err := time.ParseDuration(fc.Orchestrator.RetryBackoffMax)
		if err != nil {
			return fmt.Errorf("orchestrator.retry_backoff_max: %w", err)
		}
		cfg.Orchestrator.RetryBackoffMax = d
	}
	if fc.Orchestrator.WaitForBudget != nil {
		cfg.Orchestrator.WaitForBudget = *fc.Orchestrator.WaitForBudget
	}
	if fc.Orchestrator.BudgetPollInterval != "" {
		d, err := time.ParseDuration(fc.Orchestrator.BudgetPollInterval)
		if err != nil {
			return fmt.Errorf("orchestrator.budget_poll_interval: %w", err)
		}
		cfg.Orchestrator.BudgetPollInterval = d
	}

	if fc.CycleInterval != "" {
		d, err := time.ParseDuration(fc.CycleInterval)
		if err != nil {
			return fmt.Errorf("cycle_interval: %w", err)
		}
		cfg.CycleInterval = d
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("REPO_URL"); v != "" {
		cfg.Repo.URL = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
