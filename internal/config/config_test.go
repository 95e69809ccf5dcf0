package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforge/internal/orchestrator"
)

func TestDefaults(t *testing.T) {
	cfg := Default("/work")

	assert.Equal(t, "/work", cfg.Repo.Path)
	assert.Equal(t, filepath.Join("/work", ".forge"), cfg.StateDir)
	assert.Equal(t, 24*time.Hour, cfg.CycleInterval)

	proposal := cfg.Budgets[orchestrator.DependencyProposalAPI]
	assert.Equal(t, 15, proposal.Capacity)
	assert.Equal(t, time.Minute, proposal.Window)
	assert.Equal(t, 1, proposal.MaxConcurrent)

	publish := cfg.Budgets[orchestrator.DependencyPublishAPI]
	assert.Equal(t, 10, publish.Capacity)
	assert.Equal(t, time.Hour, publish.Window)

	assert.Equal(t, 3, cfg.Orchestrator.MaxFixAttempts)
	assert.NotEmpty(t, cfg.Safety.ProtectedFiles)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Repo.Path)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	raw := `
repo:
  url: https://github.com/acme/widget
gemini:
  model: gemini-2.5-flash
orchestrator:
  max_fix_attempts: 5
log_level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forge.yaml"), []byte(raw), 0644))
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GITHUB_TOKEN", "test-token")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/widget", cfg.Repo.URL)
	assert.Equal(t, "https://github.com/acme/widget", cfg.GitHub.RepoURL, "publisher inherits the repo URL")
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.Model)
	assert.Equal(t, 5, cfg.Orchestrator.MaxFixAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "test-key", cfg.Gemini.APIKey)
	assert.Equal(t, "test-token", cfg.GitHub.Token)
}

func TestLoadDurationsAndBudgets(t *testing.T) {
	dir := t.TempDir()
	raw := `
cycle_interval: 6h
budgets:
  proposal-api:
    capacity: 30
    window: 2m
    max_concurrent: 2
orchestrator:
  retry_backoff_base: 10s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forge.yaml"), []byte(raw), 0644))

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, 6*time.Hour, cfg.CycleInterval)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.RetryBackoffBase)

	proposal := cfg.Budgets[orchestrator.DependencyProposalAPI]
	assert.Equal(t, 30, proposal.Capacity)
	assert.Equal(t, 2*time.Minute, proposal.Window)
	assert.Equal(t, 2, proposal.MaxConcurrent)

	// Budgets not named in the file keep their defaults.
	assert.Equal(t, 10, cfg.Budgets[orchestrator.DependencyPublishAPI].Capacity)
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forge.yaml"), []byte("cycle_interval: often"), 0644))
	_, err := Load(dir, "")
	assert.ErrorContains(t, err, "cycle_interval")
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forge.yaml"), []byte("repo: ["), 0644))
	_, err := Load(dir, "")
	assert.Error(t, err)
}
