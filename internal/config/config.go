// Package config provides configuration management for orcloop. Configuration
// lives in a YAML file under the .orcloop directory; credentials are referred
// to by environment-variable name and are never stored in the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// OrcloopDir is the orcloop configuration directory.
	OrcloopDir = ".orcloop"
)

// PlannerConfig controls the reconciliation loop.
type PlannerConfig struct {
	// MonitoringIntervalMS is the time between reconciliation cycles.
	MonitoringIntervalMS int `yaml:"monitoring_interval_ms"`

	// CycleTimeoutMS bounds a single cycle; a cycle exceeding it is abandoned
	// and the next one starts fresh.
	CycleTimeoutMS int `yaml:"cycle_timeout_ms"`

	// MaxRetryAttempts bounds per-task retries before a task is demoted to a
	// terminal failure.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// ErrorLogSize is the capacity of the planner's bounded error log.
	ErrorLogSize int `yaml:"error_log_size"`
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`

	// WorkerRecoveryTimeoutMS is the full recovery window for STOPPED
	// workers; ERROR workers recover at half of it.
	WorkerRecoveryTimeoutMS int `yaml:"worker_recovery_timeout_ms"`

	// IdleTimeoutMinutes is how long an idle worker above the persistent
	// floor is kept before it becomes eligible for teardown.
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
	MinPersistentWorkers int `yaml:"min_persistent_workers"`

	// ShutdownGracePeriodMS is how long Shutdown waits for WORKING workers
	// before force-stopping them.
	ShutdownGracePeriodMS int `yaml:"shutdown_grace_period_ms"`
}

// DeveloperConfig describes the external coding-agent CLI.
type DeveloperConfig struct {
	// Command is the agent CLI binary, resolved via PATH.
	Command string `yaml:"command"`

	// Args are fixed arguments passed on every invocation.
	Args []string `yaml:"args,omitempty"`

	// Type labels the agent for worker records (e.g. "claude").
	Type string `yaml:"type"`

	TimeoutMS int `yaml:"timeout_ms"`
}

// GitConfig controls repository plumbing.
type GitConfig struct {
	OperationTimeoutMS       int `yaml:"operation_timeout_ms"`
	CloneDepth               int `yaml:"clone_depth"`
	RepositoryCacheTimeoutMS int `yaml:"repository_cache_timeout_ms"`
}

// JiraConfig configures the Jira board provider. APIToken is read from the
// environment variable named by APITokenEnv.
type JiraConfig struct {
	BaseURL       string `yaml:"base_url"`
	Email         string `yaml:"email"`
	APITokenEnv   string `yaml:"api_token_env"`
	ProjectKey    string `yaml:"project_key"`
	DefaultBranch string `yaml:"default_branch"`

	// StatusNames maps the lifecycle statuses to this project's Jira status
	// names; the defaults match a standard software board.
	StatusNames map[string]string `yaml:"status_names,omitempty"`
}

// GitHubConfig configures the GitHub pull-request provider.
type GitHubConfig struct {
	TokenEnv string `yaml:"token_env"`
	BaseURL  string `yaml:"base_url,omitempty"` // GitHub Enterprise
}

// GitLabConfig configures the GitLab pull-request provider.
type GitLabConfig struct {
	TokenEnv string `yaml:"token_env"`
	BaseURL  string `yaml:"base_url,omitempty"` // self-hosted GitLab
}

// ProvidersConfig selects and configures the external providers.
type ProvidersConfig struct {
	// PullRequests selects the PR provider: "github" or "gitlab".
	PullRequests string `yaml:"pull_requests"`

	Jira   JiraConfig   `yaml:"jira"`
	GitHub GitHubConfig `yaml:"github"`
	GitLab GitLabConfig `yaml:"gitlab"`
}

// Config is the root orcloop configuration.
type Config struct {
	// BoardID identifies the project board the planner polls.
	BoardID string `yaml:"board_id"`

	// Repositories is the allow-list of "owner/repo" glob patterns the
	// orchestrator may touch; an item targeting any other repository is
	// skipped. Empty means allow everything.
	Repositories []string `yaml:"repositories,omitempty"`

	// DefaultRepository is the fallback repository id when neither the board
	// item nor a PR URL identifies one.
	DefaultRepository string `yaml:"default_repository,omitempty"`

	// WorkspaceRoot is where per-task workspaces are created.
	WorkspaceRoot string `yaml:"workspace_root"`

	// RepositoryRoot is where repository base clones live.
	RepositoryRoot string `yaml:"repository_root"`

	// StatePath is the SQLite state database file.
	StatePath string `yaml:"state_path"`

	Planner   PlannerConfig   `yaml:"planner"`
	Pool      PoolConfig      `yaml:"pool"`
	Developer DeveloperConfig `yaml:"developer"`
	Git       GitConfig       `yaml:"git"`
	Providers ProvidersConfig `yaml:"providers"`
}

// Default returns the default configuration rooted at .orcloop.
func Default() *Config {
	return &Config{
		WorkspaceRoot:  filepath.Join(OrcloopDir, "workspaces"),
		RepositoryRoot: filepath.Join(OrcloopDir, "repos"),
		StatePath:      filepath.Join(OrcloopDir, "state.db"),
		Planner: PlannerConfig{
			MonitoringIntervalMS: 30_000,
			CycleTimeoutMS:       120_000,
			MaxRetryAttempts:     3,
			ErrorLogSize:         64,
		},
		Pool: PoolConfig{
			MinWorkers:              1,
			MaxWorkers:              4,
			WorkerRecoveryTimeoutMS: 300_000,
			IdleTimeoutMinutes:      30,
			MinPersistentWorkers:    1,
			ShutdownGracePeriodMS:   30_000,
		},
		Developer: DeveloperConfig{
			Command:   "claude",
			Type:      "claude",
			TimeoutMS: 600_000,
		},
		Git: GitConfig{
			OperationTimeoutMS:       120_000,
			CloneDepth:               1,
			RepositoryCacheTimeoutMS: 1_800_000,
		},
		Providers: ProvidersConfig{
			PullRequests: "github",
			Jira: JiraConfig{
				APITokenEnv:   "JIRA_API_TOKEN",
				DefaultBranch: "main",
			},
			GitHub: GitHubConfig{TokenEnv: "GITHUB_TOKEN"},
			GitLab: GitLabConfig{TokenEnv: "GITLAB_TOKEN"},
		},
	}
}

// Load reads the config file at path, applying defaults for anything the
// file does not set. A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromDir loads <dir>/.orcloop/config.yaml.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, OrcloopDir, ConfigFileName))
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the invariants a running system depends on.
func (c *Config) Validate() error {
	if c.BoardID == "" {
		return fmt.Errorf("board_id is required")
	}
	if c.Pool.MinWorkers < 0 || c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool bounds invalid: min=%d max=%d", c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool min_workers %d exceeds max_workers %d", c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if c.Developer.Command == "" {
		return fmt.Errorf("developer.command is required")
	}
	for _, pattern := range c.Repositories {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid repository pattern %q", pattern)
		}
	}
	switch c.Providers.PullRequests {
	case "", "github", "gitlab":
	default:
		return fmt.Errorf("unknown pull-request provider %q", c.Providers.PullRequests)
	}
	return nil
}

// RepositoryAllowed reports whether repositoryID matches the allow-list.
// An empty allow-list permits every repository.
func (c *Config) RepositoryAllowed(repositoryID string) bool {
	if len(c.Repositories) == 0 {
		return true
	}
	for _, pattern := range c.Repositories {
		if ok, err := doublestar.Match(pattern, repositoryID); err == nil && ok {
			return true
		}
	}
	return false
}

// MonitoringInterval returns the planner poll interval as a Duration.
func (c *Config) MonitoringInterval() time.Duration {
	return time.Duration(c.Planner.MonitoringIntervalMS) * time.Millisecond
}

// CycleTimeout returns the per-cycle deadline as a Duration.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Planner.CycleTimeoutMS) * time.Millisecond
}

// WorkerRecoveryTimeout returns the pool recovery window as a Duration.
func (c *Config) WorkerRecoveryTimeout() time.Duration {
	return time.Duration(c.Pool.WorkerRecoveryTimeoutMS) * time.Millisecond
}

// ShutdownGracePeriod returns the pool shutdown deadline as a Duration.
func (c *Config) ShutdownGracePeriod() time.Duration {
	return time.Duration(c.Pool.ShutdownGracePeriodMS) * time.Millisecond
}

// DeveloperTimeout returns the agent execution timeout as a Duration.
func (c *Config) DeveloperTimeout() time.Duration {
	return time.Duration(c.Developer.TimeoutMS) * time.Millisecond
}

// RepositoryCacheTimeout returns the fetch-staleness window as a Duration.
func (c *Config) RepositoryCacheTimeout() time.Duration {
	return time.Duration(c.Git.RepositoryCacheTimeoutMS) * time.Millisecond
}
