package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Pool.MaxWorkers)
	require.Equal(t, "claude", cfg.Developer.Command)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
board_id: BOARD-1
repositories:
  - acme/*
pool:
  min_workers: 2
  max_workers: 8
  worker_recovery_timeout_ms: 300000
  idle_timeout_minutes: 30
  min_persistent_workers: 1
  shutdown_grace_period_ms: 30000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "BOARD-1", cfg.BoardID)
	require.Equal(t, 8, cfg.Pool.MaxWorkers)
	// Untouched sections keep their defaults.
	require.Equal(t, 30_000, cfg.Planner.MonitoringIntervalMS)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), OrcloopDir, ConfigFileName)
	cfg := Default()
	cfg.BoardID = "BOARD-7"
	cfg.Repositories = []string{"acme/svc"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing board", func(c *Config) { c.BoardID = "" }, "board_id"},
		{"min exceeds max", func(c *Config) { c.Pool.MinWorkers = 9 }, "min_workers"},
		{"no developer command", func(c *Config) { c.Developer.Command = "" }, "developer.command"},
		{"bad repo pattern", func(c *Config) { c.Repositories = []string{"acme/[svc"} }, "pattern"},
		{"unknown pr provider", func(c *Config) { c.Providers.PullRequests = "gitea" }, "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.BoardID = "BOARD-1"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRepositoryAllowed(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.RepositoryAllowed("anyone/anything"), "empty allow-list permits all")

	cfg.Repositories = []string{"acme/*", "infra/tooling"}
	require.True(t, cfg.RepositoryAllowed("acme/svc"))
	require.True(t, cfg.RepositoryAllowed("infra/tooling"))
	require.False(t, cfg.RepositoryAllowed("infra/other"))
	require.False(t, cfg.RepositoryAllowed("evil/acme"))
}
