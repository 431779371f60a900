// Package supervisorcmd provides the orcloop command-line interface: a thin
// cobra wrapper over the Supervisor's initialize/start/stop/status surface.
package supervisorcmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcloop/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "orcloop",
	Short: "Autonomous software-development orchestrator",
	Long: `orcloop polls a project board for work items, dispatches each item to an
isolated git worktree where an external coding agent performs the change,
opens a pull request, processes reviewer feedback, and merges the PR when
approved. Items advance TODO -> IN_PROGRESS -> IN_REVIEW -> DONE with no
human scheduling.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		filepath.Join(config.OrcloopDir, config.ConfigFileName),
		"path to the orcloop config file")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
