package supervisorcmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	boardjira "github.com/randalmurphal/orcloop/internal/boardprovider/jira"
	"github.com/randalmurphal/orcloop/internal/config"
	"github.com/randalmurphal/orcloop/internal/developer"
	"github.com/randalmurphal/orcloop/internal/gitrepo"
	"github.com/randalmurphal/orcloop/internal/ports"
	prgithub "github.com/randalmurphal/orcloop/internal/prprovider/github"
	prgitlab "github.com/randalmurphal/orcloop/internal/prprovider/gitlab"
	"github.com/randalmurphal/orcloop/internal/state"
	"github.com/randalmurphal/orcloop/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator until interrupted",
	Long: `Starts the planner loop and the worker pool, then blocks until SIGINT or
SIGTERM arrives. Credentials are read from the environment variables named
in the config file; none are stored on disk.`,
	RunE: runRun,
}

var runLogLevel string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(runLogLevel)
	slog.SetDefault(logger)

	st, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer func() { _ = st.Close() }()

	board, err := newBoardProvider(cfg)
	if err != nil {
		return err
	}
	prs, err := newPullRequestProvider(cfg)
	if err != nil {
		return err
	}

	runner := developer.NewRunner(cfg.Developer.Command,
		developer.WithArgs(cfg.Developer.Args...),
		developer.WithTimeout(cfg.DeveloperTimeout()),
		developer.WithLogger(logger))

	git := gitrepo.NewGit(gitrepo.WithOperationTimeout(
		time.Duration(cfg.Git.OperationTimeoutMS) * time.Millisecond))
	sup := supervisor.New(cfg, board, prs, git, runner, st,
		supervisor.WithLogger(logger))

	fmt.Printf("orcloop starting (board %s, workers %d-%d)\n",
		cfg.BoardID, cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	return sup.Run(context.Background())
}

func newBoardProvider(cfg *config.Config) (ports.ProjectBoardPort, error) {
	jc := cfg.Providers.Jira
	token := os.Getenv(jc.APITokenEnv)
	if token == "" {
		return nil, fmt.Errorf("jira API token: environment variable %s is not set", jc.APITokenEnv)
	}
	return boardjira.New(boardjira.Config{
		BaseURL:       jc.BaseURL,
		Email:         jc.Email,
		APIToken:      token,
		ProjectKey:    jc.ProjectKey,
		DefaultBranch: jc.DefaultBranch,
	})
}

func newPullRequestProvider(cfg *config.Config) (ports.PullRequestPort, error) {
	switch cfg.Providers.PullRequests {
	case "gitlab":
		token := os.Getenv(cfg.Providers.GitLab.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("gitlab token: environment variable %s is not set", cfg.Providers.GitLab.TokenEnv)
		}
		return prgitlab.New(prgitlab.Config{Token: token, BaseURL: cfg.Providers.GitLab.BaseURL})
	default:
		token := os.Getenv(cfg.Providers.GitHub.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("github token: environment variable %s is not set", cfg.Providers.GitHub.TokenEnv)
		}
		return prgithub.New(prgithub.Config{Token: token, BaseURL: cfg.Providers.GitHub.BaseURL})
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
