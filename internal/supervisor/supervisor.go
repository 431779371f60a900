// Package supervisor owns the lifecycle of the orchestrator core: ordered
// startup (state -> git plumbing -> workspaces -> pool -> planner), ordered
// teardown (planner first, then pool, then agent process cleanup), signal
// handling, and the operator-facing status surface. Grounded on the
// teacher's internal/orchestrator Start/Stop structure and the signal
// handling in internal/cli/cmd_orchestrate.go.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/randalmurphal/orcloop/internal/config"
	"github.com/randalmurphal/orcloop/internal/events"
	"github.com/randalmurphal/orcloop/internal/gitrepo"
	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/planner"
	"github.com/randalmurphal/orcloop/internal/pool"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/prompt"
	"github.com/randalmurphal/orcloop/internal/router"
	"github.com/randalmurphal/orcloop/internal/workspace"
)

// SystemStatus is the health-check snapshot the Supervisor reports.
type SystemStatus struct {
	Running bool           `json:"running"`
	Planner planner.Status `json:"planner"`
	Pool    pool.Status    `json:"pool"`
}

// Supervisor wires the core components together and drives their lifecycle.
type Supervisor struct {
	cfg       *config.Config
	board     ports.ProjectBoardPort
	prs       ports.PullRequestPort
	git       ports.GitPort
	developer ports.DeveloperPort
	state     ports.StatePort
	publisher events.Publisher
	logger    *slog.Logger

	pool    *pool.Pool
	router  *router.Router
	planner *planner.Planner

	mu          sync.Mutex
	initialized bool
	running     bool
	stopOnce    sync.Once

	hkCancel context.CancelFunc
	hkWG     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger, propagated to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithPublisher sets the event publisher shared by every component.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Supervisor) { s.publisher = pub }
}

// New composes the core from its injected ports. Construction only wires;
// call Initialize before Start.
func New(cfg *config.Config, board ports.ProjectBoardPort, prs ports.PullRequestPort, git ports.GitPort, developer ports.DeveloperPort, st ports.StatePort, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		board:     board,
		prs:       prs,
		git:       git,
		developer: developer,
		state:     st,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = events.NewMemoryPublisher()
	}

	lock := gitrepo.NewLock()
	cache := gitrepo.NewCache(git, lock, cfg.RepositoryRoot,
		gitrepo.WithFetchTimeout(cfg.RepositoryCacheTimeout()),
		gitrepo.WithCloneDepth(cfg.Git.CloneDepth))
	mgr := workspace.NewManager(cfg.WorkspaceRoot, cache, lock, git, st,
		workspace.WithBoard(board),
		workspace.WithLogger(s.logger))
	builder := prompt.NewBuilder()

	s.pool = pool.New(pool.Config{
		MinWorkers:            cfg.Pool.MinWorkers,
		MaxWorkers:            cfg.Pool.MaxWorkers,
		WorkerRecoveryTimeout: cfg.WorkerRecoveryTimeout(),
		IdleTimeout:           time.Duration(cfg.Pool.IdleTimeoutMinutes) * time.Minute,
		MinPersistentWorkers:  cfg.Pool.MinPersistentWorkers,
		DeveloperType:         cfg.Developer.Type,
	}, mgr, builder, developer, st, s.publisher, pool.WithLogger(s.logger))

	s.router = router.New(s.pool,
		router.WithDefaultRepositoryID(cfg.DefaultRepository),
		router.WithLogger(s.logger))

	s.planner = planner.New(planner.Config{
		BoardID:            cfg.BoardID,
		MonitoringInterval: cfg.MonitoringInterval(),
		CycleTimeout:       cfg.CycleTimeout(),
		MaxRetryAttempts:   cfg.Planner.MaxRetryAttempts,
		ErrorLogSize:       cfg.Planner.ErrorLogSize,
	}, board, prs, s.router, st,
		planner.WithLogger(s.logger),
		planner.WithPublisher(s.publisher),
		planner.WithRepositoryFilter(cfg.RepositoryAllowed),
		planner.WithWorkerReleaser(func(ctx context.Context, taskID string) error {
			w, ok := s.pool.GetWorkerByTaskID(taskID)
			if !ok {
				return nil
			}
			return s.pool.ReleaseWorker(ctx, w.ID())
		}))

	return s
}

// Initialize validates configuration, probes the developer agent, and
// restores the worker pool. Fatal errors here mean the process should exit.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return orcerrors.Wrap(orcerrors.CodeInitializationFailed, "invalid configuration", err)
	}
	if err := s.developer.Initialize(ctx); err != nil {
		return orcerrors.Wrap(orcerrors.CodeInitializationFailed, "initialize developer agent", err)
	}
	if !s.developer.IsAvailable(ctx) {
		return orcerrors.New(orcerrors.CodeInitializationFailed,
			fmt.Sprintf("developer agent %q is not available", s.cfg.Developer.Command))
	}
	s.developer.SetTimeout(s.cfg.DeveloperTimeout())

	if err := s.pool.Initialize(ctx); err != nil {
		return orcerrors.Wrap(orcerrors.CodeInitializationFailed, "initialize worker pool", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.logger.Info("supervisor initialized",
		"board_id", s.cfg.BoardID,
		"min_workers", s.cfg.Pool.MinWorkers,
		"max_workers", s.cfg.Pool.MaxWorkers)
	return nil
}

// Start begins the planner loop. Initialize must have succeeded first.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable, "supervisor not initialized")
	}
	if s.running {
		s.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable, "supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.planner.Start(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start planner: %w", err)
	}

	hkCtx, cancel := context.WithCancel(ctx)
	s.hkCancel = cancel
	s.hkWG.Add(1)
	go s.housekeeping(hkCtx)
	return nil
}

// housekeeping periodically sweeps the pool for STOPPED and ERROR workers
// whose recovery window has elapsed. The sweep interval is a quarter of the
// recovery timeout so ERROR workers (half timeout) are caught promptly.
func (s *Supervisor) housekeeping(ctx context.Context) {
	defer s.hkWG.Done()

	interval := s.cfg.WorkerRecoveryTimeout() / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pool.RecoverStoppedWorkers(ctx)
			s.pool.RecoverErrorWorkers(ctx)
			s.pool.ScaleDownIdleWorkers(ctx)
		}
	}
}

// Stop tears the system down in order: planner first, then the worker pool
// (with its shutdown grace period), then any live agent processes. Errors
// during shutdown are logged and shutdown continues. Safe to call more than
// once; only the first call acts.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.logger.Info("supervisor stopping")
		s.planner.Stop()

		if s.hkCancel != nil {
			s.hkCancel()
			s.hkWG.Wait()
		}

		if err := s.pool.Shutdown(ctx, s.cfg.ShutdownGracePeriod()); err != nil {
			s.logger.Warn("worker pool shutdown", "error", err)
		}
		if err := s.developer.Cleanup(ctx); err != nil {
			s.logger.Warn("developer cleanup", "error", err)
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("supervisor stopped")
	})
}

// Run initializes, starts, and blocks until the context is cancelled or a
// termination signal arrives, then stops exactly once.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("termination signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	s.Stop(context.Background())
	return nil
}

// HandleTaskRequest is the operator entry point for on-demand dispatch.
func (s *Supervisor) HandleTaskRequest(ctx context.Context, req router.Request) (*router.Response, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return &router.Response{Status: router.StatusRejected, Message: "not initialized"}, nil
	}
	return s.router.Handle(ctx, req)
}

// ForceSync runs one planner cycle synchronously.
func (s *Supervisor) ForceSync(ctx context.Context) {
	s.planner.ForceSync(ctx)
}

// GetStatus reports the running flag plus planner and pool snapshots.
func (s *Supervisor) GetStatus() SystemStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SystemStatus{
		Running: running,
		Planner: s.planner.Status(),
		Pool:    s.pool.GetPoolStatus(),
	}
}
