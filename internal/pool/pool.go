// Package pool manages a bounded set of Workers, grounded on the teacher's
// internal/orchestrator/worker.go WorkerPool (SpawnWorker, ActiveCount,
// GetWorkers, StopWorker) but reworked from "spawn a goroutine per task and
// discard it" into a reusable fleet of state-machine Workers sized between
// minWorkers and maxWorkers, recovered from StatePort on restart.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/orcloop/internal/events"
	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/prompt"
	"github.com/randalmurphal/orcloop/internal/task"
	"github.com/randalmurphal/orcloop/internal/worker"
	"github.com/randalmurphal/orcloop/internal/workspace"
)

// Config bounds the pool's size and recovery behavior.
type Config struct {
	MinWorkers              int
	MaxWorkers              int
	WorkerRecoveryTimeout   time.Duration
	IdleTimeout             time.Duration
	MinPersistentWorkers    int
	DeveloperType           string
}

// Status summarizes the pool for health checks.
type Status struct {
	Counts  map[worker.Status]int
	Workers []ports.WorkerRecord
}

// Pool holds a bounded fleet of Workers, each wired to the same workspace
// manager, prompt builder, developer runner, and state store.
type Pool struct {
	cfg Config

	mgr       *workspace.Manager
	builder   *prompt.Builder
	dev       ports.DeveloperPort
	state     ports.StatePort
	publisher events.Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker.Worker
	sem     *semaphore.Weighted
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a Pool. The developer runner is shared by every worker the
// pool creates; concrete deployments use one external agent CLI per pool.
func New(cfg Config, mgr *workspace.Manager, builder *prompt.Builder, dev ports.DeveloperPort, state ports.StatePort, pub events.Publisher, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg,
		mgr:       mgr,
		builder:   builder,
		dev:       dev,
		state:     state,
		publisher: pub,
		logger:    slog.Default(),
		workers:   make(map[string]*worker.Worker),
		sem:       semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize restores workers from StatePort and tops the pool up to
// MinWorkers. Idempotent: calling it again after workers already exist
// only adds more if the pool is still below MinWorkers.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.state.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	for _, rec := range records {
		if _, exists := p.workers[rec.WorkerID]; exists {
			continue
		}
		w := worker.RestoreFromRecord(rec, p.mgr, p.builder, p.dev, p.state, p.publisher)
		p.workers[rec.WorkerID] = w
		if !p.sem.TryAcquire(1) {
			p.logger.Warn("restored worker exceeds max capacity", "worker_id", rec.WorkerID)
		}
	}

	for len(p.workers) < p.cfg.MinWorkers {
		if _, err := p.createLocked(ctx); err != nil {
			return fmt.Errorf("top up pool to minWorkers: %w", err)
		}
	}
	return nil
}

// createLocked creates and persists a new IDLE worker. Caller must hold p.mu.
func (p *Pool) createLocked(ctx context.Context) (*worker.Worker, error) {
	if !p.sem.TryAcquire(1) {
		return nil, orcerrors.New(orcerrors.CodeNotAvailable, "pool at maxWorkers capacity")
	}
	id := "worker-" + uuid.New().String()
	w := worker.New(id, p.cfg.DeveloperType, p.mgr, p.builder, p.dev, p.state, p.publisher)
	if err := p.state.PutWorker(ctx, w.Snapshot()); err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("persist new worker %s: %w", id, err)
	}
	p.workers[id] = w
	return w, nil
}

// GetAvailableWorker returns any IDLE worker, lazily creating one if the
// pool has capacity and none is idle. Returns nil, nil if the pool is at
// capacity with no idle worker.
func (p *Pool) GetAvailableWorker(ctx context.Context) (*worker.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.Status() == worker.StatusIdle {
			return w, nil
		}
	}
	if len(p.workers) >= p.cfg.MaxWorkers {
		return nil, nil
	}
	return p.createLocked(ctx)
}

// GetWorkerByTaskID returns the single worker bound to taskID, if any.
func (p *Pool) GetWorkerByTaskID(taskID string) (*worker.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.CurrentTaskID() == taskID {
			return w, true
		}
	}
	return nil, false
}

// AssignWorkerTask assigns t to the worker identified by workerID.
func (p *Pool) AssignWorkerTask(ctx context.Context, workerID string, t *task.Task) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return orcerrors.New(orcerrors.CodeNotAvailable, fmt.Sprintf("worker %s not found", workerID))
	}
	return w.AssignTask(ctx, t)
}

// ReleaseWorker cancels a worker's current execution and returns it to IDLE.
func (p *Pool) ReleaseWorker(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return orcerrors.New(orcerrors.CodeNotAvailable, fmt.Sprintf("worker %s not found", workerID))
	}
	return w.CancelExecution(ctx)
}

// RecoverStoppedWorkers pushes STOPPED workers idle past the full recovery
// timeout back to WAITING. Workers that fail to resume are dropped and
// replaced to preserve MinWorkers.
func (p *Pool) RecoverStoppedWorkers(ctx context.Context) {
	p.recover(ctx, worker.StatusStopped, p.cfg.WorkerRecoveryTimeout)
}

// RecoverErrorWorkers pushes ERROR workers idle past half the recovery
// timeout back to WAITING.
func (p *Pool) RecoverErrorWorkers(ctx context.Context) {
	p.recover(ctx, worker.StatusError, p.cfg.WorkerRecoveryTimeout/2)
}

func (p *Pool) recover(ctx context.Context, status worker.Status, threshold time.Duration) {
	p.mu.Lock()
	candidates := make([]*worker.Worker, 0)
	for _, w := range p.workers {
		if w.Status() == status && time.Since(w.LastActiveAt()) >= threshold {
			candidates = append(candidates, w)
		}
	}
	p.mu.Unlock()

	for _, w := range candidates {
		if err := w.Resume(ctx); err != nil {
			p.logger.Warn("worker failed to recover, dropping and replacing",
				"worker_id", w.ID(), "status", status, "error", err)
			p.dropAndReplace(ctx, w.ID())
			continue
		}
		// Kick the recovered worker's task again; its bound action was
		// rewritten to RESUME_TASK where applicable.
		go func(w *worker.Worker) {
			if _, err := w.StartExecution(context.Background()); err != nil {
				p.logger.Warn("recovered worker failed to restart", "worker_id", w.ID(), "error", err)
			}
		}(w)
	}
}

func (p *Pool) dropAndReplace(ctx context.Context, workerID string) {
	p.mu.Lock()
	delete(p.workers, workerID)
	p.sem.Release(1)
	needReplace := len(p.workers) < p.cfg.MinWorkers
	p.mu.Unlock()

	if err := p.state.DeleteWorker(ctx, workerID); err != nil {
		p.logger.Warn("delete unrecoverable worker record failed", "worker_id", workerID, "error", err)
	}
	if !needReplace {
		return
	}
	p.mu.Lock()
	_, err := p.createLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("failed to replace dropped worker", "error", err)
	}
}

// ScaleDownIdleWorkers removes IDLE workers whose last activity is older
// than IdleTimeout, never shrinking below MinPersistentWorkers or MinWorkers.
// A no-op when no idle timeout is configured.
func (p *Pool) ScaleDownIdleWorkers(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	floor := max(p.cfg.MinWorkers, p.cfg.MinPersistentWorkers)

	p.mu.Lock()
	var victims []*worker.Worker
	for _, w := range p.workers {
		if len(p.workers)-len(victims) <= floor {
			break
		}
		if w.Status() == worker.StatusIdle && time.Since(w.LastActiveAt()) >= p.cfg.IdleTimeout {
			victims = append(victims, w)
		}
	}
	for _, w := range victims {
		delete(p.workers, w.ID())
		p.sem.Release(1)
	}
	p.mu.Unlock()

	for _, w := range victims {
		if err := p.state.DeleteWorker(ctx, w.ID()); err != nil {
			p.logger.Warn("delete idle worker record failed", "worker_id", w.ID(), "error", err)
		}
		p.logger.Info("idle worker scaled down", "worker_id", w.ID())
	}
}

// GetPoolStatus returns current per-status counts and per-worker snapshots.
// Invariant: the counts sum to the total worker count.
func (p *Pool) GetPoolStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[worker.Status]int{
		worker.StatusIdle:    0,
		worker.StatusWaiting: 0,
		worker.StatusWorking: 0,
		worker.StatusStopped: 0,
		worker.StatusError:   0,
	}
	records := make([]ports.WorkerRecord, 0, len(p.workers))
	for _, w := range p.workers {
		counts[w.Status()]++
		records = append(records, w.Snapshot())
	}
	return Status{Counts: counts, Workers: records}
}

// Shutdown waits for WORKING workers to finish up to deadline, then force
// stops and cleans up everything still running, clearing the pool.
func (p *Pool) Shutdown(ctx context.Context, deadline time.Duration) error {
	p.mu.Lock()
	workers := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	for _, w := range workers {
		for w.Status() == worker.StatusWorking && time.Now().Before(deadlineAt) {
			time.Sleep(50 * time.Millisecond)
		}
	}

	for _, w := range workers {
		w.PauseExecution(ctx)
	}
	if err := p.dev.Cleanup(ctx); err != nil {
		p.logger.Warn("developer cleanup during shutdown failed", "error", err)
	}

	p.mu.Lock()
	p.workers = make(map[string]*worker.Worker)
	p.mu.Unlock()
	return nil
}
