// Package worker implements the per-task state machine that prepares a
// workspace, invokes the external coding agent, parses its output, and
// drives a task toward a terminal state, grounded on the teacher's
// internal/orchestrator/worker.go (phase loop, process-group teardown) but
// re-architected into a reusable, bounded state machine per spec's
// {IDLE, WAITING, WORKING, STOPPED, ERROR} lifecycle instead of the
// teacher's one-shot spawn-and-discard worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/orcloop/internal/events"
	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/parser"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/prompt"
	"github.com/randalmurphal/orcloop/internal/task"
	"github.com/randalmurphal/orcloop/internal/workspace"
)

// Status is a Worker's position in its state machine.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusWaiting Status = "WAITING"
	StatusWorking Status = "WORKING"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// ResultStatus summarizes the outcome of one StartExecution call.
type ResultStatus string

const (
	ResultWaitingForReview ResultStatus = "waiting_for_review"
	ResultCompleted        ResultStatus = "completed"
	ResultError            ResultStatus = "error"
)

// Result is the outcome a Worker reports back to its caller (the TaskRouter)
// after StartExecution returns.
type Result struct {
	Status         ResultStatus
	PullRequestURL string
	CommitHash     string
	Err            error
}

// Worker is a reusable, per-task-at-a-time executor: one workspace, one
// developer-agent invocation at a time, bound to at most one task.
type Worker struct {
	id            string
	developerType string

	workspaceMgr  *workspace.Manager
	promptBuilder *prompt.Builder
	developer     ports.DeveloperPort
	state         ports.StatePort
	publisher     events.Publisher
	logger        *slog.Logger

	mu             sync.Mutex
	status         Status
	prevStatus     Status // status recorded before a pause, for diagnostics
	currentTask    *task.Task
	workspaceDir   string
	createdAt      time.Time
	lastActiveAt   time.Time
	progressSummary prompt.ProgressSummary
}

// New creates an IDLE Worker bound to no task.
func New(id, developerType string, mgr *workspace.Manager, builder *prompt.Builder, dev ports.DeveloperPort, state ports.StatePort, pub events.Publisher) *Worker {
	now := time.Now()
	return &Worker{
		id:            id,
		developerType: developerType,
		workspaceMgr:  mgr,
		promptBuilder: builder,
		developer:     dev,
		state:         state,
		publisher:     pub,
		logger:        slog.Default(),
		status:        StatusIdle,
		createdAt:     now,
		lastActiveAt:  now,
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Status returns the worker's current state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// CurrentTaskID returns the bound task id, or "" if unbound.
func (w *Worker) CurrentTaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == nil {
		return ""
	}
	return w.currentTask.TaskID
}

// CurrentTask returns a copy of the bound task, or nil if unbound.
func (w *Worker) CurrentTask() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == nil {
		return nil
	}
	t := *w.currentTask
	return &t
}

// LastActiveAt returns the last time this worker's status changed.
func (w *Worker) LastActiveAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActiveAt
}

// Snapshot returns the durable record form of this worker for StatePort.
func (w *Worker) Snapshot() ports.WorkerRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := ports.WorkerRecord{
		WorkerID:      w.id,
		WorkspaceDir:  w.workspaceDir,
		DeveloperType: w.developerType,
		Status:        string(w.status),
		CreatedAt:     w.createdAt,
		LastActiveAt:  w.lastActiveAt,
	}
	if w.currentTask != nil {
		rec.CurrentTaskID = w.currentTask.TaskID
	}
	return rec
}

func (w *Worker) persist(ctx context.Context) error {
	return w.state.PutWorker(ctx, w.Snapshot())
}

func (w *Worker) publish(kind events.Kind, data any) {
	if w.publisher == nil {
		return
	}
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.TaskID
	}
	w.publisher.Publish(events.New(kind, taskID, data, time.Now()))
}

// AssignTask binds t to this worker and transitions IDLE -> WAITING.
// Re-assignment to a new action on the same task id while already WAITING
// is allowed (e.g. START_NEW_TASK followed later by PROCESS_FEEDBACK).
// Assignment is rejected while WORKING. On any failure the worker's prior
// status and task binding are restored.
func (w *Worker) AssignTask(ctx context.Context, t *task.Task) error {
	w.mu.Lock()
	if w.status == StatusWorking {
		w.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable, fmt.Sprintf("worker %s is WORKING", w.id))
	}
	if w.status == StatusWaiting && w.currentTask != nil && w.currentTask.TaskID != t.TaskID {
		w.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable,
			fmt.Sprintf("worker %s already bound to task %s", w.id, w.currentTask.TaskID))
	}

	prevStatus, prevTask := w.status, w.currentTask
	w.status = StatusWaiting
	w.currentTask = t
	w.lastActiveAt = time.Now()
	w.mu.Unlock()

	if err := w.persist(ctx); err != nil {
		w.mu.Lock()
		w.status, w.currentTask = prevStatus, prevTask
		w.mu.Unlock()
		return fmt.Errorf("persist worker %s after assignment: %w", w.id, err)
	}

	w.publish(events.KindTaskAssigned, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusWaiting)})
	return nil
}

// StartExecution runs the bound task's agent invocation end to end: prepare
// workspace, build prompt, run the agent, parse output, and transition the
// worker according to spec.md §4.7's WORKING-exit rules.
func (w *Worker) StartExecution(ctx context.Context) (*Result, error) {
	w.mu.Lock()
	if w.status != StatusWaiting {
		status := w.status
		w.mu.Unlock()
		return nil, orcerrors.New(orcerrors.CodeNotAvailable,
			fmt.Sprintf("worker %s is not WAITING (got %s)", w.id, status))
	}
	t := w.currentTask
	w.status = StatusWorking
	w.lastActiveAt = time.Now()
	w.mu.Unlock()
	_ = w.persist(ctx)
	w.publish(events.KindWorkerStatus, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusWorking)})

	result, execErr := w.execute(ctx, t)

	w.mu.Lock()
	w.lastActiveAt = time.Now()
	w.workspaceDir = w.resolveWorkspaceDir(ctx, t.TaskID)

	// Each branch releases w.mu before persist, which snapshots under w.mu.
	switch {
	case execErr != nil:
		w.status = StatusError
		t.LastError = execErr.Error()
		w.mu.Unlock()
		_ = w.persist(ctx)
		w.publish(events.KindError, events.ErrorData{Phase: "execute", Message: execErr.Error()})
		return &Result{Status: ResultError, Err: execErr}, nil

	case t.Action == task.ActionMergeRequest && result.Status == ResultCompleted:
		w.status = StatusIdle
		w.currentTask = nil
		w.mu.Unlock()
		_ = w.persist(ctx)
		if err := w.workspaceMgr.CleanupWorkspace(ctx, t.TaskID); err != nil {
			w.logger.Warn("cleanup workspace after merge failed", "task_id", t.TaskID, "error", err)
		}
		w.publish(events.KindMerged, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusIdle)})
		return result, nil

	default:
		// Agent succeeded but the task is not yet terminal (new PR, resumed
		// work, or feedback addressed): stay WAITING, keep the task bound so
		// a subsequent PROCESS_FEEDBACK can reuse this prepared workspace.
		w.status = StatusWaiting
		w.mu.Unlock()
		_ = w.persist(ctx)
		w.publish(events.KindWorkerStatus, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusWaiting)})
		return result, nil
	}
}

func (w *Worker) resolveWorkspaceDir(ctx context.Context, taskID string) string {
	info, ok, err := w.workspaceMgr.GetWorkspaceInfo(ctx, taskID)
	if err != nil || !ok {
		return w.workspaceDir
	}
	return info.WorkspaceDir
}

// execute performs the actual prepare/build/run/parse pipeline. It does not
// mutate w.status; StartExecution applies the transition based on the
// returned Result and error.
func (w *Worker) execute(ctx context.Context, t *task.Task) (*Result, error) {
	if t.Action == task.ActionMergeRequest {
		return w.executeMerge(ctx, t)
	}

	info, err := w.workspaceMgr.CreateWorkspace(ctx, t.TaskID, t.RepositoryID, t.BoardItem)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	baseBranch := w.workspaceMgr.ResolveBaseBranch(ctx, t.RepositoryID, t.BoardItem)
	if err := w.workspaceMgr.SetupWorktree(ctx, info, baseBranch); err != nil {
		return nil, fmt.Errorf("setup worktree: %w", err)
	}
	if err := w.workspaceMgr.SetupInstructionFile(info, instructionOptions(t, info)); err != nil {
		return nil, fmt.Errorf("setup instruction file: %w", err)
	}

	promptText, err := w.promptBuilder.Build(t.Action, t, info, t.ReviewComments, w.progressSummary)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	execResult, err := w.developer.Execute(ctx, promptText, info.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	parsed := parser.Parse(execResult.RawOutput)
	if !parsed.Success {
		return nil, orcerrors.New(orcerrors.CodeExecutionFailed, "agent reported failure")
	}

	w.mu.Lock()
	if parsed.PullRequestURL != "" {
		t.PullRequestURL = parsed.PullRequestURL
	}
	w.progressSummary = prompt.ProgressSummary(execResult.RawOutput)
	w.mu.Unlock()

	return &Result{
		Status:         ResultWaitingForReview,
		PullRequestURL: parsed.PullRequestURL,
		CommitHash:     parsed.CommitHash,
	}, nil
}

func (w *Worker) executeMerge(ctx context.Context, t *task.Task) (*Result, error) {
	info, ok, err := w.workspaceMgr.GetWorkspaceInfo(ctx, t.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	var promptWs *ports.WorkspaceInfo
	if ok {
		promptWs = info
	}

	promptText, err := w.promptBuilder.Build(t.Action, t, promptWs, nil, "")
	if err != nil {
		return nil, fmt.Errorf("build merge prompt: %w", err)
	}

	workDir := ""
	if promptWs != nil {
		workDir = promptWs.WorkspaceDir
	}
	execResult, err := w.developer.Execute(ctx, promptText, workDir)
	if err != nil {
		return nil, err
	}

	parsed := parser.Parse(execResult.RawOutput)
	if !parsed.Success {
		return nil, orcerrors.New(orcerrors.CodeExecutionFailed, "agent reported merge failure")
	}

	return &Result{Status: ResultCompleted, CommitHash: parsed.CommitHash}, nil
}

func instructionOptions(t *task.Task, info *ports.WorkspaceInfo) workspace.InstructionFileOptions {
	opts := workspace.InstructionFileOptions{
		TaskID:       t.TaskID,
		RepositoryID: t.RepositoryID,
		BranchName:   info.BranchName,
	}
	if t.BoardItem != nil {
		opts.Title = t.BoardItem.Title
	}
	return opts
}

// PauseExecution transitions the worker to STOPPED from any state,
// recording the previous status for diagnostics.
func (w *Worker) PauseExecution(ctx context.Context) {
	w.mu.Lock()
	w.prevStatus = w.status
	w.status = StatusStopped
	w.lastActiveAt = time.Now()
	w.mu.Unlock()
	_ = w.persist(ctx)
	w.publish(events.KindWorkerStatus, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusStopped)})
}

// CancelExecution releases the worker's task binding (best-effort workspace
// cleanup) and returns it to IDLE from any state.
func (w *Worker) CancelExecution(ctx context.Context) error {
	w.mu.Lock()
	t := w.currentTask
	w.status = StatusIdle
	w.currentTask = nil
	w.lastActiveAt = time.Now()
	w.mu.Unlock()

	var cleanupErr error
	if t != nil {
		cleanupErr = w.workspaceMgr.CleanupWorkspace(ctx, t.TaskID)
	}
	if err := w.persist(ctx); err != nil {
		return err
	}
	w.publish(events.KindWorkerStatus, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusIdle)})
	return cleanupErr
}

// Resume transitions an ERROR or STOPPED worker back to WAITING, making it
// eligible for its bound task to be retried. A task interrupted mid-build is
// re-dispatched as RESUME_TASK so the next prompt carries the prior progress
// summary instead of restarting from scratch. A no-op (returns an error) if
// the worker has no bound task or is in another state.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	if w.status != StatusError && w.status != StatusStopped {
		status := w.status
		w.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable,
			fmt.Sprintf("worker %s cannot resume from %s", w.id, status))
	}
	if w.currentTask == nil {
		w.mu.Unlock()
		return orcerrors.New(orcerrors.CodeNotAvailable, fmt.Sprintf("worker %s has no bound task to resume", w.id))
	}
	if w.currentTask.Action == task.ActionStartNewTask {
		w.currentTask.Action = task.ActionResumeTask
	}
	w.status = StatusWaiting
	w.lastActiveAt = time.Now()
	w.mu.Unlock()

	if err := w.persist(ctx); err != nil {
		return err
	}
	w.publish(events.KindWorkerStatus, events.WorkerStatusData{WorkerID: w.id, Status: string(StatusWaiting)})
	return nil
}

// RestoreFromRecord re-hydrates a Worker from a persisted WorkerRecord,
// used by WorkerPool.Initialize to recover state across restarts.
func RestoreFromRecord(rec ports.WorkerRecord, mgr *workspace.Manager, builder *prompt.Builder, dev ports.DeveloperPort, state ports.StatePort, pub events.Publisher) *Worker {
	w := New(rec.WorkerID, rec.DeveloperType, mgr, builder, dev, state, pub)
	w.status = Status(rec.Status)
	w.workspaceDir = rec.WorkspaceDir
	w.createdAt = rec.CreatedAt
	w.lastActiveAt = rec.LastActiveAt
	if rec.CurrentTaskID != "" {
		w.currentTask = &task.Task{TaskID: rec.CurrentTaskID}
	}
	return w
}
