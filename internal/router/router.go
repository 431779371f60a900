// Package router implements the single entry point that turns a board- or
// review-derived TaskRequest into a pool action, grounded on the teacher's
// internal/cli/cmd_orchestrate.go dispatch pattern and internal/orchestrator's
// one-worker-per-task invariant, generalized into an explicit routing table
// keyed by WorkerAction instead of a single hard-coded flow.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/randalmurphal/orcloop/internal/pool"
	"github.com/randalmurphal/orcloop/internal/task"
	"github.com/randalmurphal/orcloop/internal/worker"
)

// ResponseStatus is the closed set of outcomes Handle can report.
type ResponseStatus string

const (
	StatusAccepted   ResponseStatus = "ACCEPTED"
	StatusRejected   ResponseStatus = "REJECTED"
	StatusCompleted  ResponseStatus = "COMPLETED"
	StatusError      ResponseStatus = "ERROR"
	StatusInProgress ResponseStatus = "IN_PROGRESS"
)

// Request is the board- or review-derived intent the router dispatches.
type Request struct {
	TaskID         string
	RepositoryID   string
	Action         task.Action
	BoardItem      *task.BoardItem
	PullRequestURL string
	ReviewComments []task.ReviewComment
}

// Response is the router's reply to one Request.
type Response struct {
	Status         ResponseStatus
	Message        string
	WorkerStatus   string
	PullRequestURL string
}

var prURLRepoPattern = regexp.MustCompile(`https?://[^/]+/([^/]+/[^/]+)(?:/-)?/(?:pull|pulls|merge_requests)/\d+`)

// Router routes TaskRequests to the WorkerPool, enforcing single-worker-per-task.
type Router struct {
	pool          *pool.Pool
	defaultRepoID string
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultRepositoryID sets the fallback repository id used when a
// request carries neither an explicit one nor a recoverable PR URL.
func WithDefaultRepositoryID(id string) Option {
	return func(r *Router) { r.defaultRepoID = id }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router dispatching onto p.
func New(p *pool.Pool, opts ...Option) *Router {
	r := &Router{pool: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is the router's single entry point.
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	repositoryID := r.resolveRepositoryID(req)

	switch req.Action {
	case task.ActionStartNewTask:
		return r.handleStartNewTask(ctx, req, repositoryID)
	case task.ActionProcessFeedback:
		return r.handleProcessFeedback(ctx, req, repositoryID)
	case task.ActionMergeRequest:
		return r.handleMergeRequest(ctx, req, repositoryID)
	case task.ActionCheckStatus:
		return r.handleCheckStatus(req)
	default:
		return &Response{Status: StatusRejected, Message: fmt.Sprintf("unknown action %q", req.Action)}, nil
	}
}

func (r *Router) resolveRepositoryID(req Request) string {
	if req.RepositoryID != "" {
		return req.RepositoryID
	}
	if req.BoardItem != nil && req.BoardItem.RepositoryID != "" {
		return req.BoardItem.RepositoryID
	}
	if m := prURLRepoPattern.FindStringSubmatch(req.PullRequestURL); m != nil {
		return m[1]
	}
	return r.defaultRepoID
}

func (r *Router) handleStartNewTask(ctx context.Context, req Request, repositoryID string) (*Response, error) {
	if _, exists := r.pool.GetWorkerByTaskID(req.TaskID); exists {
		return &Response{Status: StatusRejected, Message: "task already has an assigned worker"}, nil
	}

	w, err := r.pool.GetAvailableWorker(ctx)
	if err != nil || w == nil {
		return &Response{Status: StatusRejected, Message: "no available worker"}, nil
	}

	t := &task.Task{TaskID: req.TaskID, RepositoryID: repositoryID, Action: task.ActionStartNewTask, BoardItem: req.BoardItem}
	if err := w.AssignTask(ctx, t); err != nil {
		return &Response{Status: StatusError, Message: err.Error()}, nil
	}

	r.startAsync(w)
	return &Response{Status: StatusAccepted, Message: "processing", WorkerStatus: string(worker.StatusWorking)}, nil
}

func (r *Router) handleProcessFeedback(ctx context.Context, req Request, repositoryID string) (*Response, error) {
	w, exists := r.pool.GetWorkerByTaskID(req.TaskID)
	if !exists {
		var err error
		w, err = r.pool.GetAvailableWorker(ctx)
		if err != nil || w == nil {
			return &Response{Status: StatusRejected, Message: "no available worker"}, nil
		}
	}

	t := &task.Task{
		TaskID: req.TaskID, RepositoryID: repositoryID, Action: task.ActionProcessFeedback,
		BoardItem: req.BoardItem, PullRequestURL: req.PullRequestURL, ReviewComments: req.ReviewComments,
	}
	if err := w.AssignTask(ctx, t); err != nil {
		return &Response{Status: StatusError, Message: err.Error()}, nil
	}

	r.startAsync(w)
	return &Response{Status: StatusAccepted, Message: "processing_feedback", WorkerStatus: string(worker.StatusWorking)}, nil
}

func (r *Router) handleMergeRequest(ctx context.Context, req Request, repositoryID string) (*Response, error) {
	w, exists := r.pool.GetWorkerByTaskID(req.TaskID)
	if exists {
		if cur := w.CurrentTask(); w.Status() == worker.StatusWorking && cur != nil && cur.Action == task.ActionMergeRequest {
			return &Response{Status: StatusAccepted, Message: "already_processing"}, nil
		}
	} else {
		var err error
		w, err = r.pool.GetAvailableWorker(ctx)
		if err != nil || w == nil {
			return &Response{Status: StatusError, Message: "no_available_worker"}, nil
		}
	}

	t := &task.Task{TaskID: req.TaskID, RepositoryID: repositoryID, Action: task.ActionMergeRequest, PullRequestURL: req.PullRequestURL}
	if err := w.AssignTask(ctx, t); err != nil {
		return &Response{Status: StatusError, Message: err.Error()}, nil
	}

	r.startAsync(w)
	return &Response{Status: StatusAccepted, Message: "processing_merge"}, nil
}

func (r *Router) handleCheckStatus(req Request) (*Response, error) {
	w, exists := r.pool.GetWorkerByTaskID(req.TaskID)
	if !exists {
		return &Response{Status: StatusRejected, Message: "no worker for task"}, nil
	}

	status := w.Status()
	t := w.CurrentTask()

	if status == worker.StatusWaiting && t != nil && t.PullRequestURL != "" {
		return &Response{
			Status: StatusCompleted, Message: "waiting_for_review",
			WorkerStatus: string(status), PullRequestURL: t.PullRequestURL,
		}, nil
	}
	if status == worker.StatusError {
		msg := "worker is in ERROR"
		if t != nil && t.LastError != "" {
			msg = t.LastError
		}
		return &Response{Status: StatusError, Message: msg, WorkerStatus: string(status)}, nil
	}
	return &Response{Status: StatusInProgress, Message: "in_progress", WorkerStatus: string(status)}, nil
}

// startAsync runs the worker's execution in the background; the router
// itself never blocks on a full agent invocation.
func (r *Router) startAsync(w *worker.Worker) {
	go func() {
		if _, err := w.StartExecution(context.Background()); err != nil {
			r.logger.Error("worker execution failed to start", "worker_id", w.ID(), "error", err)
		}
	}()
}
