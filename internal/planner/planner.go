// Package planner implements the periodic reconciliation loop that compares
// board state with internal task records and drives tasks through
// TODO -> IN_PROGRESS -> IN_REVIEW -> DONE, grounded on the teacher's
// internal/orchestrator/orchestrator.go mainLoop/tick ticker pattern,
// generalized to a four-phase cycle with per-phase fault isolation.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/orcloop/internal/events"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/router"
	"github.com/randalmurphal/orcloop/internal/task"
)

// reviewLookupConcurrency caps how many review-state lookups one cycle runs
// in parallel. Lookups fan out; the resulting actions still run in
// board-returned order.
const reviewLookupConcurrency = 4

// Handler dispatches a TaskRequest; the TaskRouter implements it.
type Handler interface {
	Handle(ctx context.Context, req router.Request) (*router.Response, error)
}

// Config controls the reconciliation loop.
type Config struct {
	BoardID            string
	MonitoringInterval time.Duration
	CycleTimeout       time.Duration
	MaxRetryAttempts   int
	ErrorLogSize       int
}

// CycleError is one captured per-phase failure.
type CycleError struct {
	Phase   string    `json:"phase"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Status is a point-in-time snapshot for health checks.
type Status struct {
	Running      bool         `json:"running"`
	LastSyncTime time.Time    `json:"last_sync_time"`
	ActiveTasks  int          `json:"active_tasks"`
	RecentErrors []CycleError `json:"recent_errors,omitempty"`
}

// Planner runs the reconciliation loop.
type Planner struct {
	cfg       Config
	board     ports.ProjectBoardPort
	prs       ports.PullRequestPort
	handler   Handler
	state     ports.StatePort
	publisher events.Publisher
	logger    *slog.Logger

	// allowRepo filters board items by the configured repository allow-list;
	// nil allows everything.
	allowRepo func(string) bool

	// release unbinds the worker holding a task once the task is terminal;
	// nil means workers are left for pool recovery to reclaim.
	release func(ctx context.Context, taskID string) error

	mu        sync.Mutex
	running   bool
	lastSync  time.Time
	processed map[string]struct{}
	active    map[string]struct{}
	errlog    *errorLog

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithPublisher sets the planner's event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Planner) { p.publisher = pub }
}

// WithRepositoryFilter restricts which repositories board items may target.
func WithRepositoryFilter(allow func(repositoryID string) bool) Option {
	return func(p *Planner) { p.allowRepo = allow }
}

// WithWorkerReleaser wires the pool's release operation so terminal tasks
// free their bound worker.
func WithWorkerReleaser(release func(ctx context.Context, taskID string) error) Option {
	return func(p *Planner) { p.release = release }
}

// New creates a Planner. Call Start to begin the loop, or ForceSync to run a
// single cycle on demand.
func New(cfg Config, board ports.ProjectBoardPort, prs ports.PullRequestPort, handler Handler, state ports.StatePort, opts ...Option) *Planner {
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = 64
	}
	p := &Planner{
		cfg:       cfg,
		board:     board,
		prs:       prs,
		handler:   handler,
		state:     state,
		logger:    slog.Default(),
		processed: make(map[string]struct{}),
		active:    make(map[string]struct{}),
		errlog:    newErrorLog(cfg.ErrorLogSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start restores persisted planner state and begins the reconciliation loop.
func (p *Planner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("planner already running")
	}
	p.running = true
	p.mu.Unlock()

	if err := p.restore(ctx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("restore planner state: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)

	p.logger.Info("planner started",
		"board_id", p.cfg.BoardID,
		"interval", p.cfg.MonitoringInterval)
	return nil
}

// Stop ceases new cycles and waits for the in-flight cycle to finish its
// current phase.
func (p *Planner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("planner stopped")
}

func (p *Planner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// ForceSync runs one reconciliation cycle synchronously.
func (p *Planner) ForceSync(ctx context.Context) {
	p.runCycle(ctx)
}

// runCycle executes the four phases in order. Each phase is fault-isolated:
// its failure is recorded and the next phase still runs. The sync time only
// advances once the whole cycle has run.
func (p *Planner) runCycle(ctx context.Context) {
	cycleStart := time.Now()

	if p.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CycleTimeout)
		defer cancel()
	}

	p.phase(ctx, "new_tasks", p.handleNewTasks)
	p.phase(ctx, "in_progress", p.handleInProgressTasks)
	p.phase(ctx, "review", p.handleReviewTasks)

	p.mu.Lock()
	p.lastSync = cycleStart
	p.mu.Unlock()

	if err := p.persist(ctx); err != nil {
		p.recordError("persist", "", err)
	}
	if p.publisher != nil {
		p.publisher.Publish(events.New(events.KindPlannerCycle, "", nil, time.Now()))
	}
}

func (p *Planner) phase(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		p.recordError(name, "", err)
		p.logger.Warn("planner phase failed", "phase", name, "error", err)
	}
}

// handleNewTasks dispatches START_NEW_TASK for every TODO item not already
// processed or active, moving accepted items to IN_PROGRESS.
func (p *Planner) handleNewTasks(ctx context.Context) error {
	items, err := p.board.GetItems(ctx, p.cfg.BoardID, task.BoardStatusTodo)
	if err != nil {
		return fmt.Errorf("list TODO items: %w", err)
	}

	for i := range items {
		item := items[i]
		if p.isKnown(item.ID) {
			continue
		}
		if p.allowRepo != nil && item.RepositoryID != "" && !p.allowRepo(item.RepositoryID) {
			p.logger.Debug("skipping item outside repository allow-list",
				"item_id", item.ID, "repository", item.RepositoryID)
			continue
		}

		resp, err := p.handler.Handle(ctx, router.Request{
			TaskID:       item.ID,
			RepositoryID: item.RepositoryID,
			Action:       task.ActionStartNewTask,
			BoardItem:    &item,
		})
		if err != nil {
			p.recordError("new_tasks", item.ID, err)
			continue
		}
		if resp.Status != router.StatusAccepted {
			p.logger.Debug("new task not accepted",
				"item_id", item.ID, "status", resp.Status, "message", resp.Message)
			continue
		}

		if err := p.board.UpdateItemStatus(ctx, item.ID, task.BoardStatusInProgress); err != nil {
			p.recordError("new_tasks", item.ID, err)
			continue
		}
		p.markActive(item.ID)
		if err := p.state.PutTask(ctx, ports.TaskRecord{
			TaskID:       item.ID,
			RepositoryID: item.RepositoryID,
			Action:       task.ActionStartNewTask,
			AssignedAt:   time.Now(),
		}); err != nil {
			p.recordError("new_tasks", item.ID, err)
		}
		p.logger.Info("task started", "task_id", item.ID, "repository", item.RepositoryID)
	}
	return nil
}

// handleInProgressTasks polls each active task's worker, promoting tasks
// whose PR now exists to IN_REVIEW and counting failures toward the per-task
// retry budget.
func (p *Planner) handleInProgressTasks(ctx context.Context) error {
	items, err := p.board.GetItems(ctx, p.cfg.BoardID, task.BoardStatusInProgress)
	if err != nil {
		return fmt.Errorf("list IN_PROGRESS items: %w", err)
	}
	inProgress := make(map[string]struct{}, len(items))
	for _, item := range items {
		inProgress[item.ID] = struct{}{}
	}

	for _, taskID := range p.activeIDs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := inProgress[taskID]; !ok {
			continue
		}

		resp, err := p.handler.Handle(ctx, router.Request{
			TaskID: taskID,
			Action: task.ActionCheckStatus,
		})
		if err != nil {
			p.recordError("in_progress", taskID, err)
			continue
		}

		switch resp.Status {
		case router.StatusCompleted:
			if resp.PullRequestURL == "" {
				continue
			}
			p.promoteToReview(ctx, taskID, resp.PullRequestURL)

		case router.StatusError:
			p.countFailure(ctx, taskID, resp.Message)

		case router.StatusRejected:
			// Board says IN_PROGRESS but no worker holds the task: internal
			// state lost the binding. Board truth wins; count it as a failure
			// so the task eventually re-dispatches or terminates.
			p.recordError("in_progress", taskID,
				fmt.Errorf("consistency mismatch: active task has no worker"))
			p.countFailure(ctx, taskID, "no worker bound to active task")

		default:
			// Still executing; nothing to do this cycle.
		}
	}
	return nil
}

func (p *Planner) promoteToReview(ctx context.Context, taskID, prURL string) {
	if err := p.board.UpdateItemStatus(ctx, taskID, task.BoardStatusInReview); err != nil {
		p.recordError("in_progress", taskID, err)
		return
	}
	if err := p.board.SetPullRequestToItem(ctx, taskID, prURL); err != nil {
		p.recordError("in_progress", taskID, err)
	}

	rec := p.taskRecord(ctx, taskID)
	rec.PullRequestURL = prURL
	if err := p.state.PutTask(ctx, rec); err != nil {
		p.recordError("in_progress", taskID, err)
	}
	if p.publisher != nil {
		p.publisher.Publish(events.New(events.KindPullRequest, taskID, prURL, time.Now()))
	}
	p.logger.Info("task in review", "task_id", taskID, "pull_request", prURL)
}

// countFailure increments the task's retry counter and demotes it to a
// terminal failure once the budget is exhausted.
func (p *Planner) countFailure(ctx context.Context, taskID, message string) {
	rec := p.taskRecord(ctx, taskID)
	rec.RetryCount++
	rec.LastError = message

	if rec.RetryCount > p.cfg.MaxRetryAttempts {
		p.logger.Error("task failed terminally",
			"task_id", taskID, "retries", rec.RetryCount, "error", message)
		p.retire(ctx, taskID)
		if p.publisher != nil {
			p.publisher.Publish(events.New(events.KindError, taskID,
				events.ErrorData{Phase: "in_progress", Message: message, Fatal: true}, time.Now()))
		}
	}
	if err := p.state.PutTask(ctx, rec); err != nil {
		p.recordError("in_progress", taskID, err)
	}
}

// handleReviewTasks looks up each IN_REVIEW item's PR state and acts on it:
// merged PRs complete the task, approved PRs trigger a merge, new review
// comments trigger feedback processing. Lookups run concurrently; actions
// run in board-returned order.
func (p *Planner) handleReviewTasks(ctx context.Context) error {
	items, err := p.board.GetItems(ctx, p.cfg.BoardID, task.BoardStatusInReview)
	if err != nil {
		return fmt.Errorf("list IN_REVIEW items: %w", err)
	}

	type lookup struct {
		url   string
		state task.ReviewState
		err   error
	}
	lookups := make([]lookup, len(items))

	g, lookupCtx := errgroup.WithContext(ctx)
	g.SetLimit(reviewLookupConcurrency)
	for i := range items {
		g.Go(func() error {
			url := p.prURLFor(lookupCtx, items[i])
			if url == "" {
				return nil
			}
			state, err := p.prs.GetReviewState(lookupCtx, url)
			lookups[i] = lookup{url: url, state: state, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i := range items {
		item := items[i]
		l := lookups[i]
		if l.url == "" {
			continue
		}
		if l.err != nil {
			p.recordError("review", item.ID, l.err)
			continue
		}

		switch l.state {
		case task.ReviewMerged:
			p.completeTask(ctx, item.ID)

		case task.ReviewApproved:
			p.mergeTask(ctx, item.ID, l.url)

		case task.ReviewChangesRequested:
			p.processFeedback(ctx, item.ID, l.url, item.RepositoryID)

		case task.ReviewClosed:
			// A closed, unmerged PR ends the task without a DONE transition.
			p.logger.Warn("pull request closed without merge", "task_id", item.ID, "url", l.url)
			p.retire(ctx, item.ID)

		default:
			// PENDING: nothing new to act on.
		}
	}
	return nil
}

// completeTask moves a merged task's board item to DONE and retires it.
func (p *Planner) completeTask(ctx context.Context, taskID string) {
	if err := p.board.UpdateItemStatus(ctx, taskID, task.BoardStatusDone); err != nil {
		p.recordError("review", taskID, err)
		return
	}
	p.retire(ctx, taskID)
	if err := p.state.DeleteTask(ctx, taskID); err != nil {
		p.recordError("review", taskID, err)
	}
	if p.publisher != nil {
		p.publisher.Publish(events.New(events.KindMerged, taskID, nil, time.Now()))
	}
	p.logger.Info("task done", "task_id", taskID)
}

// mergeTask merges an approved PR: server-side via the provider when it
// supports merging, otherwise by dispatching a MERGE_REQUEST to the agent.
// On agent dispatch the item stays IN_REVIEW; the merge is observed as
// MERGED on a later cycle.
func (p *Planner) mergeTask(ctx context.Context, taskID, prURL string) {
	_, err := p.prs.RequestMerge(ctx, prURL)
	switch {
	case err == nil:
		p.completeTask(ctx, taskID)
		return
	case errors.Is(err, ports.ErrMergeNotSupported):
		// Fall through to the agent.
	default:
		p.recordError("review", taskID, fmt.Errorf("merge %s: %w", prURL, err))
		return
	}

	resp, err := p.handler.Handle(ctx, router.Request{
		TaskID:         taskID,
		Action:         task.ActionMergeRequest,
		PullRequestURL: prURL,
	})
	if err != nil {
		p.recordError("review", taskID, err)
		return
	}
	if resp.Status != router.StatusAccepted {
		p.recordError("review", taskID,
			fmt.Errorf("merge request not accepted: %s %s", resp.Status, resp.Message))
	}
}

// processFeedback forwards review comments posted since the last sync that
// have not already been acted on, then marks them processed.
func (p *Planner) processFeedback(ctx context.Context, taskID, prURL, repositoryID string) {
	p.mu.Lock()
	since := p.lastSync
	p.mu.Unlock()

	comments, err := p.prs.GetComments(ctx, prURL, since)
	if err != nil {
		p.recordError("review", taskID, err)
		return
	}

	rec := p.taskRecord(ctx, taskID)
	seen := make(map[string]struct{}, len(rec.ProcessedCommentIDs))
	for _, id := range rec.ProcessedCommentIDs {
		seen[id] = struct{}{}
	}
	fresh := comments[:0:0]
	for _, c := range comments {
		if _, ok := seen[c.ID]; !ok {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return
	}

	resp, err := p.handler.Handle(ctx, router.Request{
		TaskID:         taskID,
		RepositoryID:   repositoryID,
		Action:         task.ActionProcessFeedback,
		PullRequestURL: prURL,
		ReviewComments: fresh,
	})
	if err != nil {
		p.recordError("review", taskID, err)
		return
	}
	if resp.Status != router.StatusAccepted {
		p.logger.Debug("feedback not accepted",
			"task_id", taskID, "status", resp.Status, "message", resp.Message)
		return
	}

	ids := make([]string, 0, len(fresh))
	for _, c := range fresh {
		ids = append(ids, c.ID)
	}
	rec.ProcessedCommentIDs = append(rec.ProcessedCommentIDs, ids...)
	if err := p.state.PutTask(ctx, rec); err != nil {
		p.recordError("review", taskID, err)
	}
	if err := p.prs.MarkCommentsProcessed(ctx, prURL, ids); err != nil {
		p.recordError("review", taskID, err)
	}
	p.logger.Info("feedback dispatched", "task_id", taskID, "comments", len(ids))
}

// retire removes a task from the active set, remembers it as processed so a
// stale board read cannot reopen it, and releases its bound worker.
func (p *Planner) retire(ctx context.Context, taskID string) {
	p.mu.Lock()
	delete(p.active, taskID)
	p.processed[taskID] = struct{}{}
	p.mu.Unlock()

	if p.release != nil {
		if err := p.release(ctx, taskID); err != nil {
			p.logger.Warn("release worker for retired task failed", "task_id", taskID, "error", err)
		}
	}
}

// prURLFor prefers the board item's recorded PR URL, falling back to the
// task record.
func (p *Planner) prURLFor(ctx context.Context, item task.BoardItem) string {
	if n := len(item.PullRequestURLs); n > 0 {
		return item.PullRequestURLs[n-1]
	}
	rec, ok, err := p.state.GetTask(ctx, item.ID)
	if err != nil || !ok {
		return ""
	}
	return rec.PullRequestURL
}

func (p *Planner) taskRecord(ctx context.Context, taskID string) ports.TaskRecord {
	rec, ok, err := p.state.GetTask(ctx, taskID)
	if err != nil || !ok {
		return ports.TaskRecord{TaskID: taskID, AssignedAt: time.Now()}
	}
	return *rec
}

func (p *Planner) isKnown(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processed[taskID]; ok {
		return true
	}
	_, ok := p.active[taskID]
	return ok
}

func (p *Planner) markActive(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[taskID] = struct{}{}
}

func (p *Planner) activeIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Planner) recordError(phase, taskID string, err error) {
	p.errlog.record(CycleError{Phase: phase, TaskID: taskID, Message: err.Error(), At: time.Now()})
}

// restore re-hydrates the processed/active sets and sync marker from StatePort.
func (p *Planner) restore(ctx context.Context) error {
	rec, ok, err := p.state.GetPlannerState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSync = rec.LastSyncTime
	for _, id := range rec.ProcessedTaskIDs {
		p.processed[id] = struct{}{}
	}
	for _, id := range rec.ActiveTaskIDs {
		p.active[id] = struct{}{}
	}
	return nil
}

func (p *Planner) persist(ctx context.Context) error {
	p.mu.Lock()
	rec := ports.PlannerStateRecord{
		LastSyncTime:     p.lastSync,
		ProcessedTaskIDs: sortedKeys(p.processed),
		ActiveTaskIDs:    sortedKeys(p.active),
	}
	p.mu.Unlock()
	return p.state.PutPlannerState(ctx, rec)
}

// Status returns a snapshot for health checks.
func (p *Planner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:      p.running,
		LastSyncTime: p.lastSync,
		ActiveTasks:  len(p.active),
		RecentErrors: p.errlog.snapshot(),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// errorLog is a bounded ring buffer of cycle errors.
type errorLog struct {
	mu   sync.Mutex
	buf  []CycleError
	next int
	full bool
}

func newErrorLog(size int) *errorLog {
	return &errorLog{buf: make([]CycleError, size)}
}

func (l *errorLog) record(e CycleError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns recorded errors, oldest first.
func (l *errorLog) snapshot() []CycleError {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]CycleError(nil), l.buf[:l.next]...)
	}
	out := make([]CycleError, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
