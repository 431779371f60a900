package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcloop/internal/events"
	"github.com/randalmurphal/orcloop/internal/gitrepo"
	"github.com/randalmurphal/orcloop/internal/pool"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/ports/mocks"
	"github.com/randalmurphal/orcloop/internal/prompt"
	"github.com/randalmurphal/orcloop/internal/router"
	"github.com/randalmurphal/orcloop/internal/state"
	"github.com/randalmurphal/orcloop/internal/task"
	"github.com/randalmurphal/orcloop/internal/worker"
	"github.com/randalmurphal/orcloop/internal/workspace"
)

const prURL = "https://example.test/acme/svc/pull/7"

type fakeGit struct{}

func (f *fakeGit) Clone(ctx context.Context, url, localPath string, depth int) error { return nil }
func (f *fakeGit) Fetch(ctx context.Context, localPath string) error                 { return nil }
func (f *fakeGit) PullMainBranch(ctx context.Context, localPath string) error        { return nil }
func (f *fakeGit) CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	return os.MkdirAll(filepath.Join(worktreePath, ".git"), 0o755)
}
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return os.RemoveAll(worktreePath)
}
func (f *fakeGit) IsValidRepository(ctx context.Context, path string) bool { return true }

type fixture struct {
	board   *mocks.Board
	prs     *mocks.PullRequests
	dev     *mocks.Developer
	st      *state.Memory
	pool    *pool.Pool
	planner *Planner
	root    string
}

func newFixture(t *testing.T, devResponse string) *fixture {
	t.Helper()

	board := mocks.NewBoard()
	prs := mocks.NewPullRequests()
	st := state.NewMemory()
	dev := mocks.NewDeveloper(devResponse)
	pub := events.NewMemoryPublisher()
	root := t.TempDir()

	git := &fakeGit{}
	cache := gitrepo.NewCache(git, gitrepo.NewLock(), t.TempDir())
	mgr := workspace.NewManager(root, cache, gitrepo.NewLock(), git, st, workspace.WithBoard(board))
	builder := prompt.NewBuilder()
	pl := pool.New(pool.Config{MinWorkers: 0, MaxWorkers: 2, WorkerRecoveryTimeout: time.Minute},
		mgr, builder, dev, st, pub)
	rt := router.New(pl)

	pln := New(Config{
		BoardID:            "board-1",
		MonitoringInterval: time.Hour, // tests drive cycles via ForceSync
		CycleTimeout:       5 * time.Second,
		MaxRetryAttempts:   1,
	}, board, prs, rt, st,
		WithWorkerReleaser(func(ctx context.Context, taskID string) error {
			if w, ok := pl.GetWorkerByTaskID(taskID); ok {
				return pl.ReleaseWorker(ctx, w.ID())
			}
			return nil
		}))

	return &fixture{board: board, prs: prs, dev: dev, st: st, pool: pl, planner: pln, root: root}
}

func (f *fixture) addItem(t *testing.T) {
	t.Helper()
	f.board.AddItem(task.BoardItem{
		ID:            "T1",
		Title:         "Fix #42",
		Status:        task.BoardStatusTodo,
		ContentType:   task.ContentTypeIssue,
		ContentNumber: 42,
		RepositoryID:  "acme/svc",
	})
}

func (f *fixture) waitForWorkerStatus(t *testing.T, taskID string, want worker.Status) *worker.Worker {
	t.Helper()
	var found *worker.Worker
	require.Eventually(t, func() bool {
		w, ok := f.pool.GetWorkerByTaskID(taskID)
		if !ok {
			return false
		}
		found = w
		return w.Status() == want
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

// waitForPR waits until the task's worker has finished executing and holds a
// parsed pull-request URL.
func (f *fixture) waitForPR(t *testing.T, taskID string) *worker.Worker {
	t.Helper()
	var found *worker.Worker
	require.Eventually(t, func() bool {
		w, ok := f.pool.GetWorkerByTaskID(taskID)
		if !ok {
			return false
		}
		found = w
		cur := w.CurrentTask()
		return w.Status() == worker.StatusWaiting && cur != nil && cur.PullRequestURL != ""
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func itemStatus(t *testing.T, b *mocks.Board, id string) task.BoardStatus {
	t.Helper()
	item, ok := b.Item(id)
	require.True(t, ok)
	return item.Status
}

func TestNewTaskHappyPath(t *testing.T) {
	f := newFixture(t, "Opened "+prURL+" at commit abcdefabcdefabcdefabcdefabcdefabcdefabcd")
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)

	require.Equal(t, task.BoardStatusInProgress, itemStatus(t, f.board, "T1"))
	w := f.waitForPR(t, "T1")
	require.Equal(t, "T1", w.CurrentTaskID())

	// Worktree exists at <root>/acme_svc_issue-42 on branch issue-42.
	ws, ok, err := f.st.GetWorkspace(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "issue-42", ws.BranchName)
	require.Equal(t, filepath.Join(f.root, "acme_svc_issue-42"), ws.WorkspaceDir)
	require.DirExists(t, ws.WorkspaceDir)
}

func TestNewTasks_IdempotentAcrossCycles(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")
	f.planner.ForceSync(ctx)
	f.planner.ForceSync(ctx)

	starts := 0
	for _, p := range f.dev.Prompts {
		if strings.Contains(p, "# New task") {
			starts++
		}
	}
	require.Equal(t, 1, starts, "unchanged board must not re-dispatch START_NEW_TASK")
}

func TestPullRequestCreation_MovesToReview(t *testing.T) {
	f := newFixture(t, "Opened "+prURL+" at commit abcdefabcdefabcdefabcdefabcdefabcdefabcd")
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")

	f.planner.ForceSync(ctx)

	require.Equal(t, task.BoardStatusInReview, itemStatus(t, f.board, "T1"))
	item, ok := f.board.Item("T1")
	require.True(t, ok)
	require.Equal(t, []string{prURL}, item.PullRequestURLs)

	// Worker stays bound after the PR exists.
	w, ok := f.pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	require.Equal(t, worker.StatusWaiting, w.Status())

	rec, ok, err := f.st.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, prURL, rec.PullRequestURL)
}

func TestFeedbackLoop_DispatchesOnceAndRecordsProcessed(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")
	f.planner.ForceSync(ctx) // T1 -> IN_REVIEW

	f.prs.States[prURL] = task.ReviewChangesRequested
	f.prs.Comments[prURL] = []task.ReviewComment{{
		ID:        "c1",
		Author:    "reviewer",
		Content:   "rename foo to bar",
		CreatedAt: time.Now().Add(time.Hour), // always passes the since filter
	}}

	f.planner.ForceSync(ctx)
	f.waitForWorkerStatus(t, "T1", worker.StatusWaiting)

	rec, ok, err := f.st.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"c1"}, rec.ProcessedCommentIDs)
	require.True(t, f.prs.Processed[prURL]["c1"])

	// The same comment must not be reissued on the next cycle.
	f.planner.ForceSync(ctx)
	feedbacks := 0
	for _, p := range f.dev.Prompts {
		if strings.Contains(p, "rename foo to bar") {
			feedbacks++
		}
	}
	require.Equal(t, 1, feedbacks)
}

func TestApprovalAndMerge_ProviderSide(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")
	f.planner.ForceSync(ctx) // T1 -> IN_REVIEW

	f.prs.States[prURL] = task.ReviewApproved
	f.planner.ForceSync(ctx)

	require.Equal(t, task.BoardStatusDone, itemStatus(t, f.board, "T1"))

	// Worker released; workspace record cleared.
	_, bound := f.pool.GetWorkerByTaskID("T1")
	require.False(t, bound)
	_, ok, err := f.st.GetWorkspace(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = f.st.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApprovalAndMerge_AgentFallback(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	f.prs.MergeErr = ports.ErrMergeNotSupported
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")
	f.planner.ForceSync(ctx) // T1 -> IN_REVIEW

	f.prs.States[prURL] = task.ReviewApproved
	f.planner.ForceSync(ctx)

	// Item stays IN_REVIEW while the agent merges; the worker completes the
	// merge action and returns to IDLE on its own.
	require.Equal(t, task.BoardStatusInReview, itemStatus(t, f.board, "T1"))
	require.Eventually(t, func() bool {
		_, bound := f.pool.GetWorkerByTaskID("T1")
		return !bound
	}, 2*time.Second, 10*time.Millisecond)

	// The merge is observed on a later cycle.
	f.prs.States[prURL] = task.ReviewMerged
	f.planner.ForceSync(ctx)
	require.Equal(t, task.BoardStatusDone, itemStatus(t, f.board, "T1"))
}

func TestFailedTask_RetiresAfterRetryBudget(t *testing.T) {
	f := newFixture(t, "ok")
	f.addItem(t)
	f.dev.Err = errors.New("agent exploded")
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForWorkerStatus(t, "T1", worker.StatusError)

	// MaxRetryAttempts = 1: first failure counts, second retires.
	f.planner.ForceSync(ctx)
	rec, ok, err := f.st.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rec.RetryCount)

	f.planner.ForceSync(ctx)
	require.Equal(t, 0, f.planner.Status().ActiveTasks)
}

func TestMergedExternally_CompletesTask(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")
	f.planner.ForceSync(ctx)

	f.prs.States[prURL] = task.ReviewMerged
	f.planner.ForceSync(ctx)
	require.Equal(t, task.BoardStatusDone, itemStatus(t, f.board, "T1"))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, "ok")
	ctx := context.Background()

	require.NoError(t, f.planner.Start(ctx))
	require.Error(t, f.planner.Start(ctx), "second start must be rejected")
	require.True(t, f.planner.Status().Running)

	f.planner.Stop()
	require.False(t, f.planner.Status().Running)
	f.planner.Stop() // idempotent
}

func TestPlannerState_PersistsAndRestores(t *testing.T) {
	f := newFixture(t, "Opened "+prURL)
	f.addItem(t)
	ctx := context.Background()

	f.planner.ForceSync(ctx)
	f.waitForPR(t, "T1")

	rec, ok, err := f.st.GetPlannerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"T1"}, rec.ActiveTaskIDs)

	// A fresh planner over the same state resumes with T1 active.
	p2 := New(Config{BoardID: "board-1", MonitoringInterval: time.Hour}, f.board, f.prs, nil, f.st)
	require.NoError(t, p2.restore(ctx))
	require.Equal(t, 1, p2.Status().ActiveTasks)
}

func TestErrorLog_RingBufferWraps(t *testing.T) {
	l := newErrorLog(3)
	for i := 0; i < 5; i++ {
		l.record(CycleError{Phase: "p", Message: string(rune('a' + i))})
	}
	snap := l.snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "c", snap[0].Message)
	require.Equal(t, "e", snap[2].Message)
}
