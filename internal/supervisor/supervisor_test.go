package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcloop/internal/config"
	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/ports/mocks"
	"github.com/randalmurphal/orcloop/internal/router"
	"github.com/randalmurphal/orcloop/internal/state"
	"github.com/randalmurphal/orcloop/internal/task"
)

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

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BoardID = "board-1"
	root := t.TempDir()
	cfg.WorkspaceRoot = filepath.Join(root, "workspaces")
	cfg.RepositoryRoot = filepath.Join(root, "repos")
	cfg.Pool.MinWorkers = 1
	cfg.Pool.MaxWorkers = 2
	cfg.Pool.ShutdownGracePeriodMS = 200
	cfg.Planner.MonitoringIntervalMS = 3_600_000 // cycles driven via ForceSync
	return cfg
}

func newSupervisor(t *testing.T) (*Supervisor, *mocks.Board, *mocks.Developer) {
	t.Helper()
	board := mocks.NewBoard()
	dev := mocks.NewDeveloper("Opened https://example.test/acme/svc/pull/7")
	return New(testConfig(t), board, mocks.NewPullRequests(), &fakeGit{}, dev, state.NewMemory()), board, dev
}

func TestInitialize_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.BoardID = ""
	s := New(cfg, mocks.NewBoard(), mocks.NewPullRequests(), &fakeGit{}, mocks.NewDeveloper("ok"), state.NewMemory())

	err := s.Initialize(context.Background())
	require.Error(t, err)
	code, ok := orcerrors.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, orcerrors.CodeInitializationFailed, code)
}

func TestInitialize_RejectsUnavailableDeveloper(t *testing.T) {
	dev := mocks.NewDeveloper("ok")
	dev.Available = false
	s := New(testConfig(t), mocks.NewBoard(), mocks.NewPullRequests(), &fakeGit{}, dev, state.NewMemory())

	err := s.Initialize(context.Background())
	require.Error(t, err)
	code, _ := orcerrors.CodeOf(err)
	require.Equal(t, orcerrors.CodeInitializationFailed, code)
}

func TestStart_RequiresInitialize(t *testing.T) {
	s, _, _ := newSupervisor(t)
	err := s.Start(context.Background())
	require.Error(t, err)
	code, _ := orcerrors.CodeOf(err)
	require.Equal(t, orcerrors.CodeNotAvailable, code)
}

func TestLifecycle_StartStop(t *testing.T) {
	s, _, _ := newSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Start(ctx))
	require.True(t, s.GetStatus().Running)
	require.True(t, s.GetStatus().Planner.Running)

	s.Stop(ctx)
	status := s.GetStatus()
	require.False(t, status.Running)
	require.Empty(t, status.Pool.Workers, "shutdown clears the pool")

	s.Stop(ctx) // second call is a no-op
}

func TestHandleTaskRequest_DispatchesThroughRouter(t *testing.T) {
	s, board, _ := newSupervisor(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	board.AddItem(task.BoardItem{
		ID: "T1", Title: "Fix #42", Status: task.BoardStatusTodo,
		ContentType: task.ContentTypeIssue, ContentNumber: 42, RepositoryID: "acme/svc",
	})
	item, _ := board.Item("T1")

	resp, err := s.HandleTaskRequest(ctx, router.Request{
		TaskID: "T1", Action: task.ActionStartNewTask, BoardItem: &item,
	})
	require.NoError(t, err)
	require.Equal(t, router.StatusAccepted, resp.Status)

	require.Eventually(t, func() bool {
		_, ok := s.pool.GetWorkerByTaskID("T1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop(ctx)
}

func TestHandleTaskRequest_RejectedBeforeInitialize(t *testing.T) {
	s, _, _ := newSupervisor(t)
	resp, err := s.HandleTaskRequest(context.Background(), router.Request{TaskID: "T1", Action: task.ActionCheckStatus})
	require.NoError(t, err)
	require.Equal(t, router.StatusRejected, resp.Status)
}

func TestGracefulShutdownUnderLoad(t *testing.T) {
	s, board, dev := newSupervisor(t)
	dev.Delay = 150 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Start(ctx))

	board.AddItem(task.BoardItem{
		ID: "T1", Title: "slow task", Status: task.BoardStatusTodo, RepositoryID: "acme/svc",
	})
	s.ForceSync(ctx)

	s.Stop(ctx)
	require.False(t, s.GetStatus().Running)
	require.Empty(t, s.GetStatus().Pool.Workers)
}
