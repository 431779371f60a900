package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcloop/internal/gitrepo"
	"github.com/randalmurphal/orcloop/internal/state"
	"github.com/randalmurphal/orcloop/internal/task"
)

type fakeGit struct {
	valid bool
}

func (f *fakeGit) Clone(ctx context.Context, url, localPath string, depth int) error { return nil }
func (f *fakeGit) Fetch(ctx context.Context, localPath string) error                 { return nil }
func (f *fakeGit) PullMainBranch(ctx context.Context, localPath string) error        { return nil }
func (f *fakeGit) CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	return os.MkdirAll(filepath.Join(worktreePath, ".git"), 0o755)
}
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return os.RemoveAll(worktreePath)
}
func (f *fakeGit) IsValidRepository(ctx context.Context, path string) bool { return f.valid }

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	cache := gitrepo.NewCache(&fakeGit{valid: true}, gitrepo.NewLock(), t.TempDir())
	mgr := NewManager(root, cache, gitrepo.NewLock(), &fakeGit{valid: true}, state.NewMemory())
	return mgr, root
}

func TestCreateWorkspace_RoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace(ctx, "T1", "acme/svc", &task.BoardItem{
		ContentType: task.ContentTypeIssue, ContentNumber: 42,
	})
	require.NoError(t, err)
	require.Equal(t, "issue-42", info.BranchName)
	require.DirExists(t, info.WorkspaceDir)

	got, ok, err := mgr.GetWorkspaceInfo(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, info.WorkspaceDir, got.WorkspaceDir)
	require.Equal(t, info.BranchName, got.BranchName)
}

func TestCreateWorkspace_RejectsEmptyInputs(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.CreateWorkspace(context.Background(), "", "acme/svc", nil)
	require.Error(t, err)
	_, err = mgr.CreateWorkspace(context.Background(), "T1", "", nil)
	require.Error(t, err)
}

func TestResolveBaseBranch_Order(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	// 1. label wins
	item := &task.BoardItem{Labels: []string{"base:develop"}}
	require.Equal(t, "develop", mgr.ResolveBaseBranch(ctx, "acme/svc", item))

	// 2. fallback to "main" with no board port and no label
	require.Equal(t, "main", mgr.ResolveBaseBranch(ctx, "acme/svc", nil))
}

func TestSetupWorktree_RevalidatesStaleFlag(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace(ctx, "T2", "acme/svc", nil)
	require.NoError(t, err)

	// Claim already created but nothing on disk: must recreate, not trust the flag.
	info.WorktreeCreated = true
	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))
	require.DirExists(t, filepath.Join(info.WorkspaceDir, ".git"))
}

func TestCleanupWorkspace_Idempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace(ctx, "T3", "acme/svc", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))

	require.NoError(t, mgr.CleanupWorkspace(ctx, "T3"))
	require.NoDirExists(t, info.WorkspaceDir)

	// Second call is a no-op, not an error.
	require.NoError(t, mgr.CleanupWorkspace(ctx, "T3"))
}

func TestBranchName_TitleFallback(t *testing.T) {
	got := gitrepo.BranchName("abc", &task.BoardItem{Title: "Fix #42 in prod"})
	require.Equal(t, "issue-42", got)
}

func TestBranchName_TaskIDTruncated(t *testing.T) {
	id := "0123456789abcdefghijKLMNOP"
	got := gitrepo.BranchName(id, nil)
	require.Len(t, got, 20)
	require.Equal(t, id[:20], got)
}
