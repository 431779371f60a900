// Package workspace owns the lifecycle of a task's on-disk workspace: the
// git worktree it runs in and the instruction file the agent reads from it,
// grounded on the teacher's internal/executor/worktree.go (SetupWorktreeForTask,
// cleanWorktreeState, CleanupWorktree).
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/randalmurphal/orcloop/internal/gitrepo"
	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/ports"
	"github.com/randalmurphal/orcloop/internal/task"
)

// InstructionFileName is the fixed name of the task-scoped instruction file
// written inside every workspace.
const InstructionFileName = "ORCLOOP_TASK.md"

var baseBranchLabel = regexp.MustCompile(`^base:(.+)$`)

// Manager creates, validates, and tears down per-task workspaces.
type Manager struct {
	root   string
	cache  *gitrepo.Cache
	lock   *gitrepo.Lock
	git    ports.GitPort
	state  ports.StatePort
	board  ports.ProjectBoardPort
	logger *slog.Logger

	// CloneURLFunc resolves a repositoryID ("owner/repo") to a clonable URL.
	// Defaults to an HTTPS GitHub-style URL; overridable for other hosts.
	CloneURLFunc func(repositoryID string) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBoard sets the board port used for default-branch resolution.
func WithBoard(b ports.ProjectBoardPort) Option {
	return func(m *Manager) { m.board = b }
}

// WithCloneURLFunc overrides how a repositoryID is turned into a clone URL.
func WithCloneURLFunc(fn func(string) string) Option {
	return func(m *Manager) { m.CloneURLFunc = fn }
}

// NewManager creates a workspace Manager rooted at root, using cache/lock/git
// for repository plumbing and state for durable WorkspaceInfo records.
func NewManager(root string, cache *gitrepo.Cache, lock *gitrepo.Lock, git ports.GitPort, state ports.StatePort, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		cache:  cache,
		lock:   lock,
		git:    git,
		state:  state,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.CloneURLFunc == nil {
		m.CloneURLFunc = func(repositoryID string) string {
			return fmt.Sprintf("https://github.com/%s.git", repositoryID)
		}
	}
	return m
}

// CreateWorkspace computes the workspace layout for a task, ensures the
// directory exists, persists the WorkspaceInfo, and returns it.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID, repositoryID string, item *task.BoardItem) (*ports.WorkspaceInfo, error) {
	if taskID == "" || repositoryID == "" {
		return nil, orcerrors.New(orcerrors.CodeNotAvailable, "taskID and repositoryID are required")
	}

	branch := gitrepo.BranchName(taskID, item)
	dirName := gitrepo.WorkspaceDirName(repositoryID, branch)
	workspaceDir := filepath.Join(m.root, dirName)

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir %s: %w", workspaceDir, err)
	}

	info := &ports.WorkspaceInfo{
		TaskID:              taskID,
		RepositoryID:        repositoryID,
		WorkspaceDir:        workspaceDir,
		BranchName:          branch,
		WorktreeCreated:     false,
		InstructionFilePath: filepath.Join(workspaceDir, InstructionFileName),
		CreatedAt:           time.Now(),
	}

	if err := m.state.PutWorkspace(ctx, *info); err != nil {
		return nil, fmt.Errorf("persist workspace for %s: %w", taskID, err)
	}
	return info, nil
}

// ResolveBaseBranch implements the base-branch resolution order: a
// "base:<name>" label on the board item, then the repository's configured
// default branch, then "main".
func (m *Manager) ResolveBaseBranch(ctx context.Context, repositoryID string, item *task.BoardItem) string {
	if item != nil {
		for _, label := range item.Labels {
			if mm := baseBranchLabel.FindStringSubmatch(label); mm != nil {
				return strings.TrimSpace(mm[1])
			}
		}
	}
	if m.board != nil {
		if branch, err := m.board.GetRepositoryDefaultBranch(ctx, repositoryID); err == nil && branch != "" {
			return branch
		}
	}
	return "main"
}

// SetupWorktree ensures the repository is cloned and creates (or validates)
// the task's git worktree, all under the repository's GitLock.
func (m *Manager) SetupWorktree(ctx context.Context, info *ports.WorkspaceInfo, baseBranch string) error {
	repoState, err := m.cache.EnsureRepository(ctx, info.RepositoryID, m.CloneURLFunc(info.RepositoryID))
	if err != nil {
		return fmt.Errorf("ensure repository %s: %w", info.RepositoryID, err)
	}

	if info.WorktreeCreated {
		if m.validateWorktree(ctx, repoState.LocalPath, info.WorkspaceDir) {
			return nil
		}
		m.logger.Warn("worktree marked created but failed validation, recreating",
			"task_id", info.TaskID, "workspace_dir", info.WorkspaceDir)
		info.WorktreeCreated = false
	}

	err = m.lock.WithLock(info.RepositoryID, func() error {
		return m.git.CreateWorktree(ctx, repoState.LocalPath, info.BranchName, info.WorkspaceDir, baseBranch)
	})
	if err != nil {
		return fmt.Errorf("create worktree for %s: %w", info.TaskID, err)
	}

	m.cache.AddWorktree(info.RepositoryID, info.WorkspaceDir)
	info.WorktreeCreated = true
	if err := m.state.PutWorkspace(ctx, *info); err != nil {
		return fmt.Errorf("persist workspace after worktree setup: %w", err)
	}
	return nil
}

func (m *Manager) validateWorktree(ctx context.Context, repoPath, workspaceDir string) bool {
	if _, err := os.Stat(workspaceDir); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(workspaceDir, ".git")); err != nil {
		return false
	}
	return m.git.IsValidRepository(ctx, workspaceDir)
}

// InstructionFileOptions carries the content the instruction file describes.
type InstructionFileOptions struct {
	TaskID       string
	RepositoryID string
	BranchName   string
	Title        string
	Requirements []string
	TestingNotes string
}

// SetupInstructionFile writes the task-scoped Markdown instruction file,
// overwriting any existing content.
func (m *Manager) SetupInstructionFile(info *ports.WorkspaceInfo, opts InstructionFileOptions) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s\n\n", opts.TaskID)
	fmt.Fprintf(&b, "- Repository: %s\n", opts.RepositoryID)
	fmt.Fprintf(&b, "- Branch: %s\n", opts.BranchName)
	if opts.Title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", opts.Title)
	}
	b.WriteString("\n")
	if len(opts.Requirements) > 0 {
		b.WriteString("## Requirements\n\n")
		for _, r := range opts.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Testing\n\n")
	if opts.TestingNotes != "" {
		b.WriteString(opts.TestingNotes)
		b.WriteString("\n")
	} else {
		b.WriteString("Run the project's existing test suite before opening a pull request.\n")
	}

	if err := os.WriteFile(info.InstructionFilePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write instruction file %s: %w", info.InstructionFilePath, err)
	}
	return nil
}

// CleanupWorkspace removes the worktree, unregisters it from the repository
// cache, and deletes the workspace directory. Best-effort and idempotent:
// every step runs even if an earlier one fails, and errors are logged, not
// returned, except the combined error for callers who want to observe it.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) error {
	info, ok, err := m.state.GetWorkspace(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load workspace for %s: %w", taskID, err)
	}
	if !ok {
		return nil
	}

	var errs []string

	if repoState, known := m.cache.Get(info.RepositoryID); known {
		lockErr := m.lock.WithLock(info.RepositoryID, func() error {
			return m.git.RemoveWorktree(ctx, repoState.LocalPath, info.WorkspaceDir)
		})
		if lockErr != nil {
			m.logger.Warn("remove worktree failed", "task_id", taskID, "error", lockErr)
			errs = append(errs, lockErr.Error())
		}
	}
	m.cache.RemoveWorktree(info.RepositoryID, info.WorkspaceDir)

	if rmErr := os.RemoveAll(info.WorkspaceDir); rmErr != nil {
		m.logger.Warn("remove workspace dir failed", "task_id", taskID, "error", rmErr)
		errs = append(errs, rmErr.Error())
	}

	if delErr := m.state.DeleteWorkspace(ctx, taskID); delErr != nil {
		m.logger.Warn("delete workspace record failed", "task_id", taskID, "error", delErr)
		errs = append(errs, delErr.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup workspace %s: %s", taskID, strings.Join(errs, "; "))
	}
	return nil
}

// GetWorkspaceInfo returns the durable workspace record for taskID.
func (m *Manager) GetWorkspaceInfo(ctx context.Context, taskID string) (*ports.WorkspaceInfo, bool, error) {
	return m.state.GetWorkspace(ctx, taskID)
}
