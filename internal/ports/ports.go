// Package ports defines the narrow interfaces ("ports") the core consumes
// from its external collaborators: the project board, the pull-request
// provider, git, the developer agent CLI, and durable state storage.
//
// Concrete adapters live in internal/boardprovider and internal/prprovider;
// internal/gitrepo implements GitPort; internal/developer implements
// DeveloperPort; internal/state implements StatePort.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/orcloop/internal/task"
)

// ErrMergeNotSupported is returned by PullRequestPort.RequestMerge when the
// provider cannot merge server-side; the caller then routes a MERGE_REQUEST
// to the developer agent instead.
var ErrMergeNotSupported = errors.New("merge not supported by provider")

// ProjectBoardPort is the abstract contract for the project-management board.
type ProjectBoardPort interface {
	GetItems(ctx context.Context, boardID string, status task.BoardStatus) ([]task.BoardItem, error)
	UpdateItemStatus(ctx context.Context, itemID string, newStatus task.BoardStatus) error
	AddPullRequestToItem(ctx context.Context, itemID, prURL string) error
	SetPullRequestToItem(ctx context.Context, itemID, prURL string) error
	GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) (string, error)
}

// PullRequestPort is the abstract contract for the pull-request provider.
type PullRequestPort interface {
	GetPullRequest(ctx context.Context, url string) (*PullRequest, error)
	GetComments(ctx context.Context, url string, since time.Time) ([]task.ReviewComment, error)
	IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error)
	GetReviewState(ctx context.Context, url string) (task.ReviewState, error)
	// RequestMerge merges the pull request. Implementations that do not
	// support merging return ErrMergeNotSupported so the caller falls back
	// to letting the agent perform the merge.
	RequestMerge(ctx context.Context, url string) (commitSHA string, err error)
	MarkCommentsProcessed(ctx context.Context, url string, ids []string) error
}

// PullRequest is a minimal pull-request snapshot.
type PullRequest struct {
	URL        string
	Number     int
	State      string
	HeadBranch string
	BaseBranch string
	Merged     bool
}

// GitPort is the abstract contract for git plumbing operations.
type GitPort interface {
	Clone(ctx context.Context, url, localPath string, depth int) error
	Fetch(ctx context.Context, localPath string) error
	PullMainBranch(ctx context.Context, localPath string) error
	CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	IsValidRepository(ctx context.Context, path string) bool
}

// DeveloperPort is the abstract contract for the external coding-agent CLI.
type DeveloperPort interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, prompt, workspaceDir string) (*ExecutionResult, error)
	Cleanup(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	SetTimeout(d time.Duration)
}

// ExecutionResult is the raw outcome of one agent invocation.
type ExecutionResult struct {
	RawOutput string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
}

// WorkspaceInfo describes a task's prepared workspace.
type WorkspaceInfo struct {
	TaskID              string
	RepositoryID        string
	WorkspaceDir        string
	BranchName          string
	WorktreeCreated     bool
	InstructionFilePath string
	CreatedAt           time.Time
}

// RepositoryState tracks a locally cloned repository.
type RepositoryState struct {
	RepositoryID    string
	LocalPath       string
	LastFetchAt     time.Time
	ActiveWorktrees map[string]struct{}
}

// WorkerRecord is the durable, self-describing snapshot of a Worker.
type WorkerRecord struct {
	WorkerID       string
	WorkspaceDir   string
	DeveloperType  string
	Status         string
	CurrentTaskID  string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// TaskRecord is the durable snapshot of a Task.
type TaskRecord struct {
	TaskID       string
	RepositoryID string
	Action       task.Action
	PullRequestURL string
	AssignedAt   time.Time
	RetryCount   int
	LastError    string
	ProcessedCommentIDs []string
}

// PlannerStateRecord is the durable singleton snapshot of the Planner.
type PlannerStateRecord struct {
	LastSyncTime      time.Time
	ProcessedTaskIDs  []string
	ActiveTaskIDs     []string
}

// StatePort is the abstract contract for durable key-value state storage.
type StatePort interface {
	PutTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, bool, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
	DeleteTask(ctx context.Context, taskID string) error

	PutWorker(ctx context.Context, w WorkerRecord) error
	GetWorker(ctx context.Context, workerID string) (*WorkerRecord, bool, error)
	ListWorkers(ctx context.Context) ([]WorkerRecord, error)
	DeleteWorker(ctx context.Context, workerID string) error

	PutWorkspace(ctx context.Context, w WorkspaceInfo) error
	GetWorkspace(ctx context.Context, taskID string) (*WorkspaceInfo, bool, error)
	DeleteWorkspace(ctx context.Context, taskID string) error

	PutPlannerState(ctx context.Context, s PlannerStateRecord) error
	GetPlannerState(ctx context.Context) (*PlannerStateRecord, bool, error)

	Close() error
}
