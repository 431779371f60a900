// Package task defines the Task data model shared by the router, worker
// pool, and planner.
package task

import "time"

// Action identifies the kind of work a TaskRequest asks a Worker to perform.
type Action string

const (
	ActionStartNewTask    Action = "START_NEW_TASK"
	ActionResumeTask      Action = "RESUME_TASK"
	ActionProcessFeedback Action = "PROCESS_FEEDBACK"
	ActionMergeRequest    Action = "MERGE_REQUEST"
	ActionCheckStatus     Action = "CHECK_STATUS"
)

// BoardStatus mirrors the board item lifecycle status.
type BoardStatus string

const (
	BoardStatusTodo       BoardStatus = "TODO"
	BoardStatusInProgress BoardStatus = "IN_PROGRESS"
	BoardStatusInReview   BoardStatus = "IN_REVIEW"
	BoardStatusDone       BoardStatus = "DONE"
)

// ContentType identifies what kind of board item a Task was derived from.
type ContentType string

const (
	ContentTypeIssue       ContentType = "issue"
	ContentTypePullRequest ContentType = "pull_request"
	ContentTypeDraftIssue  ContentType = "draft_issue"
)

// BoardItem is a snapshot of the board-provider's view of a work item.
type BoardItem struct {
	ID              string
	Title           string
	Description     string
	Status          BoardStatus
	Labels          []string
	PullRequestURLs []string
	ContentType     ContentType
	ContentNumber   int
	RepositoryID    string // "owner/repo" the item targets, if the board knows it
}

// ReviewComment is a single reviewer comment on a pull request.
type ReviewComment struct {
	ID        string
	Author    string
	Content   string
	CreatedAt time.Time
}

// Task is the unit of work the scheduler tracks end-to-end.
type Task struct {
	TaskID          string
	RepositoryID    string // "owner/repo"
	Action          Action
	BoardItem       *BoardItem
	PullRequestURL  string
	ReviewComments  []ReviewComment
	AssignedAt      time.Time
	RetryCount      int
	LastError       string
}

// ReviewState is the approval/merge status of a pull request as seen by the
// PR provider.
type ReviewState string

const (
	ReviewPending           ReviewState = "PENDING"
	ReviewApproved          ReviewState = "APPROVED"
	ReviewChangesRequested  ReviewState = "CHANGES_REQUESTED"
	ReviewMerged            ReviewState = "MERGED"
	ReviewClosed            ReviewState = "CLOSED"
)
