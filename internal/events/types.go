// Package events provides progress-event types and in-memory publishing for
// the orchestrator core.
package events

import "time"

// Kind identifies the category of a published event.
type Kind string

const (
	KindWorkerStatus   Kind = "worker_status"
	KindTaskAssigned   Kind = "task_assigned"
	KindPullRequest    Kind = "pull_request"
	KindMerged         Kind = "merged"
	KindError          Kind = "error"
	KindPlannerCycle   Kind = "planner_cycle"
	KindWorkspaceSetup Kind = "workspace_setup"
)

// Event is a single published occurrence, scoped to a task when relevant.
type Event struct {
	Kind   Kind      `json:"kind"`
	TaskID string    `json:"task_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// New creates an Event stamped with the given time. Callers pass the
// timestamp explicitly so publishing stays deterministic in tests.
func New(kind Kind, taskID string, data any, at time.Time) Event {
	return Event{Kind: kind, TaskID: taskID, Data: data, Time: at}
}

// WorkerStatusData is the payload for KindWorkerStatus.
type WorkerStatusData struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// ErrorData is the payload for KindError.
type ErrorData struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
