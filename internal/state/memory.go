// Package state provides StatePort implementations: an in-memory store for
// tests and short-lived runs, and a SQLite-backed store for durable
// operation, grounded on the teacher's storage.Backend interface shape.
package state

import (
	"context"
	"sync"

	"github.com/randalmurphal/orcloop/internal/ports"
)

// Memory is an in-process, mutex-guarded StatePort implementation.
type Memory struct {
	mu         sync.RWMutex
	tasks      map[string]ports.TaskRecord
	workers    map[string]ports.WorkerRecord
	workspaces map[string]ports.WorkspaceInfo
	planner    *ports.PlannerStateRecord
}

// NewMemory creates an empty in-memory StatePort.
func NewMemory() *Memory {
	return &Memory{
		tasks:      make(map[string]ports.TaskRecord),
		workers:    make(map[string]ports.WorkerRecord),
		workspaces: make(map[string]ports.WorkspaceInfo),
	}
}

func (m *Memory) PutTask(ctx context.Context, t ports.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.TaskID] = t
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (*ports.TaskRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false, nil
	}
	return &t, true, nil
}

func (m *Memory) ListTasks(ctx context.Context) ([]ports.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ports.TaskRecord, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *Memory) PutWorker(ctx context.Context, w ports.WorkerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.WorkerID] = w
	return nil
}

func (m *Memory) GetWorker(ctx context.Context, workerID string) (*ports.WorkerRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[workerID]
	if !ok {
		return nil, false, nil
	}
	return &w, true, nil
}

func (m *Memory) ListWorkers(ctx context.Context) ([]ports.WorkerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ports.WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out, nil
}

func (m *Memory) DeleteWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	return nil
}

func (m *Memory) PutWorkspace(ctx context.Context, w ports.WorkspaceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[w.TaskID] = w
	return nil
}

func (m *Memory) GetWorkspace(ctx context.Context, taskID string) (*ports.WorkspaceInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[taskID]
	if !ok {
		return nil, false, nil
	}
	return &w, true, nil
}

func (m *Memory) DeleteWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workspaces, taskID)
	return nil
}

func (m *Memory) PutPlannerState(ctx context.Context, s ports.PlannerStateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s
	m.planner = &rec
	return nil
}

func (m *Memory) GetPlannerState(ctx context.Context) (*ports.PlannerStateRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.planner == nil {
		return nil, false, nil
	}
	rec := *m.planner
	return &rec, true, nil
}

func (m *Memory) Close() error { return nil }

var _ ports.StatePort = (*Memory)(nil)
