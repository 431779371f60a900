package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/randalmurphal/orcloop/internal/ports"
)

// SQLite is a durable StatePort backed by a single SQLite file, using
// modernc.org/sqlite (pure Go, no cgo) as the teacher's database backend
// does for its local store. Each record kind is a table keyed by id with
// the record serialized as JSON, matching spec's "self-describing
// structured value" requirement for the persisted state layout.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the SQLite state database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite state db: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (task_id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS workers (worker_id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS workspaces (task_id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS planner_state (id INTEGER PRIMARY KEY CHECK (id = 1), data TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func putJSON(ctx context.Context, db *sql.DB, table, keyCol, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, data) VALUES (?, ?)
		ON CONFLICT(%s) DO UPDATE SET data = excluded.data`, table, keyCol, keyCol)
	_, err = db.ExecContext(ctx, query, key, string(data))
	return err
}

func getJSON(ctx context.Context, db *sql.DB, table, keyCol, key string, dest any) (bool, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, table, keyCol)
	row := db.QueryRowContext(ctx, query, key)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("unmarshal %s record: %w", table, err)
	}
	return true, nil
}

func listJSON[T any](ctx context.Context, db *sql.DB, table string) ([]T, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s record: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) PutTask(ctx context.Context, t ports.TaskRecord) error {
	return putJSON(ctx, s.db, "tasks", "task_id", t.TaskID, t)
}

func (s *SQLite) GetTask(ctx context.Context, taskID string) (*ports.TaskRecord, bool, error) {
	var t ports.TaskRecord
	ok, err := getJSON(ctx, s.db, "tasks", "task_id", taskID, &t)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &t, true, nil
}

func (s *SQLite) ListTasks(ctx context.Context) ([]ports.TaskRecord, error) {
	return listJSON[ports.TaskRecord](ctx, s.db, "tasks")
}

func (s *SQLite) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	return err
}

func (s *SQLite) PutWorker(ctx context.Context, w ports.WorkerRecord) error {
	return putJSON(ctx, s.db, "workers", "worker_id", w.WorkerID, w)
}

func (s *SQLite) GetWorker(ctx context.Context, workerID string) (*ports.WorkerRecord, bool, error) {
	var w ports.WorkerRecord
	ok, err := getJSON(ctx, s.db, "workers", "worker_id", workerID, &w)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &w, true, nil
}

func (s *SQLite) ListWorkers(ctx context.Context) ([]ports.WorkerRecord, error) {
	return listJSON[ports.WorkerRecord](ctx, s.db, "workers")
}

func (s *SQLite) DeleteWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID)
	return err
}

func (s *SQLite) PutWorkspace(ctx context.Context, w ports.WorkspaceInfo) error {
	return putJSON(ctx, s.db, "workspaces", "task_id", w.TaskID, w)
}

func (s *SQLite) GetWorkspace(ctx context.Context, taskID string) (*ports.WorkspaceInfo, bool, error) {
	var w ports.WorkspaceInfo
	ok, err := getJSON(ctx, s.db, "workspaces", "task_id", taskID, &w)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &w, true, nil
}

func (s *SQLite) DeleteWorkspace(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE task_id = ?`, taskID)
	return err
}

func (s *SQLite) PutPlannerState(ctx context.Context, rec ports.PlannerStateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal planner state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO planner_state (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	return err
}

func (s *SQLite) GetPlannerState(ctx context.Context) (*ports.PlannerStateRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM planner_state WHERE id = 1`)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec ports.PlannerStateRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal planner state: %w", err)
	}
	return &rec, true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ ports.StatePort = (*SQLite)(nil)
