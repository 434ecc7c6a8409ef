package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// TaskStore persists tasks, their append-only event history, and handoffs.
// Status transitions are serialised per task: concurrent conflicting updates
// lose with a validation error instead of overwriting each other.
type TaskStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// taskLock returns the mutex serialising transitions for one task id.
func (s *TaskStore) taskLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// releaseLock drops the per-task mutex once the task can no longer move.
func (s *TaskStore) releaseLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

func (s *TaskStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			status     TEXT NOT NULL,
			assignee   TEXT NOT NULL DEFAULT '',
			priority   TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee, status);
		CREATE TABLE IF NOT EXISTS task_events (
			id        TEXT PRIMARY KEY,
			task_id   TEXT NOT NULL,
			type      TEXT NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp);
		CREATE TABLE IF NOT EXISTS handoffs (
			id            TEXT PRIMARY KEY,
			from_account  TEXT NOT NULL,
			to_account    TEXT NOT NULL,
			task_id       TEXT NOT NULL DEFAULT '',
			goal          TEXT NOT NULL,
			criteria      TEXT NOT NULL,
			run_commands  TEXT NOT NULL,
			blocked_by    TEXT NOT NULL,
			criticality   TEXT NOT NULL DEFAULT '',
			reversibility TEXT NOT NULL DEFAULT '',
			verifiability TEXT NOT NULL DEFAULT '',
			context       TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL
		);
	`)
	return err
}

// Add inserts a new task in status todo unless the caller set one.
func (s *TaskStore) Add(ctx context.Context, task types.Task) (types.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = types.TaskStatusTodo
	}
	if !task.Status.Valid() {
		return types.Task{}, errdefs.Validationf("unknown task status %q", task.Status)
	}
	if task.Priority != "" && !task.Priority.Valid() {
		return types.Task{}, errdefs.Validationf("unknown priority %q", task.Priority)
	}
	if task.CreatedAt == "" {
		task.CreatedAt = types.Timestamp(time.Now())
	}
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return types.Task{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, assignee, priority, tags, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Status, task.Assignee, task.Priority,
		string(tags), task.CreatedAt, task.StartedAt)
	if err != nil {
		return types.Task{}, err
	}
	if err := s.appendEvent(ctx, task.ID, "created", task.Assignee, ""); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// Find returns the task with its event history.
func (s *TaskStore) Find(ctx context.Context, id string) (types.Task, error) {
	task, err := s.findRow(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	task.Events, err = s.Events(ctx, id)
	return task, err
}

func (s *TaskStore) findRow(ctx context.Context, id string) (types.Task, error) {
	var task types.Task
	var tags string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, assignee, priority, tags, created_at, started_at
		FROM tasks WHERE id = ?`, id).
		Scan(&task.ID, &task.Title, &task.Status, &task.Assignee, &task.Priority,
			&tags, &task.CreatedAt, &task.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, errdefs.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return types.Task{}, err
	}
	if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// List returns tasks filtered by status and assignee; empty filters match
// everything. Results come back newest first.
func (s *TaskStore) List(ctx context.Context, status types.TaskStatus, assignee string) ([]types.Task, error) {
	q := `SELECT id, title, status, assignee, priority, tags, created_at, started_at FROM tasks WHERE 1=1`
	var args []any
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	if assignee != "" {
		q += ` AND assignee = ?`
		args = append(args, assignee)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		var task types.Task
		var tags string
		if err := rows.Scan(&task.ID, &task.Title, &task.Status, &task.Assignee,
			&task.Priority, &tags, &task.CreatedAt, &task.StartedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// OpenCount reports how many non-terminal tasks the account holds; the
// assignee suggestion ranks candidates by this.
func (s *TaskStore) OpenCount(ctx context.Context, assignee string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE assignee = ? AND status NOT IN (?, ?)`,
		assignee, types.TaskStatusAccepted, types.TaskStatusRejected).Scan(&n)
	return n, err
}

// UpdateStatus moves a task along the status graph, recording the transition
// in the event history. Illegal edges are validation errors and leave the
// row untouched. Transitions for one task are serialised: of two concurrent
// conflicting updates exactly one wins, the other gets a validation error.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, to types.TaskStatus, actor string) (types.Task, error) {
	if !to.Valid() {
		return types.Task{}, errdefs.Validationf("unknown task status %q", to)
	}
	lock := s.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.findRow(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	if !types.CanTransition(task.Status, to) {
		return types.Task{}, errdefs.Validationf(
			"invalid transition %s -> %s for task %s", task.Status, to, id)
	}
	startedAt := task.StartedAt
	if to == types.TaskStatusInProgress && startedAt == "" {
		startedAt = types.Timestamp(time.Now())
	}
	// The status guard makes the write conditional on the state we
	// validated, so a writer outside the lock can never be overwritten.
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		to, startedAt, id, task.Status)
	if err != nil {
		return types.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Task{}, errdefs.Validationf(
			"task %s moved out of %s concurrently", id, task.Status)
	}
	detail := string(task.Status) + " -> " + string(to)
	if err := s.appendEvent(ctx, id, "status_changed", actor, detail); err != nil {
		return types.Task{}, err
	}
	if to.Terminal() {
		s.releaseLock(id)
	}
	return s.Find(ctx, id)
}

// Reassign hands the task to a new assignee and records who moved it.
func (s *TaskStore) Reassign(ctx context.Context, id, assignee, actor string) (types.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee = ? WHERE id = ?`, assignee, id)
	if err != nil {
		return types.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Task{}, errdefs.NotFoundf("task %s not found", id)
	}
	if err := s.appendEvent(ctx, id, "reassigned", actor, assignee); err != nil {
		return types.Task{}, err
	}
	return s.Find(ctx, id)
}

// AppendEvent adds a custom entry to the task's history.
func (s *TaskStore) AppendEvent(ctx context.Context, taskID, eventType, actor, detail string) error {
	if _, err := s.findRow(ctx, taskID); err != nil {
		return err
	}
	return s.appendEvent(ctx, taskID, eventType, actor, detail)
}

func (s *TaskStore) appendEvent(ctx context.Context, taskID, eventType, actor, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, type, actor, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, eventType, actor, detail, types.Timestamp(time.Now()))
	return err
}

// Events returns the task's history, oldest first.
func (s *TaskStore) Events(ctx context.Context, taskID string) ([]types.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, actor, detail, timestamp
		FROM task_events WHERE task_id = ? ORDER BY timestamp ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TaskEvent
	for rows.Next() {
		var ev types.TaskEvent
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &ev.Actor, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveHandoff persists a validated handoff record.
func (s *TaskStore) SaveHandoff(ctx context.Context, h types.Handoff) (types.Handoff, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt == "" {
		h.CreatedAt = types.Timestamp(time.Now())
	}
	criteria, err := json.Marshal(h.AcceptanceCriteria)
	if err != nil {
		return types.Handoff{}, err
	}
	commands, err := json.Marshal(h.RunCommands)
	if err != nil {
		return types.Handoff{}, err
	}
	blocked, err := json.Marshal(h.BlockedBy)
	if err != nil {
		return types.Handoff{}, err
	}
	hctx, err := json.Marshal(h.Context)
	if err != nil {
		return types.Handoff{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, from_account, to_account, task_id, goal, criteria,
			run_commands, blocked_by, criticality, reversibility, verifiability, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.From, h.To, h.TaskID, h.Goal, string(criteria), string(commands),
		string(blocked), h.Criticality, h.Reversibility, h.Verifiability, string(hctx), h.CreatedAt)
	if err != nil {
		return types.Handoff{}, err
	}
	return h, nil
}

// HandoffForTask returns the most recent handoff that created or moved the
// task; the acceptance gate consults its risk tags.
func (s *TaskStore) HandoffForTask(ctx context.Context, taskID string) (types.Handoff, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM handoffs WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Handoff{}, errdefs.NotFoundf("no handoff for task %s", taskID)
	}
	if err != nil {
		return types.Handoff{}, err
	}
	return s.Handoff(ctx, id)
}

// Handoff returns one stored handoff by id.
func (s *TaskStore) Handoff(ctx context.Context, id string) (types.Handoff, error) {
	var h types.Handoff
	var criteria, commands, blocked, hctx string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_account, to_account, task_id, goal, criteria, run_commands,
			blocked_by, criticality, reversibility, verifiability, context, created_at
		FROM handoffs WHERE id = ?`, id).
		Scan(&h.ID, &h.From, &h.To, &h.TaskID, &h.Goal, &criteria, &commands,
			&blocked, &h.Criticality, &h.Reversibility, &h.Verifiability, &hctx, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Handoff{}, errdefs.NotFoundf("handoff %s not found", id)
	}
	if err != nil {
		return types.Handoff{}, err
	}
	for _, pair := range []struct {
		raw string
		dst any
	}{
		{criteria, &h.AcceptanceCriteria},
		{commands, &h.RunCommands},
		{blocked, &h.BlockedBy},
		{hctx, &h.Context},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return types.Handoff{}, err
		}
	}
	return h, nil
}
