package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// WorkflowStore persists workflow runs, step runs, and their event trail.
type WorkflowStore struct {
	db *sql.DB
}

func (s *WorkflowStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status        TEXT NOT NULL,
			started_at    TEXT NOT NULL DEFAULT '',
			completed_at  TEXT NOT NULL DEFAULT '',
			retro_id      TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS step_runs (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL,
			step_id      TEXT NOT NULL,
			status       TEXT NOT NULL,
			assignee     TEXT NOT NULL DEFAULT '',
			task_id      TEXT NOT NULL DEFAULT '',
			handoff_id   TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT '',
			attempt      INTEGER NOT NULL DEFAULT 1,
			result       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_step_runs_run ON step_runs(run_id);
		CREATE TABLE IF NOT EXISTS workflow_events (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			step_run_id TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			timestamp   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_run ON workflow_events(run_id, timestamp);
	`)
	return err
}

// CreateRun inserts a run, defaulting to pending.
func (s *WorkflowStore) CreateRun(ctx context.Context, run types.WorkflowRun) (types.WorkflowRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = types.RunPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, status, started_at, completed_at, retro_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.Status, run.StartedAt, run.CompletedAt, run.RetroID)
	if err != nil {
		return types.WorkflowRun{}, err
	}
	return run, nil
}

// GetRun round-trips every run field.
func (s *WorkflowStore) GetRun(ctx context.Context, id string) (types.WorkflowRun, error) {
	var run types.WorkflowRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, status, started_at, completed_at, retro_id
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.WorkflowName, &run.Status, &run.StartedAt, &run.CompletedAt, &run.RetroID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowRun{}, errdefs.NotFoundf("workflow run %s not found", id)
	}
	return run, err
}

// ListRuns returns runs for one workflow name, or all runs when empty.
func (s *WorkflowStore) ListRuns(ctx context.Context, workflowName string) ([]types.WorkflowRun, error) {
	q := `SELECT id, workflow_name, status, started_at, completed_at, retro_id FROM runs`
	var args []any
	if workflowName != "" {
		q += ` WHERE workflow_name = ?`
		args = append(args, workflowName)
	}
	q += ` ORDER BY started_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowRun
	for rows.Next() {
		var run types.WorkflowRun
		if err := rows.Scan(&run.ID, &run.WorkflowName, &run.Status,
			&run.StartedAt, &run.CompletedAt, &run.RetroID); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunStatus moves the run; terminal statuses stamp completed_at.
func (s *WorkflowStore) UpdateRunStatus(ctx context.Context, id string, status types.WorkflowRunStatus) error {
	completedAt := ""
	if status.Terminal() {
		completedAt = types.Timestamp(time.Now())
	}
	var res sql.Result
	var err error
	if status == types.RunRunning {
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
			status, types.Timestamp(time.Now()), id)
	} else if completedAt != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("workflow run %s not found", id)
	}
	return nil
}

// SetRunRetro links the retro session opened for this run.
func (s *WorkflowStore) SetRunRetro(ctx context.Context, runID, retroID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET retro_id = ? WHERE id = ?`, retroID, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("workflow run %s not found", runID)
	}
	return nil
}

// CreateStepRun inserts a step run, defaulting to pending at attempt 1.
func (s *WorkflowStore) CreateStepRun(ctx context.Context, step types.StepRun) (types.StepRun, error) {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = types.StepPending
	}
	if step.Attempt == 0 {
		step.Attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs (id, run_id, step_id, status, assignee, task_id,
			handoff_id, started_at, completed_at, attempt, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepID, step.Status, step.Assignee, step.TaskID,
		step.HandoffID, step.StartedAt, step.CompletedAt, step.Attempt, step.Result)
	if err != nil {
		return types.StepRun{}, err
	}
	return step, nil
}

// UpdateStepRun rewrites the mutable step fields.
func (s *WorkflowStore) UpdateStepRun(ctx context.Context, step types.StepRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET status = ?, assignee = ?, task_id = ?, handoff_id = ?,
			started_at = ?, completed_at = ?, attempt = ?, result = ?
		WHERE id = ?`,
		step.Status, step.Assignee, step.TaskID, step.HandoffID,
		step.StartedAt, step.CompletedAt, step.Attempt, step.Result, step.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("step run %s not found", step.ID)
	}
	return nil
}

// StepRuns returns the run's steps in insertion order.
func (s *WorkflowStore) StepRuns(ctx context.Context, runID string) ([]types.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, status, assignee, task_id, handoff_id,
			started_at, completed_at, attempt, result
		FROM step_runs WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.StepRun
	for rows.Next() {
		var step types.StepRun
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepID, &step.Status,
			&step.Assignee, &step.TaskID, &step.HandoffID, &step.StartedAt,
			&step.CompletedAt, &step.Attempt, &step.Result); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// AppendEvent records one run or step transition.
func (s *WorkflowStore) AppendEvent(ctx context.Context, runID, stepRunID, eventType, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (id, run_id, step_run_id, type, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, stepRunID, eventType, detail, types.Timestamp(time.Now()))
	return err
}

// Events returns the run's event trail, oldest first.
func (s *WorkflowStore) Events(ctx context.Context, runID string) ([]types.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_run_id, type, detail, timestamp
		FROM workflow_events WHERE run_id = ? ORDER BY timestamp ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowEvent
	for rows.Next() {
		var ev types.WorkflowEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepRunID, &ev.Type, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
