package workflow

import (
	"context"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/store"
	"github.com/agentctl/agentctl/pkg/types"
)

// StepExecutor carries out one step: assigning it, delivering the handoff,
// and blocking until the work reaches a terminal outcome. The daemon's
// executor creates tasks and waits on their status; tests substitute fakes.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, run types.WorkflowRun, step Step, attempt int) (result string, err error)
}

// Engine drives workflow runs sequentially against the store, emitting a
// WORKFLOW_STEP event and a workflow_event row for every transition.
type Engine struct {
	store    *store.WorkflowStore
	bus      *events.Bus
	executor StepExecutor
	// defaultAssignee takes steps whose definition names nobody.
	defaultAssignee string
	// retros, when set, parks finished runs in retro_in_progress until the
	// retro document closes them out.
	retros *store.RetroStore
}

// NewEngine builds an engine.
func NewEngine(st *store.WorkflowStore, bus *events.Bus, executor StepExecutor, defaultAssignee string) *Engine {
	return &Engine{store: st, bus: bus, executor: executor, defaultAssignee: defaultAssignee}
}

// EnableRetros makes every successful run open a retro session instead of
// completing outright. Failed and cancelled runs never get one.
func (e *Engine) EnableRetros(retros *store.RetroStore) {
	e.retros = retros
}

// Trigger executes the definition's steps in declaration order. Cancellation
// is polled before every step creation: the in-flight step keeps whatever
// state it reached, the run flips to cancelled, and the caller gets an abort
// error. The run id comes back even on failure so callers can inspect it.
func (e *Engine) Trigger(ctx context.Context, def *Definition, runCtx map[string]string) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	run, err := e.store.CreateRun(ctx, types.WorkflowRun{WorkflowName: def.Name})
	if err != nil {
		return "", err
	}
	if err := e.transitionRun(ctx, run.ID, types.RunRunning, "run_started", def.Name); err != nil {
		return run.ID, err
	}
	run.Status = types.RunRunning

	logger := log.WithRunID(run.ID)
	for _, step := range def.Steps {
		if ctx.Err() != nil {
			return run.ID, e.cancelRun(run.ID, step.ID)
		}
		failed, err := e.runStep(ctx, run, def, step)
		if err != nil {
			if errdefs.IsAbort(err) {
				return run.ID, e.cancelRun(run.ID, step.ID)
			}
			return run.ID, err
		}
		if failed {
			switch def.Policy() {
			case FailContinue:
				logger.Warn().Str("step", step.ID).Msg("step failed, policy continues")
				continue
			default:
				if err := e.transitionRun(context.WithoutCancel(ctx), run.ID, types.RunFailed, "run_failed", step.ID); err != nil {
					return run.ID, err
				}
				return run.ID, errdefs.ToolErrorf("workflow %s failed at step %s", def.Name, step.ID)
			}
		}
	}
	if e.retros != nil {
		sess, err := e.retros.CreateSession(ctx, run.ID)
		if err != nil {
			return run.ID, err
		}
		if err := e.store.SetRunRetro(ctx, run.ID, sess.ID); err != nil {
			return run.ID, err
		}
		if err := e.transitionRun(ctx, run.ID, types.RunRetroInProgress, "retro_opened", sess.ID); err != nil {
			return run.ID, err
		}
		return run.ID, nil
	}
	if err := e.transitionRun(ctx, run.ID, types.RunCompleted, "run_completed", def.Name); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// CloseRetro records the synthesized document, closes the retro session, and
// completes the parked run.
func (e *Engine) CloseRetro(ctx context.Context, retroID, content string) (types.RetroDocument, error) {
	if e.retros == nil {
		return types.RetroDocument{}, errdefs.Validationf("retros are not enabled")
	}
	sess, err := e.retros.GetSession(ctx, retroID)
	if err != nil {
		return types.RetroDocument{}, err
	}
	doc, err := e.retros.SaveDocument(ctx, retroID, content)
	if err != nil {
		return types.RetroDocument{}, err
	}
	run, err := e.store.GetRun(ctx, sess.RunID)
	if err != nil {
		return types.RetroDocument{}, err
	}
	if run.Status == types.RunRetroInProgress {
		if err := e.transitionRun(ctx, sess.RunID, types.RunCompleted, "run_completed", retroID); err != nil {
			return types.RetroDocument{}, err
		}
	}
	return doc, nil
}

// runStep executes one step with the definition's retry budget. The bool
// reports terminal failure after retries; err is reserved for infrastructure
// problems and cancellation.
func (e *Engine) runStep(ctx context.Context, run types.WorkflowRun, def *Definition, step Step) (bool, error) {
	assignee := step.Assign
	if assignee == "" {
		assignee = e.defaultAssignee
	}
	stepRun, err := e.store.CreateStepRun(ctx, types.StepRun{
		RunID:    run.ID,
		StepID:   step.ID,
		Status:   types.StepRunning,
		Assignee: assignee,
		StartedAt: types.Timestamp(time.Now()),
	})
	if err != nil {
		return false, err
	}
	e.record(ctx, run.ID, stepRun.ID, "step_started", step.ID)

	maxAttempts := 1
	if def.Policy() == FailRetry {
		maxAttempts = def.Attempts()
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false, errdefs.Abort("")
		}
		stepRun.Attempt = attempt
		result, err := e.executor.ExecuteStep(ctx, run, step, attempt)
		if err == nil {
			stepRun.Status = types.StepCompleted
			stepRun.Result = result
			stepRun.CompletedAt = types.Timestamp(time.Now())
			if err := e.store.UpdateStepRun(ctx, stepRun); err != nil {
				return false, err
			}
			e.record(ctx, run.ID, stepRun.ID, "step_completed", step.ID)
			return false, nil
		}
		if errdefs.IsAbort(err) {
			return false, err
		}
		lastErr = err
		e.record(ctx, run.ID, stepRun.ID, "step_attempt_failed", err.Error())
		if err := e.store.UpdateStepRun(ctx, stepRun); err != nil {
			return false, err
		}
	}

	stepRun.Status = types.StepFailed
	stepRun.Result = lastErr.Error()
	stepRun.CompletedAt = types.Timestamp(time.Now())
	if err := e.store.UpdateStepRun(context.WithoutCancel(ctx), stepRun); err != nil {
		return false, err
	}
	e.record(ctx, run.ID, stepRun.ID, "step_failed", step.ID)
	return true, nil
}

// ScheduleReadySteps creates pending step runs for every step whose
// dependencies have all completed and which has no step run yet. It returns
// the step ids it scheduled.
func (e *Engine) ScheduleReadySteps(ctx context.Context, runID string, def *Definition) ([]string, error) {
	existing, err := e.store.StepRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	started := make(map[string]bool, len(existing))
	completed := make(map[string]bool, len(existing))
	for _, sr := range existing {
		started[sr.StepID] = true
		if sr.Status == types.StepCompleted {
			completed[sr.StepID] = true
		}
	}

	var scheduled []string
	for _, step := range def.Steps {
		if ctx.Err() != nil {
			return scheduled, errdefs.Abort("")
		}
		if started[step.ID] {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		assignee := step.Assign
		if assignee == "" {
			assignee = e.defaultAssignee
		}
		stepRun, err := e.store.CreateStepRun(ctx, types.StepRun{
			RunID:    runID,
			StepID:   step.ID,
			Status:   types.StepPending,
			Assignee: assignee,
		})
		if err != nil {
			return scheduled, err
		}
		e.record(ctx, runID, stepRun.ID, "step_scheduled", step.ID)
		scheduled = append(scheduled, step.ID)
	}
	return scheduled, nil
}

// Cancel marks a running run cancelled from outside the trigger loop.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return errdefs.Validationf("workflow run %s already %s", runID, run.Status)
	}
	return e.transitionRun(ctx, runID, types.RunCancelled, "run_cancelled", "")
}

func (e *Engine) cancelRun(runID, stepID string) error {
	// Cancellation bookkeeping must outlive the cancelled context.
	ctx := context.Background()
	if err := e.transitionRun(ctx, runID, types.RunCancelled, "run_cancelled", stepID); err != nil {
		logger := log.WithRunID(runID)
		logger.Error().Err(err).Msg("marking run cancelled")
	}
	return errdefs.Abort("workflow run " + runID + " cancelled")
}

func (e *Engine) transitionRun(ctx context.Context, runID string, status types.WorkflowRunStatus, eventType, detail string) error {
	if err := e.store.UpdateRunStatus(ctx, runID, status); err != nil {
		return err
	}
	e.record(ctx, runID, "", eventType, detail)
	return nil
}

func (e *Engine) record(ctx context.Context, runID, stepRunID, eventType, detail string) {
	if err := e.store.AppendEvent(context.WithoutCancel(ctx), runID, stepRunID, eventType, detail); err != nil {
		logger := log.WithRunID(runID)
		logger.Error().Err(err).Msg("recording workflow event")
	}
	e.bus.Emit(events.Event{
		Type: events.EventWorkflowStep,
		Payload: map[string]any{
			"run_id":      runID,
			"step_run_id": stepRunID,
			"event":       eventType,
			"detail":      detail,
		},
	})
}
