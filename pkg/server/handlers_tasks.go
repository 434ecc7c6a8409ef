package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/sla"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// handleHandoffTask is the structured handoff path: validate the record,
// clear the delegation and launch policies, persist the task and handoff,
// and queue a message for the delegatee. Everything observable happens only
// after every gate has passed.
func (r *router) handleHandoffTask(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		To                 string            `json:"to"`
		TaskID             string            `json:"task_id"`
		Title              string            `json:"title"`
		Goal               string            `json:"goal"`
		AcceptanceCriteria []string          `json:"acceptance_criteria"`
		RunCommands        []string          `json:"run_commands"`
		BlockedBy          []string          `json:"blocked_by"`
		Criticality        string            `json:"criticality"`
		Reversibility      string            `json:"reversibility"`
		Verifiability      string            `json:"verifiability"`
		Context            map[string]string `json:"context"`
		Priority           string            `json:"priority"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	switch {
	case p.To == "":
		return nil, errdefs.Validationf("handoff needs a delegatee")
	case p.Goal == "":
		return nil, errdefs.Validationf("handoff needs a goal")
	case len(p.AcceptanceCriteria) == 0:
		return nil, errdefs.Validationf("handoff needs acceptance criteria")
	case len(p.RunCommands) == 0:
		return nil, errdefs.Validationf("handoff needs run commands")
	case len(p.BlockedBy) == 0:
		return nil, errdefs.Validationf("handoff needs blocked_by; use \"none\" when unblocked")
	}

	taskID := p.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if err := r.deps.Delegation.Check(taskID, c.account, p.To); err != nil {
		return nil, err
	}
	if decision := r.deps.Launcher.CanLaunch(c.account, p.To); !decision.Allowed {
		return nil, errdefs.RateLimitf("launch refused: %s", decision.Reason)
	}

	var task types.Task
	var err error
	if p.TaskID == "" {
		title := p.Title
		if title == "" {
			title = p.Goal
		}
		task, err = r.deps.Stores.Tasks.Add(ctx, types.Task{
			ID:       taskID,
			Title:    title,
			Assignee: p.To,
			Priority: types.Priority(p.Priority),
		})
		if err != nil {
			return nil, err
		}
		r.deps.Bus.Emit(events.Event{
			Type:    events.EventTaskCreated,
			TaskID:  task.ID,
			Account: c.account,
			Payload: map[string]any{"title": task.Title},
		})
	} else {
		task, err = r.deps.Stores.Tasks.Reassign(ctx, taskID, p.To, c.account)
		if err != nil {
			return nil, err
		}
	}

	handoff, err := r.deps.Stores.Tasks.SaveHandoff(ctx, types.Handoff{
		From:               c.account,
		To:                 p.To,
		TaskID:             taskID,
		Goal:               p.Goal,
		AcceptanceCriteria: p.AcceptanceCriteria,
		RunCommands:        p.RunCommands,
		BlockedBy:          p.BlockedBy,
		Criticality:        types.Criticality(p.Criticality),
		Reversibility:      p.Reversibility,
		Verifiability:      p.Verifiability,
		Context:            p.Context,
	})
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(handoff)
	if err != nil {
		return nil, errdefs.Internalf("encode handoff: %v", err)
	}
	if _, _, err := r.deps.Stores.Messages.Send(ctx, types.Message{
		From:      c.account,
		To:        p.To,
		Type:      "handoff",
		Content:   string(content),
		DedupeKey: "handoff:" + handoff.ID,
	}); err != nil {
		return nil, err
	}

	if err := r.deps.Delegation.Record(taskID, c.account, p.To); err != nil {
		return nil, err
	}
	r.deps.Launcher.RecordSpawn(p.To)
	r.deps.Bus.Emit(events.Event{
		Type:    events.EventTaskAssigned,
		TaskID:  taskID,
		Account: p.To,
		Payload: map[string]any{"from": c.account, "handoff_id": handoff.ID},
	})
	return protocol.Result(req, map[string]any{"handoff": handoff, "task": task}), nil
}

// handleHandoffAccept lets the delegatee take up the work: the task moves to
// in_progress and a start event goes out.
func (r *router) handleHandoffAccept(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		HandoffID string `json:"handoff_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.HandoffID == "" {
		return nil, errdefs.Validationf("handoff_accept needs a handoff id")
	}
	handoff, err := r.deps.Stores.Tasks.Handoff(ctx, p.HandoffID)
	if err != nil {
		return nil, err
	}
	if handoff.To != c.account {
		return nil, errdefs.Authf("handoff %s is addressed to %s", handoff.ID, handoff.To)
	}
	task, err := r.deps.Stores.Tasks.UpdateStatus(ctx, handoff.TaskID, types.TaskStatusInProgress, c.account)
	if err != nil {
		return nil, err
	}
	r.deps.Bus.Emit(events.Event{
		Type:    events.EventTaskStarted,
		TaskID:  task.ID,
		Account: c.account,
		Payload: map[string]any{"handoff_id": handoff.ID},
	})
	return protocol.Result(req, map[string]any{"task": task}), nil
}

func (r *router) handleReauthorizeDelegation(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		TaskID   string `json:"task_id"`
		MaxDepth int    `json:"max_depth"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errdefs.Validationf("reauthorize_delegation needs a task id")
	}
	if err := r.deps.Delegation.Reauthorize(p.TaskID, p.MaxDepth); err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{
		"task_id":   p.TaskID,
		"max_depth": p.MaxDepth,
	}), nil
}

// acceptanceGate maps the handoff's risk tags onto the gate that must clear
// before the task may be accepted. Tasks without a handoff auto-accept.
func acceptanceGate(h types.Handoff, found bool) types.AcceptanceGate {
	if !found {
		return types.GateAutoAccept
	}
	switch {
	case h.Criticality == types.CriticalityCritical && h.Reversibility == "irreversible":
		return types.GateRequireElevatedReview
	case h.Criticality == types.CriticalityCritical:
		return types.GateRequireAcceptance
	case h.Criticality == types.CriticalityHigh:
		return types.GateRequireJustification
	}
	return types.GateAutoAccept
}

func (r *router) handleUpdateTaskStatus(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		TaskID        string `json:"task_id"`
		Status        string `json:"status"`
		Reason        string `json:"reason"`
		Justification string `json:"justification"`
		Confirm       bool   `json:"confirm"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.Status == "" {
		return nil, errdefs.Validationf("update_task_status needs a task id and a status")
	}
	status := types.TaskStatus(p.Status)
	if !status.Valid() {
		return nil, errdefs.Validationf("unknown task status %q", p.Status)
	}
	if status == types.TaskStatusRejected && p.Reason == "" {
		return nil, errdefs.Validationf("rejecting a task requires a reason")
	}

	gate := types.GateAutoAccept
	if status == types.TaskStatusAccepted {
		handoff, err := r.deps.Stores.Tasks.HandoffForTask(ctx, p.TaskID)
		found := err == nil
		if err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
			return nil, err
		}
		gate = acceptanceGate(handoff, found)
		switch gate {
		case types.GateRequireElevatedReview:
			return nil, errdefs.Validationf(
				"task %s is critical and irreversible; acceptance requires elevated human review", p.TaskID)
		case types.GateRequireAcceptance:
			if !p.Confirm {
				return nil, errdefs.Validationf(
					"task %s is critical; acceptance must be confirmed explicitly", p.TaskID)
			}
		case types.GateRequireJustification:
			if p.Justification == "" {
				return nil, errdefs.Validationf(
					"task %s is high criticality; acceptance requires a justification", p.TaskID)
			}
			if err := r.deps.Stores.Tasks.AppendEvent(ctx, p.TaskID,
				"acceptance_justification", c.account, p.Justification); err != nil {
				return nil, err
			}
		}
	}

	task, err := r.deps.Stores.Tasks.UpdateStatus(ctx, p.TaskID, status, c.account)
	if err != nil {
		return nil, err
	}

	switch status {
	case types.TaskStatusAccepted:
		r.deps.Coordinator.NoteAcceptance(task.Assignee)
		r.deps.Bus.Emit(events.Event{
			Type:    events.EventTaskCompleted,
			TaskID:  task.ID,
			Account: task.Assignee,
			Payload: map[string]any{"status": string(status)},
		})
	case types.TaskStatusRejected:
		r.deps.Coordinator.NoteRejection(task.Assignee)
		if err := r.deps.Stores.Tasks.AppendEvent(ctx, task.ID, "rejected", c.account, p.Reason); err != nil {
			return nil, err
		}
	}
	if status.Terminal() {
		r.deps.Progress.Forget(task.ID)
		r.deps.Delegation.Forget(task.ID)
		r.deps.Coordinator.Forget(task.ID)
	}
	return protocol.Result(req, map[string]any{"task": task, "gate": gate}), nil
}

func (r *router) handleReportProgress(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		TaskID                    string   `json:"task_id"`
		Percent                   float64  `json:"percent"`
		CurrentStep               string   `json:"current_step"`
		Blockers                  []string `json:"blockers"`
		EstimatedRemainingMinutes float64  `json:"estimated_remaining_minutes"`
		ArtifactsProduced         []string `json:"artifacts_produced"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errdefs.Validationf("report_progress needs a task id")
	}
	if p.Percent < 0 || p.Percent > 100 {
		return nil, errdefs.Validationf("percent must be within [0,100], got %v", p.Percent)
	}
	r.deps.Progress.Record(types.ProgressReport{
		TaskID:                    p.TaskID,
		Agent:                     c.account,
		Percent:                   p.Percent,
		CurrentStep:               p.CurrentStep,
		Blockers:                  p.Blockers,
		EstimatedRemainingMinutes: p.EstimatedRemainingMinutes,
		ArtifactsProduced:         p.ArtifactsProduced,
	})
	r.deps.Bus.Emit(events.Event{
		Type:    events.EventProgressUpdate,
		TaskID:  p.TaskID,
		Account: c.account,
		Payload: map[string]any{"percent": p.Percent, "current_step": p.CurrentStep},
	})
	return protocol.Result(req, map[string]any{"recorded": true}), nil
}

func (r *router) handleSuggestAssignee(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Candidates []string `json:"candidates"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	names := p.Candidates
	if len(names) == 0 {
		var err error
		names, err = r.deps.Layout.ListAccounts()
		if err != nil {
			return nil, errdefs.Internalf("list accounts: %v", err)
		}
	}
	candidates := make([]sla.Candidate, 0, len(names))
	for _, name := range names {
		open, err := r.deps.Stores.Tasks.OpenCount(ctx, name)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sla.Candidate{Account: name, OpenTasks: open})
	}
	assignee, ok := r.deps.Coordinator.SuggestAssignee(candidates)
	if !ok {
		return nil, errdefs.NotFoundf("no eligible assignee among %d candidates", len(candidates))
	}
	return protocol.Result(req, map[string]any{"assignee": assignee, "candidates": candidates}), nil
}

// handleAdaptiveSLACheck runs one adaptive pass on demand.
func (r *router) handleAdaptiveSLACheck(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	escalations, err := AdaptivePass(ctx, r.deps)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"escalations": escalations}), nil
}

// AdaptivePass runs one adaptive SLA sweep over the in-progress tasks.
// Auto-reassignments are carried out immediately and every escalation is
// mirrored onto the event bus. The daemon runs this on a timer; the
// adaptive_sla_check message runs it on demand.
func AdaptivePass(ctx context.Context, deps Deps) ([]sla.Escalation, error) {
	tasks, err := deps.Stores.Tasks.List(ctx, types.TaskStatusInProgress, "")
	if err != nil {
		return nil, err
	}
	infos := make([]sla.TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		info := sla.TaskInfo{
			TaskID: task.ID,
			Title:  task.Title,
			Agent:  task.Assignee,
		}
		if task.StartedAt != "" {
			if ts, err := time.Parse(time.RFC3339, task.StartedAt); err == nil {
				info.StartedAt = ts
			}
		}
		if info.StartedAt.IsZero() {
			if ts, err := time.Parse(time.RFC3339, task.CreatedAt); err == nil {
				info.StartedAt = ts
			}
		}
		if handoff, err := deps.Stores.Tasks.HandoffForTask(ctx, task.ID); err == nil {
			info.Critical = handoff.Criticality == types.CriticalityCritical
		}
		infos = append(infos, info)
	}

	escalations := deps.Coordinator.Evaluate(infos)
	for i, esc := range escalations {
		if esc.Action == sla.ActionAutoReassign {
			if to, ok := suggestFor(ctx, deps, esc.From); ok {
				if _, err := deps.Stores.Tasks.Reassign(ctx, esc.TaskID, to, "sla"); err != nil {
					return nil, err
				}
				deps.Coordinator.RecordReassignment(esc.TaskID, esc.From, to)
				escalations[i].To = to
				esc = escalations[i]
			}
		}
		deps.Bus.Emit(events.Event{
			Type:    events.EventEscalation,
			TaskID:  esc.TaskID,
			Account: esc.Agent,
			Payload: map[string]any{
				"action":       string(esc.Action),
				"task_title":   esc.TaskTitle,
				"stale_for_ms": esc.StaleFor.Milliseconds(),
				"from":         esc.From,
				"to":           esc.To,
			},
		})
	}
	return escalations, nil
}

// suggestFor picks a reassignment target, excluding the agent being relieved.
func suggestFor(ctx context.Context, deps Deps, exclude string) (string, bool) {
	names, err := deps.Layout.ListAccounts()
	if err != nil {
		return "", false
	}
	var candidates []sla.Candidate
	for _, name := range names {
		if name == exclude {
			continue
		}
		open, err := deps.Stores.Tasks.OpenCount(ctx, name)
		if err != nil {
			return "", false
		}
		candidates = append(candidates, sla.Candidate{Account: name, OpenTasks: open})
	}
	return deps.Coordinator.SuggestAssignee(candidates)
}

func (r *router) handleGetTrust(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Account == "" {
		p.Account = c.account
	}
	return protocol.Result(req, map[string]any{"trust": r.deps.Trust.Trust(p.Account)}), nil
}

func (r *router) handleReinstateAgent(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Account == "" {
		return nil, errdefs.Validationf("reinstate_agent needs an account")
	}
	reinstated := r.deps.Trust.Reinstate(p.Account, time.Now())
	return protocol.Result(req, map[string]any{"account": p.Account, "reinstated": reinstated}), nil
}

func (r *router) handleCheckCircuitBreaker(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Target string `json:"target"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Target == "" {
		return nil, errdefs.Validationf("check_circuit_breaker needs a target")
	}
	return protocol.Result(req, map[string]any{"circuit": r.deps.Launcher.Circuit(p.Target)}), nil
}
