package server

import (
	"context"
	"os"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/agentctl/agentctl/pkg/workflow"
)

func (r *router) handlePrepareWorktree(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RepoPath  string `json:"repo_path"`
		HandoffID string `json:"handoff_id"`
		Branch    string `json:"branch"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	path, err := r.deps.Workspace.Prepare(ctx, p.RepoPath, p.HandoffID, p.Branch)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"path": path}), nil
}

func (r *router) handleWorkspaceStatus(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		HandoffID string `json:"handoff_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.HandoffID == "" {
		return nil, errdefs.Validationf("get_workspace_status needs a handoff id")
	}
	status, err := r.deps.Workspace.Status(ctx, p.HandoffID)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"status": status}), nil
}

func (r *router) handleCleanupWorkspace(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RepoPath  string `json:"repo_path"`
		HandoffID string `json:"handoff_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.HandoffID == "" {
		return nil, errdefs.Validationf("cleanup_workspace needs a handoff id")
	}
	if err := r.deps.Workspace.Cleanup(ctx, p.RepoPath, p.HandoffID); err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"cleaned": true}), nil
}

func (r *router) council() error {
	if r.deps.Council == nil {
		return errdefs.Validationf("no council is configured")
	}
	return nil
}

func (r *router) handleCouncilAnalyze(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	if err := r.council(); err != nil {
		return nil, err
	}
	var p struct {
		Topic string `json:"topic"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Topic == "" {
		return nil, errdefs.Validationf("council_analyze needs a topic")
	}
	sessionID, analyses, err := r.deps.Council.Analyze(ctx, p.Topic)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"session_id": sessionID, "analyses": analyses}), nil
}

func (r *router) handleCouncilDiscussion(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	if err := r.council(); err != nil {
		return nil, err
	}
	var p struct {
		SessionID string `json:"session_id"`
		Topic     string `json:"topic"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.Topic == "" {
		return nil, errdefs.Validationf("council_discussion needs a session id and a topic")
	}
	responses, err := r.deps.Council.Discuss(ctx, p.SessionID, p.Topic)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"responses": responses}), nil
}

func (r *router) handleCouncilVerify(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	if err := r.council(); err != nil {
		return nil, err
	}
	var p struct {
		SessionID string   `json:"session_id"`
		Criteria  []string `json:"criteria"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errdefs.Validationf("council_verify needs a session id")
	}
	verifications, err := r.deps.Council.Verify(ctx, p.SessionID, p.Criteria)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"verifications": verifications}), nil
}

func (r *router) handleCouncilHistory(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	if err := r.council(); err != nil {
		return nil, err
	}
	var p struct {
		Topic string `json:"topic"`
		Limit int    `json:"limit"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Topic == "" {
		return nil, errdefs.Validationf("council_history needs a topic")
	}
	history, err := r.deps.Council.History(ctx, p.Topic, p.Limit)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"history": history}), nil
}

// handleTriggerWorkflow resolves the named definition and runs it to
// completion before replying; the reply carries the run id and final status.
func (r *router) handleTriggerWorkflow(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Workflow string            `json:"workflow"`
		Context  map[string]string `json:"context"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Workflow == "" {
		return nil, errdefs.Validationf("trigger_workflow needs a workflow name")
	}
	def, err := r.resolveWorkflow(p.Workflow)
	if err != nil {
		return nil, err
	}
	runID, err := r.deps.Engine.Trigger(ctx, def, p.Context)
	if err != nil {
		return nil, err
	}
	run, err := r.deps.Stores.Workflows.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"run": run}), nil
}

func (r *router) resolveWorkflow(name string) (*workflow.Definition, error) {
	if r.deps.LoadWorkflow != nil {
		return r.deps.LoadWorkflow(name)
	}
	defs, err := workflow.LoadDir(r.deps.Layout.WorkflowsDir())
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, errdefs.NotFoundf("workflow %s not found", name)
	}
	return def, nil
}

func (r *router) handleCancelWorkflow(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, errdefs.Validationf("cancel_workflow needs a run id")
	}
	if err := r.deps.Engine.Cancel(ctx, p.RunID); err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"run_id": p.RunID, "cancelled": true}), nil
}

// handleRetroReview records the caller's submission to an open retro.
func (r *router) handleRetroReview(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RetroID   string `json:"retro_id"`
		WentWell  string `json:"went_well"`
		WentWrong string `json:"went_wrong"`
		Actions   string `json:"actions"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.RetroID == "" {
		return nil, errdefs.Validationf("retro_review needs a retro id")
	}
	if p.WentWell == "" && p.WentWrong == "" && p.Actions == "" {
		return nil, errdefs.Validationf("retro_review needs at least one of went_well, went_wrong, actions")
	}
	review, err := r.deps.Stores.Retros.AddReview(ctx, types.RetroReview{
		RetroID:   p.RetroID,
		Account:   c.account,
		WentWell:  p.WentWell,
		WentWrong: p.WentWrong,
		Actions:   p.Actions,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"review": review}), nil
}

// handleRetroDocument stores the synthesized document, which closes the
// retro and completes the workflow run it was opened for.
func (r *router) handleRetroDocument(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RetroID string `json:"retro_id"`
		Content string `json:"content"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.RetroID == "" || p.Content == "" {
		return nil, errdefs.Validationf("retro_document needs a retro id and content")
	}
	doc, err := r.deps.Engine.CloseRetro(ctx, p.RetroID, p.Content)
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Stores.Retros.GetSession(ctx, p.RetroID)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"document": doc, "run_id": sess.RunID}), nil
}

// handleRetroStatus returns the session with everything submitted so far.
func (r *router) handleRetroStatus(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		RetroID string `json:"retro_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.RetroID == "" {
		return nil, errdefs.Validationf("retro_status needs a retro id")
	}
	sess, err := r.deps.Stores.Retros.GetSession(ctx, p.RetroID)
	if err != nil {
		return nil, err
	}
	reviews, err := r.deps.Stores.Retros.Reviews(ctx, p.RetroID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"session": sess, "reviews": reviews}
	if doc, err := r.deps.Stores.Retros.Document(ctx, p.RetroID); err == nil {
		result["document"] = doc
	}
	return protocol.Result(req, result), nil
}

func (r *router) handleCollabCreate(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Participant string `json:"participant"`
		Workspace   string `json:"workspace"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Participant == "" {
		return nil, errdefs.Validationf("collab_create needs a participant")
	}
	info, err := r.deps.Collab.Create(c.account, p.Participant, p.Workspace)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"session": info}), nil
}

// collabSession decodes the common session_id argument.
func collabSession(req *protocol.Request) (string, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := req.Decode(&p); err != nil {
		return "", err
	}
	if p.SessionID == "" {
		return "", errdefs.Validationf("%s needs a session id", req.Type)
	}
	return p.SessionID, nil
}

func (r *router) handleCollabJoin(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	id, err := collabSession(req)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"joined": r.deps.Collab.Join(id, c.account)}), nil
}

func (r *router) handleCollabUpdate(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.Content == "" {
		return nil, errdefs.Validationf("collab_update needs a session id and content")
	}
	return protocol.Result(req, map[string]any{
		"added": r.deps.Collab.AddUpdate(p.SessionID, c.account, p.Content),
	}), nil
}

func (r *router) handleCollabGetUpdates(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	id, err := collabSession(req)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"updates": r.deps.Collab.Updates(id, c.account)}), nil
}

func (r *router) handleCollabPing(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	id, err := collabSession(req)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"alive": r.deps.Collab.RecordPing(id, c.account)}), nil
}

func (r *router) handleCollabEnd(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	id, err := collabSession(req)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"ended": r.deps.Collab.End(id, c.account)}), nil
}

// handleSessionName names a session, creating the record on first use.
func (r *router) handleSessionName(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		SessionID string `json:"session_id"`
		Name      string `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errdefs.Validationf("session_name needs a name")
	}
	if p.SessionID == "" {
		rec, err := r.deps.Stores.Sessions.Create(ctx, types.SessionRecord{
			Name:    p.Name,
			Account: c.account,
		})
		if err != nil {
			return nil, err
		}
		return protocol.Result(req, map[string]any{"session": rec}), nil
	}
	if err := r.deps.Stores.Sessions.SetName(ctx, p.SessionID, p.Name); err != nil {
		return nil, err
	}
	rec, err := r.deps.Stores.Sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"session": rec}), nil
}

func (r *router) handleListSessions(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	sessions, err := r.deps.Stores.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"sessions": sessions}), nil
}

func (r *router) handleSearchSessions(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, errdefs.Validationf("search_sessions needs a query")
	}
	sessions, err := r.deps.Stores.Sessions.Search(ctx, p.Query)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"sessions": sessions}), nil
}

// eventFilter decodes the shared replay/subscription filter arguments.
func eventFilter(req *protocol.Request) (events.Filter, error) {
	var p struct {
		TaskID string `json:"task_id"`
		Type   string `json:"event_type"`
		Since  string `json:"since"`
	}
	if err := req.Decode(&p); err != nil {
		return events.Filter{}, err
	}
	f := events.Filter{TaskID: p.TaskID, Type: events.EventType(p.Type)}
	if p.Since != "" {
		ts, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return events.Filter{}, errdefs.Validationf("invalid since timestamp: %v", err)
		}
		f.Since = ts
	}
	return f, nil
}

func (r *router) handleRecentEvents(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	f, err := eventFilter(req)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"events": r.deps.Bus.Recent(f)}), nil
}

// handleSubscribeEvents replays the retained history matching the filter and
// then follows the live feed on this connection. A second subscription
// replaces the first.
func (r *router) handleSubscribeEvents(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	f, err := eventFilter(req)
	if err != nil {
		return nil, err
	}
	if c.streamCancel != nil {
		c.streamCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.streamCancel = cancel
	feed := r.deps.Bus.Stream(streamCtx, f)
	go func() {
		for ev := range feed {
			c.write(&protocol.Reply{Type: "event", Result: ev})
		}
	}()
	return protocol.Typed(req, "subscribed", map[string]any{
		"task_id":    f.TaskID,
		"event_type": string(f.Type),
	}), nil
}

func (r *router) handleDaemonStatus(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	healthy := r.deps.Stores.Ping(pingCtx) == nil

	c.server.mu.Lock()
	open := len(c.server.conns)
	c.server.mu.Unlock()

	accounts, err := r.deps.Layout.ListAccounts()
	if err != nil {
		return nil, errdefs.Internalf("list accounts: %v", err)
	}
	return protocol.Result(req, map[string]any{
		"pid":         os.Getpid(),
		"started_at":  types.Timestamp(r.deps.StartedAt),
		"uptime_ms":   time.Since(r.deps.StartedAt).Milliseconds(),
		"healthy":     healthy,
		"connections": open,
		"accounts":    len(accounts),
	}), nil
}
