package types

import "time"

// Account is a named, credentialed agent identity. Accounts are created by
// the account manager CLI and referenced by most other records; the daemon
// never deletes an account while a live connection holds it.
type Account struct {
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Color     string `json:"color,omitempty"`
	ConfigDir string `json:"config_dir,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Token     string `json:"-"`
}

// Message is a single inter-agent message queued by recipient.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
	// DedupeKey makes redelivery idempotent: a second send with the same
	// key for the same recipient is a no-op.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo           TaskStatus = "todo"
	TaskStatusInProgress     TaskStatus = "in_progress"
	TaskStatusReadyForReview TaskStatus = "ready_for_review"
	TaskStatusNeedsReview    TaskStatus = "needs_review"
	TaskStatusAccepted       TaskStatus = "accepted"
	TaskStatusRejected       TaskStatus = "rejected"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusReadyForReview,
		TaskStatusNeedsReview, TaskStatusAccepted, TaskStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusAccepted || s == TaskStatusRejected
}

// transitions is the allowed task status graph.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:           {TaskStatusInProgress},
	TaskStatusInProgress:     {TaskStatusReadyForReview, TaskStatusTodo},
	TaskStatusReadyForReview: {TaskStatusAccepted, TaskStatusRejected, TaskStatusInProgress},
}

// CanTransition reports whether from -> to is an allowed edge in the task
// status graph.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority ranks tasks P0 (highest) through P2.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityP0 || p == PriorityP1 || p == PriorityP2
}

// Task is a unit of work on an agent's queue.
type Task struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Status    TaskStatus  `json:"status"`
	Assignee  string      `json:"assignee,omitempty"`
	Priority  Priority    `json:"priority,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	CreatedAt string      `json:"created_at"`
	StartedAt string      `json:"started_at,omitempty"`
	Events    []TaskEvent `json:"events,omitempty"`
}

// TaskEvent is one append-only entry in a task's history.
type TaskEvent struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ProgressReport is one point in a task's progress window.
type ProgressReport struct {
	TaskID                    string    `json:"task_id"`
	Agent                     string    `json:"agent"`
	Percent                   float64   `json:"percent"`
	CurrentStep               string    `json:"current_step"`
	Blockers                  []string  `json:"blockers,omitempty"`
	EstimatedRemainingMinutes float64   `json:"estimated_remaining_minutes,omitempty"`
	ArtifactsProduced         []string  `json:"artifacts_produced,omitempty"`
	Timestamp                 time.Time `json:"timestamp"`
}

// Criticality tags a handoff with how risky its task is.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Handoff is a validated structured task record delivered from one agent to
// another. Goal, acceptance criteria, run commands and blocked_by are
// mandatory; "none" is an acceptable blocked_by entry.
type Handoff struct {
	ID                 string            `json:"id"`
	From               string            `json:"from"`
	To                 string            `json:"to"`
	TaskID             string            `json:"task_id,omitempty"`
	Goal               string            `json:"goal"`
	AcceptanceCriteria []string          `json:"acceptance_criteria"`
	RunCommands        []string          `json:"run_commands"`
	BlockedBy          []string          `json:"blocked_by"`
	Criticality        Criticality       `json:"criticality,omitempty"`
	Reversibility      string            `json:"reversibility,omitempty"`
	Verifiability      string            `json:"verifiability,omitempty"`
	Context            map[string]string `json:"context,omitempty"`
	CreatedAt          string            `json:"created_at,omitempty"`
}

// AcceptanceGate is the decision the gated-acceptance policy returns when a
// task in ready_for_review is being accepted.
type AcceptanceGate string

const (
	GateAutoAccept            AcceptanceGate = "auto-accept"
	GateRequireAcceptance     AcceptanceGate = "require-acceptance"
	GateRequireJustification  AcceptanceGate = "require-justification"
	GateRequireElevatedReview AcceptanceGate = "require-elevated-review"
)

// SessionRecord is a named daemon session (a TUI or terminal attachment).
type SessionRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Account   string `json:"account"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Meta      string `json:"meta,omitempty"`
}

// WorkflowRunStatus is the lifecycle state of a workflow run.
type WorkflowRunStatus string

const (
	RunPending         WorkflowRunStatus = "pending"
	RunRunning         WorkflowRunStatus = "running"
	RunCompleted       WorkflowRunStatus = "completed"
	RunFailed          WorkflowRunStatus = "failed"
	RunCancelled       WorkflowRunStatus = "cancelled"
	RunRetroInProgress WorkflowRunStatus = "retro_in_progress"
)

// Terminal reports whether the run status admits no further transitions.
func (s WorkflowRunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// WorkflowRun is one execution of a workflow definition.
type WorkflowRun struct {
	ID           string            `json:"id"`
	WorkflowName string            `json:"workflow_name"`
	Status       WorkflowRunStatus `json:"status"`
	StartedAt    string            `json:"started_at,omitempty"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	RetroID      string            `json:"retro_id,omitempty"`
}

// StepRunStatus is the lifecycle state of a single step run.
type StepRunStatus string

const (
	StepPending   StepRunStatus = "pending"
	StepAssigned  StepRunStatus = "assigned"
	StepRunning   StepRunStatus = "running"
	StepCompleted StepRunStatus = "completed"
	StepFailed    StepRunStatus = "failed"
	StepSkipped   StepRunStatus = "skipped"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepRunStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepRun is one execution attempt of a workflow step within a run.
type StepRun struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	StepID      string        `json:"step_id"`
	Status      StepRunStatus `json:"status"`
	Assignee    string        `json:"assignee,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	HandoffID   string        `json:"handoff_id,omitempty"`
	StartedAt   string        `json:"started_at,omitempty"`
	CompletedAt string        `json:"completed_at,omitempty"`
	Attempt     int           `json:"attempt"`
	Result      string        `json:"result,omitempty"`
}

// WorkflowEvent records one transition in a run or step run.
type WorkflowEvent struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	StepRunID string `json:"step_run_id,omitempty"`
	Type      string `json:"type"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RetroSession is a structured post-workflow reflection.
type RetroSession struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	ClosedAt  string `json:"closed_at,omitempty"`
}

// RetroReview is one member's submission to a retro session.
type RetroReview struct {
	ID        string `json:"id"`
	RetroID   string `json:"retro_id"`
	Account   string `json:"account"`
	WentWell  string `json:"went_well,omitempty"`
	WentWrong string `json:"went_wrong,omitempty"`
	Actions   string `json:"actions,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RetroDocument is the synthesized output of a retro session.
type RetroDocument struct {
	ID        string `json:"id"`
	RetroID   string `json:"retro_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// CouncilAnalysis is one member's contribution within a council session.
type CouncilAnalysis struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Topic     string `json:"topic"`
	Member    string `json:"member"`
	Stage     string `json:"stage"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// CouncilVerification is the recorded outcome of a council verify pass.
type CouncilVerification struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TrustRecord tracks the coordinator's standing for one account.
type TrustRecord struct {
	Account     string  `json:"account"`
	Score       float64 `json:"score"`
	Quarantined bool    `json:"quarantined"`
	Reason      string  `json:"reason,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

// Timestamp formats t the way every persisted record stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
