package sla

import (
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/types"
)

// Action is a response the SLA machinery asks the daemon to take.
type Action string

const (
	ActionPing             Action = "ping"
	ActionSuggestReassign  Action = "suggest_reassign"
	ActionAutoReassign     Action = "auto_reassign"
	ActionEscalateHuman    Action = "escalate_human"
	ActionTerminate        Action = "terminate"
	ActionQuarantineAgent  Action = "quarantine_agent"
	ActionProactiveWarning Action = "proactive_warning"
)

// Escalation reports one stale task and the chosen response.
type Escalation struct {
	TaskID    string        `json:"task_id"`
	TaskTitle string        `json:"task_title"`
	Action    Action        `json:"action"`
	StaleFor  time.Duration `json:"stale_for_ms"`
	Assignee  string        `json:"assignee,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
}

// TaskState is the static engine's view of one task: the record plus when it
// entered its current status.
type TaskState struct {
	Task            types.Task
	EnteredStatusAt time.Time
}

// Engine is the static SLA checker: a fixed time-in-status threshold per
// status, with the response hardening as the overrun grows.
type Engine struct {
	thresholds map[types.TaskStatus]time.Duration
}

// NewEngine builds a static engine from per-status thresholds keyed by
// status name.
func NewEngine(thresholds map[string]time.Duration) *Engine {
	m := make(map[types.TaskStatus]time.Duration, len(thresholds))
	for k, v := range thresholds {
		m[types.TaskStatus(k)] = v
	}
	return &Engine{thresholds: m}
}

// Check emits an escalation for every task that has sat in its status past
// the threshold. The action ladder scales with the overrun: 1x threshold
// pings, 2x suggests reassignment, 3x escalates to a human, 4x terminates.
func (e *Engine) Check(states []TaskState, now time.Time) []Escalation {
	var out []Escalation
	for _, st := range states {
		if st.Task.Status.Terminal() {
			continue
		}
		threshold, ok := e.thresholds[st.Task.Status]
		if !ok || threshold <= 0 {
			continue
		}
		stale := now.Sub(st.EnteredStatusAt)
		if stale < threshold {
			continue
		}
		action := ActionPing
		switch {
		case stale >= 4*threshold:
			action = ActionTerminate
		case stale >= 3*threshold:
			action = ActionEscalateHuman
		case stale >= 2*threshold:
			action = ActionSuggestReassign
		}
		out = append(out, Escalation{
			TaskID:    st.Task.ID,
			TaskTitle: st.Task.Title,
			Action:    action,
			StaleFor:  stale,
			Assignee:  st.Task.Assignee,
		})
	}
	return out
}

// trustState is the coordinator's per-account standing.
type trustState struct {
	score                 float64
	quarantined           bool
	reason                string
	consecutiveRejections int
	updatedAt             time.Time
}

// Registry tracks trust and quarantine per account.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*trustState
}

// NewRegistry creates an empty trust registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*trustState)}
}

func (r *Registry) state(account string) *trustState {
	st, ok := r.accounts[account]
	if !ok {
		st = &trustState{score: 1.0}
		r.accounts[account] = st
	}
	return st
}

// Trust returns the account's current record.
func (r *Registry) Trust(account string) types.TrustRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(account)
	return types.TrustRecord{
		Account:     account,
		Score:       st.score,
		Quarantined: st.quarantined,
		Reason:      st.reason,
		UpdatedAt:   types.Timestamp(st.updatedAt),
	}
}

// RecordRejection notes a rejected deliverable and returns the new
// consecutive-rejection count.
func (r *Registry) RecordRejection(account string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(account)
	st.consecutiveRejections++
	st.score -= 0.1
	if st.score < 0 {
		st.score = 0
	}
	st.updatedAt = now
	return st.consecutiveRejections
}

// RecordAcceptance resets the rejection streak and recovers some trust.
func (r *Registry) RecordAcceptance(account string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(account)
	st.consecutiveRejections = 0
	st.score += 0.05
	if st.score > 1 {
		st.score = 1
	}
	st.updatedAt = now
}

// Quarantine flags the account; quarantined agents receive no new work.
func (r *Registry) Quarantine(account, reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(account)
	if !st.quarantined {
		logger := log.WithAccount(account)
		logger.Warn().Str("reason", reason).Msg("agent quarantined")
	}
	st.quarantined = true
	st.reason = reason
	st.updatedAt = now
}

// Reinstate lifts a quarantine after explicit approval.
func (r *Registry) Reinstate(account string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(account)
	if !st.quarantined {
		return false
	}
	st.quarantined = false
	st.reason = ""
	st.consecutiveRejections = 0
	st.updatedAt = now
	return true
}

// Quarantined reports whether the account is currently quarantined.
func (r *Registry) Quarantined(account string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(account).quarantined
}
