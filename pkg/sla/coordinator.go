package sla

import (
	"sort"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/progress"
)

// CoordinatorConfig are the adaptive loop's knobs.
type CoordinatorConfig struct {
	// PingAfter is silence before the agent gets a nudge.
	PingAfter time.Duration
	// SuggestAfter is silence before reassignment is on the table.
	SuggestAfter time.Duration
	// UnresponsiveAfter is how long after a ping an agent may stay silent
	// before quarantine.
	UnresponsiveAfter time.Duration
	// ReassignCooldown is the minimum gap between reassignments of one task.
	ReassignCooldown time.Duration
	// MaxReassignments caps automatic reassignments per task.
	MaxReassignments int
	// RejectionQuarantine is the consecutive-rejection count that triggers
	// quarantine.
	RejectionQuarantine int
	// BehindThresholdPercent is how far reported progress may lag the linear
	// expectation before a warning.
	BehindThresholdPercent float64
}

// TaskInfo is the coordinator's view of one live task.
type TaskInfo struct {
	TaskID    string
	Title     string
	Agent     string
	Critical  bool
	StartedAt time.Time
	Estimated time.Duration
}

type reassignState struct {
	count  int
	lastAt time.Time
}

// Coordinator is the adaptive SLA loop. Each Evaluate pass looks at silence
// per task and answers with the gentlest response that still moves things:
// ping first, then suggest or automatically reassign, then pull in a human.
type Coordinator struct {
	mu       sync.Mutex
	cfg      CoordinatorConfig
	tracker  *progress.Tracker
	registry *Registry
	// reassigns tracks auto-reassignment budget per task.
	reassigns map[string]*reassignState
	// pings records the last unanswered ping per task.
	pings map[string]time.Time
	now   func() time.Time
}

// NewCoordinator wires the adaptive loop to the progress tracker and the
// trust registry it reads and writes.
func NewCoordinator(cfg CoordinatorConfig, tracker *progress.Tracker, registry *Registry) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		tracker:   tracker,
		registry:  registry,
		reassigns: make(map[string]*reassignState),
		pings:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Evaluate runs one adaptive pass over the live tasks and returns the
// escalations the daemon should act on. At most one staleness response is
// emitted per task per pass; behind-schedule warnings come on top.
func (c *Coordinator) Evaluate(tasks []TaskInfo) []Escalation {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	var out []Escalation
	for _, task := range tasks {
		if esc, ok := c.evaluateTask(task, now); ok {
			out = append(out, esc)
		}
	}

	seen := make(map[string]TaskInfo, len(tasks))
	for _, task := range tasks {
		seen[task.TaskID] = task
	}
	for _, lag := range c.behindSchedule(tasks, now) {
		task := seen[lag.TaskID]
		out = append(out, Escalation{
			TaskID:    lag.TaskID,
			TaskTitle: task.Title,
			Action:    ActionProactiveWarning,
			Agent:     lag.Agent,
		})
	}
	return out
}

func (c *Coordinator) evaluateTask(task TaskInfo, now time.Time) (Escalation, bool) {
	lastActivity := task.StartedAt
	if latest, ok := c.tracker.Latest(task.TaskID); ok && latest.Timestamp.After(lastActivity) {
		lastActivity = latest.Timestamp
	}
	silence := now.Sub(lastActivity)

	if pingedAt, ok := c.pings[task.TaskID]; ok && lastActivity.After(pingedAt) {
		delete(c.pings, task.TaskID) // the ping was answered
	}

	switch {
	case silence >= c.cfg.SuggestAfter:
		st := c.reassigns[task.TaskID]
		if task.Critical {
			if st != nil && st.count >= c.cfg.MaxReassignments {
				return Escalation{
					TaskID:    task.TaskID,
					TaskTitle: task.Title,
					Action:    ActionEscalateHuman,
					Agent:     task.Agent,
					StaleFor:  silence,
				}, true
			}
			if st == nil || now.Sub(st.lastAt) >= c.cfg.ReassignCooldown {
				return Escalation{
					TaskID:    task.TaskID,
					TaskTitle: task.Title,
					Action:    ActionAutoReassign,
					From:      task.Agent,
					StaleFor:  silence,
				}, true
			}
		}
		return Escalation{
			TaskID:    task.TaskID,
			TaskTitle: task.Title,
			Action:    ActionSuggestReassign,
			Agent:     task.Agent,
			StaleFor:  silence,
		}, true

	case silence >= c.cfg.PingAfter:
		if pingedAt, pending := c.pings[task.TaskID]; pending {
			// A pinged agent that stays silent past the grace window is
			// quarantined; until then the ping stands and we wait.
			if now.Sub(pingedAt) >= c.cfg.UnresponsiveAfter {
				delete(c.pings, task.TaskID)
				c.registry.Quarantine(task.Agent, "unresponsive after ping", now)
				return Escalation{
					TaskID:    task.TaskID,
					TaskTitle: task.Title,
					Action:    ActionQuarantineAgent,
					Agent:     task.Agent,
					StaleFor:  silence,
				}, true
			}
			return Escalation{}, false
		}
		c.pings[task.TaskID] = now
		return Escalation{
			TaskID:    task.TaskID,
			TaskTitle: task.Title,
			Action:    ActionPing,
			Agent:     task.Agent,
			StaleFor:  silence,
		}, true
	}
	return Escalation{}, false
}

// behindSchedule collects lagging tasks using each task's own estimate.
func (c *Coordinator) behindSchedule(tasks []TaskInfo, now time.Time) []progress.BehindScheduleTask {
	var out []progress.BehindScheduleTask
	for _, task := range tasks {
		if task.Estimated <= 0 {
			continue
		}
		for _, lag := range c.tracker.BehindSchedule(task.Estimated, now) {
			if lag.TaskID == task.TaskID &&
				lag.ExpectedPercent-lag.ReportedPercent >= c.cfg.BehindThresholdPercent {
				out = append(out, lag)
			}
		}
	}
	return out
}

// RecordReassignment notes that the daemon carried out a reassignment; it
// spends the task's budget and starts the cooldown.
func (c *Coordinator) RecordReassignment(taskID, from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.reassigns[taskID]
	if st == nil {
		st = &reassignState{}
		c.reassigns[taskID] = st
	}
	st.count++
	st.lastAt = c.now()
	delete(c.pings, taskID)
	logger := log.WithComponent("sla")
	logger.Info().
		Str("task_id", taskID).
		Str("from", from).
		Str("to", to).
		Int("count", st.count).
		Msg("task reassigned")
}

// Reassignments reports how many times a task has been auto-reassigned.
func (c *Coordinator) Reassignments(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.reassigns[taskID]; st != nil {
		return st.count
	}
	return 0
}

// NoteRejection records a rejected deliverable against the agent and
// quarantines on a streak.
func (c *Coordinator) NoteRejection(agent string) {
	count := c.registry.RecordRejection(agent, c.clock())
	if c.cfg.RejectionQuarantine > 0 && count >= c.cfg.RejectionQuarantine {
		c.registry.Quarantine(agent, "consecutive rejections", c.clock())
	}
}

// NoteAcceptance clears the agent's rejection streak.
func (c *Coordinator) NoteAcceptance(agent string) {
	c.registry.RecordAcceptance(agent, c.clock())
}

// Forget drops all adaptive state for a finished task.
func (c *Coordinator) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reassigns, taskID)
	delete(c.pings, taskID)
}

func (c *Coordinator) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// Candidate is one account considered for reassignment.
type Candidate struct {
	Account   string `json:"account"`
	OpenTasks int    `json:"open_tasks"`
}

// SuggestAssignee picks the least-loaded non-quarantined candidate, breaking
// load ties by trust score. Returns false when every candidate is
// quarantined.
func (c *Coordinator) SuggestAssignee(candidates []Candidate) (string, bool) {
	eligible := candidates[:0:0]
	for _, cand := range candidates {
		if !c.registry.Quarantined(cand.Account) {
			eligible = append(eligible, cand)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].OpenTasks != eligible[j].OpenTasks {
			return eligible[i].OpenTasks < eligible[j].OpenTasks
		}
		return c.registry.Trust(eligible[i].Account).Score > c.registry.Trust(eligible[j].Account).Score
	})
	return eligible[0].Account, true
}
