package sla

import (
	"testing"
	"time"

	"github.com/agentctl/agentctl/pkg/progress"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEngineThresholds(t *testing.T) {
	engine := NewEngine(map[string]time.Duration{
		"in_progress":      30 * time.Minute,
		"ready_for_review": 15 * time.Minute,
	})
	now := time.Now()

	tests := []struct {
		name   string
		status types.TaskStatus
		stale  time.Duration
		want   Action
		none   bool
	}{
		{name: "under threshold", status: types.TaskStatusInProgress, stale: 29 * time.Minute, none: true},
		{name: "at threshold pings", status: types.TaskStatusInProgress, stale: 30 * time.Minute, want: ActionPing},
		{name: "double suggests", status: types.TaskStatusInProgress, stale: 61 * time.Minute, want: ActionSuggestReassign},
		{name: "triple escalates", status: types.TaskStatusInProgress, stale: 91 * time.Minute, want: ActionEscalateHuman},
		{name: "quadruple terminates", status: types.TaskStatusInProgress, stale: 121 * time.Minute, want: ActionTerminate},
		{name: "review threshold", status: types.TaskStatusReadyForReview, stale: 16 * time.Minute, want: ActionPing},
		{name: "terminal ignored", status: types.TaskStatusAccepted, stale: 10 * time.Hour, none: true},
		{name: "unconfigured status ignored", status: types.TaskStatusTodo, stale: 10 * time.Hour, none: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := engine.Check([]TaskState{{
				Task:            types.Task{ID: "t1", Title: "title", Status: tc.status, Assignee: "alice"},
				EnteredStatusAt: now.Add(-tc.stale),
			}}, now)
			if tc.none {
				assert.Empty(t, out)
				return
			}
			require.Len(t, out, 1)
			assert.Equal(t, tc.want, out[0].Action)
			assert.Equal(t, "t1", out[0].TaskID)
			assert.Equal(t, tc.stale, out[0].StaleFor)
		})
	}
}

func testCoordinator() (*Coordinator, *progress.Tracker, *Registry, *time.Time) {
	tracker := progress.NewTracker()
	registry := NewRegistry()
	c := NewCoordinator(CoordinatorConfig{
		PingAfter:           30 * time.Minute,
		SuggestAfter:        60 * time.Minute,
		UnresponsiveAfter:   10 * time.Minute,
		ReassignCooldown:    10 * time.Minute,
		MaxReassignments:       3,
		RejectionQuarantine:    2,
		BehindThresholdPercent: 20,
	}, tracker, registry)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, tracker, registry, &now
}

func TestAdaptivePingThenAutoReassign(t *testing.T) {
	c, _, _, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "deploy", Agent: "alice", Critical: true, StartedAt: start}

	// 35 minutes of silence: exactly one ping, nothing stronger.
	*now = start.Add(35 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionPing, out[0].Action)
	assert.Equal(t, "alice", out[0].Agent)

	// 65 minutes, critical, no reassignments yet: auto_reassign.
	*now = start.Add(65 * time.Minute)
	out = c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionAutoReassign, out[0].Action)
	assert.Equal(t, "alice", out[0].From)
}

func TestAdaptiveBudgetExhaustedEscalatesHuman(t *testing.T) {
	c, _, _, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "deploy", Agent: "dave", Critical: true, StartedAt: start}

	c.RecordReassignment("t1", "alice", "bob")
	c.RecordReassignment("t1", "bob", "carol")
	c.RecordReassignment("t1", "carol", "dave")
	require.Equal(t, 3, c.Reassignments("t1"))

	*now = start.Add(65 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionEscalateHuman, out[0].Action)
}

func TestAdaptiveReassignCooldownFallsBackToSuggest(t *testing.T) {
	c, _, _, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "deploy", Agent: "bob", Critical: true, StartedAt: start}

	*now = start.Add(61 * time.Minute)
	c.RecordReassignment("t1", "alice", "bob")

	// Five minutes later the task is still silent but the cooldown holds.
	*now = start.Add(66 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionSuggestReassign, out[0].Action)
}

func TestAdaptiveNonCriticalSuggestsOnly(t *testing.T) {
	c, _, _, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "docs", Agent: "alice", StartedAt: start}

	*now = start.Add(65 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionSuggestReassign, out[0].Action)
}

func TestAdaptiveUnansweredPingQuarantines(t *testing.T) {
	c, _, registry, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "deploy", Agent: "alice", StartedAt: start}

	*now = start.Add(31 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	require.Equal(t, ActionPing, out[0].Action)

	// Still silent eleven minutes after the ping.
	*now = start.Add(42 * time.Minute)
	out = c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionQuarantineAgent, out[0].Action)
	assert.True(t, registry.Quarantined("alice"))
}

func TestAdaptiveAnsweredPingResets(t *testing.T) {
	c, tracker, registry, now := testCoordinator()
	start := *now
	task := TaskInfo{TaskID: "t1", Title: "deploy", Agent: "alice", StartedAt: start}

	*now = start.Add(31 * time.Minute)
	require.Len(t, c.Evaluate([]TaskInfo{task}), 1)

	tracker.Record(types.ProgressReport{
		TaskID: "t1", Agent: "alice", Percent: 40, Timestamp: start.Add(33 * time.Minute),
	})

	*now = start.Add(45 * time.Minute)
	assert.Empty(t, c.Evaluate([]TaskInfo{task}))
	assert.False(t, registry.Quarantined("alice"))
}

func TestAdaptiveBehindScheduleWarning(t *testing.T) {
	c, tracker, _, now := testCoordinator()
	start := *now
	task := TaskInfo{
		TaskID: "t1", Title: "migrate", Agent: "alice",
		StartedAt: start, Estimated: 60 * time.Minute,
	}

	tracker.Record(types.ProgressReport{TaskID: "t1", Agent: "alice", Percent: 5, Timestamp: start})
	tracker.Record(types.ProgressReport{
		TaskID: "t1", Agent: "alice", Percent: 10, Timestamp: start.Add(29 * time.Minute),
	})

	// Half the estimate elapsed with only 10% reported.
	*now = start.Add(30 * time.Minute)
	out := c.Evaluate([]TaskInfo{task})
	require.Len(t, out, 1)
	assert.Equal(t, ActionProactiveWarning, out[0].Action)
	assert.Equal(t, "alice", out[0].Agent)
}

func TestRejectionStreakQuarantines(t *testing.T) {
	c, _, registry, _ := testCoordinator()

	c.NoteRejection("alice")
	assert.False(t, registry.Quarantined("alice"))
	c.NoteRejection("alice")
	assert.True(t, registry.Quarantined("alice"))

	// An acceptance between rejections breaks the streak.
	c.NoteRejection("bob")
	c.NoteAcceptance("bob")
	c.NoteRejection("bob")
	assert.False(t, registry.Quarantined("bob"))
}

func TestReinstateLiftsQuarantine(t *testing.T) {
	_, _, registry, _ := testCoordinator()
	now := time.Now()

	assert.False(t, registry.Reinstate("alice", now))
	registry.Quarantine("alice", "unresponsive", now)
	require.True(t, registry.Quarantined("alice"))
	assert.True(t, registry.Reinstate("alice", now))
	assert.False(t, registry.Quarantined("alice"))
	assert.Empty(t, registry.Trust("alice").Reason)
}

func TestSuggestAssigneeLoadAndTrust(t *testing.T) {
	c, _, registry, _ := testCoordinator()
	now := time.Now()

	candidates := []Candidate{
		{Account: "alice", OpenTasks: 3},
		{Account: "bob", OpenTasks: 1},
		{Account: "carol", OpenTasks: 1},
	}

	// Lowest load wins; ties break toward higher trust.
	registry.RecordRejection("bob", now)
	pick, ok := c.SuggestAssignee(candidates)
	require.True(t, ok)
	assert.Equal(t, "carol", pick)

	// Quarantined candidates are skipped entirely.
	registry.Quarantine("carol", "unresponsive", now)
	registry.Quarantine("bob", "unresponsive", now)
	pick, ok = c.SuggestAssignee(candidates)
	require.True(t, ok)
	assert.Equal(t, "alice", pick)

	registry.Quarantine("alice", "unresponsive", now)
	_, ok = c.SuggestAssignee(candidates)
	assert.False(t, ok)
}

func TestTrustScoreBounds(t *testing.T) {
	registry := NewRegistry()
	now := time.Now()

	for i := 0; i < 20; i++ {
		registry.RecordRejection("alice", now)
	}
	assert.Equal(t, 0.0, registry.Trust("alice").Score)

	for i := 0; i < 40; i++ {
		registry.RecordAcceptance("alice", now)
	}
	assert.Equal(t, 1.0, registry.Trust("alice").Score)
}
