package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"todo to in_progress", TaskStatusTodo, TaskStatusInProgress, true},
		{"in_progress to ready_for_review", TaskStatusInProgress, TaskStatusReadyForReview, true},
		{"in_progress back to todo", TaskStatusInProgress, TaskStatusTodo, true},
		{"ready_for_review to accepted", TaskStatusReadyForReview, TaskStatusAccepted, true},
		{"ready_for_review to rejected", TaskStatusReadyForReview, TaskStatusRejected, true},
		{"ready_for_review back to in_progress", TaskStatusReadyForReview, TaskStatusInProgress, true},
		{"todo straight to accepted", TaskStatusTodo, TaskStatusAccepted, false},
		{"todo to ready_for_review", TaskStatusTodo, TaskStatusReadyForReview, false},
		{"accepted is terminal", TaskStatusAccepted, TaskStatusInProgress, false},
		{"rejected is terminal", TaskStatusRejected, TaskStatusTodo, false},
		{"self transition", TaskStatusInProgress, TaskStatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{
		TaskStatusTodo, TaskStatusInProgress, TaskStatusReadyForReview,
		TaskStatusNeedsReview, TaskStatusAccepted, TaskStatusRejected,
	} {
		assert.True(t, s.Valid(), "status %q", s)
	}
	assert.False(t, TaskStatus("done").Valid())
	assert.False(t, TaskStatus("").Valid())
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, TaskStatusAccepted.Terminal())
	assert.True(t, TaskStatusRejected.Terminal())
	assert.False(t, TaskStatusInProgress.Terminal())

	assert.True(t, RunCancelled.Terminal())
	assert.True(t, RunCompleted.Terminal())
	assert.False(t, RunRetroInProgress.Terminal())

	assert.True(t, StepSkipped.Terminal())
	assert.False(t, StepAssigned.Terminal())
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("PST", -8*3600)))
	assert.Equal(t, "2026-03-14T17:26:53Z", ts)

	parsed, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
	assert.Equal(t, 2026, parsed.Year())
}
