package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentctl/agentctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(taskID string, percent float64, ts time.Time) types.ProgressReport {
	return types.ProgressReport{
		TaskID:      taskID,
		Agent:       "claude-a",
		Percent:     percent,
		CurrentStep: fmt.Sprintf("step at %.0f%%", percent),
		Timestamp:   ts,
	}
}

func TestWindowTruncation(t *testing.T) {
	tr := NewTracker()
	base := time.Now()
	for i := 0; i < WindowSize+25; i++ {
		tr.Record(report("t1", float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	window := tr.History("t1")
	require.Len(t, window, WindowSize)
	// The most recent 100 remain, in order.
	assert.Equal(t, float64(25), window[0].Percent)
	assert.Equal(t, float64(WindowSize+24), window[WindowSize-1].Percent)
	for i := 1; i < len(window); i++ {
		assert.True(t, window[i].Timestamp.After(window[i-1].Timestamp))
	}
}

func TestLatest(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.Latest("missing")
	assert.False(t, ok)

	now := time.Now()
	tr.Record(report("t1", 10, now.Add(-time.Minute)))
	tr.Record(report("t1", 40, now))

	latest, ok := tr.Latest("t1")
	require.True(t, ok)
	assert.Equal(t, float64(40), latest.Percent)
}

func TestIsStalled(t *testing.T) {
	tr := NewTracker()
	now := time.Now()

	assert.False(t, tr.IsStalled("none", 10*time.Minute, now))

	tr.Record(report("t1", 50, now.Add(-30*time.Minute)))
	assert.True(t, tr.IsStalled("t1", 10*time.Minute, now))
	assert.False(t, tr.IsStalled("t1", time.Hour, now))
}

func TestBehindSchedule(t *testing.T) {
	tr := NewTracker()
	now := time.Now()

	// 30 minutes into a 60-minute estimate: expected 50%.
	tr.Record(report("lagging", 10, now.Add(-30*time.Minute)))
	tr.Record(report("ontrack", 80, now.Add(-30*time.Minute)))

	lagging := tr.BehindSchedule(time.Hour, now)
	require.Len(t, lagging, 1)
	assert.Equal(t, "lagging", lagging[0].TaskID)
	assert.InDelta(t, 50, lagging[0].ExpectedPercent, 1)
	assert.Equal(t, float64(10), lagging[0].ReportedPercent)
}

func TestBehindScheduleCapsAt100(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	// Far past the estimate: expected capped at 100, 99% still counts as behind.
	tr.Record(report("t1", 99, now.Add(-5*time.Hour)))

	lagging := tr.BehindSchedule(time.Hour, now)
	require.Len(t, lagging, 1)
	assert.Equal(t, float64(100), lagging[0].ExpectedPercent)
}

func TestForget(t *testing.T) {
	tr := NewTracker()
	tr.Record(report("t1", 10, time.Now()))
	tr.Forget("t1")
	assert.Empty(t, tr.History("t1"))
}
