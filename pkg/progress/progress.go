package progress

import (
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/types"
)

// WindowSize bounds the per-task history; the oldest reports fall off.
const WindowSize = 100

// Tracker keeps a sliding window of progress reports per task.
type Tracker struct {
	mu      sync.RWMutex
	history map[string][]types.ProgressReport
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{history: make(map[string][]types.ProgressReport)}
}

// Record appends a report to the task's window, dropping the oldest entry
// once the window is full.
func (t *Tracker) Record(report types.ProgressReport) {
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := append(t.history[report.TaskID], report)
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	t.history[report.TaskID] = window
}

// Latest returns the most recent report for the task, if any.
func (t *Tracker) Latest(taskID string) (types.ProgressReport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	window := t.history[taskID]
	if len(window) == 0 {
		return types.ProgressReport{}, false
	}
	return window[len(window)-1], true
}

// History returns a copy of the task's window, oldest first.
func (t *Tracker) History(taskID string) []types.ProgressReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.ProgressReport(nil), t.history[taskID]...)
}

// IsStalled reports whether the task's latest report is older than the
// threshold. A task with no reports at all is not considered stalled here;
// unresponsiveness without any report is the adaptive coordinator's call.
func (t *Tracker) IsStalled(taskID string, threshold time.Duration, now time.Time) bool {
	latest, ok := t.Latest(taskID)
	if !ok {
		return false
	}
	return now.Sub(latest.Timestamp) > threshold
}

// BehindScheduleTask describes one task lagging its expected completion.
type BehindScheduleTask struct {
	TaskID          string
	Agent           string
	ReportedPercent float64
	ExpectedPercent float64
}

// BehindSchedule compares every tracked task's latest percent against the
// linear expectation for the given estimated duration: expected =
// min(100, elapsed/estimate*100), with elapsed measured from the task's
// first report.
func (t *Tracker) BehindSchedule(estimated time.Duration, now time.Time) []BehindScheduleTask {
	if estimated <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var lagging []BehindScheduleTask
	for taskID, window := range t.history {
		if len(window) == 0 {
			continue
		}
		first, latest := window[0], window[len(window)-1]
		elapsed := now.Sub(first.Timestamp)
		expected := elapsed.Minutes() / estimated.Minutes() * 100
		if expected > 100 {
			expected = 100
		}
		if latest.Percent < expected {
			lagging = append(lagging, BehindScheduleTask{
				TaskID:          taskID,
				Agent:           latest.Agent,
				ReportedPercent: latest.Percent,
				ExpectedPercent: expected,
			})
		}
	}
	return lagging
}

// Forget drops the task's window, e.g. when the task reaches a terminal
// status.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, taskID)
}
