package delegation

import (
	"sync"

	"github.com/agentctl/agentctl/pkg/errdefs"
)

// DefaultMaxDepth bounds a delegation chain unless reauthorized.
const DefaultMaxDepth = 5

// Tracker records, per task, the ordered chain of accounts that have handled
// it, and refuses handoffs that would over-deepen the chain or revisit an
// account. The task id is the stable chain key.
type Tracker struct {
	mu       sync.Mutex
	maxDepth int
	chains   map[string][]string
	// overrides holds per-task depth limits granted by reauthorization.
	overrides map[string]int
}

// NewTracker creates a tracker with the given default depth limit.
func NewTracker(maxDepth int) *Tracker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Tracker{
		maxDepth:  maxDepth,
		chains:    make(map[string][]string),
		overrides: make(map[string]int),
	}
}

// Chain returns a copy of the task's delegation chain, origin first.
func (t *Tracker) Chain(taskID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.chains[taskID]...)
}

// Depth returns the current chain depth (chain length minus one; zero for
// unknown tasks).
func (t *Tracker) Depth(taskID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.chains[taskID]); n > 0 {
		return n - 1
	}
	return 0
}

// Check refuses a handoff of taskID from one account to another when the
// chain is already at its depth limit or the target has appeared before.
func (t *Tracker) Check(taskID, from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(taskID, from, to)
}

func (t *Tracker) checkLocked(taskID, from, to string) error {
	chain := t.chains[taskID]
	limit := t.maxDepth
	if o, ok := t.overrides[taskID]; ok {
		limit = o
	}

	depth := 0
	if len(chain) > 0 {
		depth = len(chain) - 1
	}
	// The prospective handoff adds one hop.
	if len(chain) > 0 && depth+1 > limit {
		return errdefs.Validationf(
			"delegation depth %d exceeds limit %d for task %s", depth+1, limit, taskID)
	}
	for _, member := range chain {
		if member == to {
			return errdefs.Validationf(
				"delegation cycle: %s already appears in the chain for task %s", to, taskID)
		}
	}
	if len(chain) == 0 && from == to {
		return errdefs.Validationf(
			"delegation cycle: %s already appears in the chain for task %s", to, taskID)
	}
	return nil
}

// Record appends the hop to the chain after a successful handoff. The first
// record for a task seeds the chain with the delegator.
func (t *Tracker) Record(taskID, from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(taskID, from, to); err != nil {
		return err
	}
	if len(t.chains[taskID]) == 0 {
		t.chains[taskID] = append(t.chains[taskID], from)
	}
	t.chains[taskID] = append(t.chains[taskID], to)
	return nil
}

// Reauthorize raises the depth limit for one task after explicit approval.
func (t *Tracker) Reauthorize(taskID string, newMaxDepth int) error {
	if newMaxDepth <= 0 {
		return errdefs.Validationf("reauthorized depth must be positive, got %d", newMaxDepth)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.maxDepth
	if o, ok := t.overrides[taskID]; ok {
		current = o
	}
	if newMaxDepth <= current {
		return errdefs.Validationf(
			"reauthorized depth %d does not exceed current limit %d", newMaxDepth, current)
	}
	t.overrides[taskID] = newMaxDepth
	return nil
}

// Forget drops the chain for a task that reached a terminal status.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chains, taskID)
	delete(t.overrides, taskID)
}
