package delegation

import (
	"fmt"
	"testing"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainGrowsWithRecords(t *testing.T) {
	tr := NewTracker(5)
	require.NoError(t, tr.Record("t1", "a", "b"))
	require.NoError(t, tr.Record("t1", "b", "c"))

	assert.Equal(t, []string{"a", "b", "c"}, tr.Chain("t1"))
	assert.Equal(t, 2, tr.Depth("t1"))
}

func TestDepthLimit(t *testing.T) {
	tr := NewTracker(3)
	agents := []string{"a", "b", "c", "d"}
	for i := 0; i < len(agents)-1; i++ {
		require.NoError(t, tr.Record("t1", agents[i], agents[i+1]))
	}
	// Chain a->b->c->d is at depth 3; one more hop exceeds the limit.
	err := tr.Check("t1", "d", "e")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "depth")
}

func TestNoCycles(t *testing.T) {
	tr := NewTracker(5)
	require.NoError(t, tr.Record("t1", "a", "b"))
	require.NoError(t, tr.Record("t1", "b", "c"))

	err := tr.Check("t1", "c", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// A different task is an independent chain.
	assert.NoError(t, tr.Check("t2", "c", "a"))
}

func TestFirstHopSelfCycle(t *testing.T) {
	tr := NewTracker(5)
	err := tr.Check("t1", "a", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestReauthorizeRaisesLimit(t *testing.T) {
	tr := NewTracker(2)
	require.NoError(t, tr.Record("t1", "a", "b"))
	require.NoError(t, tr.Record("t1", "b", "c"))
	require.Error(t, tr.Check("t1", "c", "d"))

	require.NoError(t, tr.Reauthorize("t1", 4))
	assert.NoError(t, tr.Check("t1", "c", "d"))

	// Lowering or matching the current limit is rejected.
	assert.Error(t, tr.Reauthorize("t1", 4))
	assert.Error(t, tr.Reauthorize("t1", 0))
}

func TestInvariantNoAgentTwiceUnderLoad(t *testing.T) {
	tr := NewTracker(10)
	prev := "agent-0"
	for i := 1; i <= 8; i++ {
		next := fmt.Sprintf("agent-%d", i)
		require.NoError(t, tr.Record("t1", prev, next))
		prev = next
	}
	chain := tr.Chain("t1")
	seen := make(map[string]bool, len(chain))
	for _, member := range chain {
		assert.False(t, seen[member], "agent %s appears twice", member)
		seen[member] = true
	}
	assert.LessOrEqual(t, tr.Depth("t1"), 10)
}

func TestForget(t *testing.T) {
	tr := NewTracker(2)
	require.NoError(t, tr.Record("t1", "a", "b"))
	require.NoError(t, tr.Reauthorize("t1", 9))
	tr.Forget("t1")
	assert.Empty(t, tr.Chain("t1"))
	// Fresh chain starts from the default limit again.
	require.NoError(t, tr.Record("t1", "a", "b"))
	require.NoError(t, tr.Record("t1", "b", "c"))
	assert.Error(t, tr.Check("t1", "c", "d"))
}
