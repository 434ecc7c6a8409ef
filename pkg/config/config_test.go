package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memOverlay is an in-memory Overlay for tests.
type memOverlay struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemOverlay() *memOverlay { return &memOverlay{vals: make(map[string]string)} }

func (o *memOverlay) Set(_ context.Context, key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vals[key] = value
	return nil
}

func (o *memOverlay) All(_ context.Context) (map[string]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.vals))
	for k, v := range o.vals {
		out[k] = v
	}
	return out, nil
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 5, c.Delegation.MaxDepth)
	assert.Equal(t, 30, c.SLA.PingAfterMinutes)
	assert.Equal(t, 60, c.SLA.SuggestReassignAfterMinutes)
	assert.Equal(t, 10, c.SLA.ReassignCooldownMinutes)
	assert.Equal(t, 2, c.SLA.ConsecutiveRejectionsForPenalty)
	assert.Equal(t, 5, c.Supervisor.MaxRestarts)
	assert.Equal(t, 30*time.Second, c.Supervisor.HealthCheckInterval)
	assert.Equal(t, 180*time.Second, c.Council.ResearchTimeout)
	assert.Equal(t, 90*time.Second, c.Council.DiscussionTimeout)
	assert.True(t, c.Launcher.BlockSelfHandoff)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Delegation.MaxDepth, c.Delegation.MaxDepth)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
delegation:
  max_depth: 3
launcher:
  max_spawns_per_minute: 2
  dedup_window: 45s
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Delegation.MaxDepth)
	assert.Equal(t, 2, c.Launcher.MaxSpawnsPerMinute)
	assert.Equal(t, 45*time.Second, c.Launcher.DedupWindow)
	// Untouched keys stay at defaults.
	assert.Equal(t, 3, c.Launcher.CircuitThreshold)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delegation: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	cases := map[string]string{
		"delegation.max_depth":           "7",
		"launcher.dedup_window":          "1m30s",
		"launcher.block_self_handoff":    "false",
		"log.level":                      "debug",
		"sla.max_reassignments":          "4",
		"supervisor.graceful_shutdown":   "20s",
		"messages.archive_after_days":    "14",
	}
	for k, v := range cases {
		require.NoError(t, m.Set(k, v), k)
		got, err := m.Get(k)
		require.NoError(t, err, k)
		assert.Equal(t, v, got, k)
	}

	// Sets persist across a reload.
	_, err = m.Reload()
	require.NoError(t, err)
	got, err := m.Get("delegation.max_depth")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestSetUnknownKey(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Error(t, m.Set("no.such.key", "1"))
	_, err = m.Get("no.such.key")
	assert.Error(t, err)
}

func TestSetDoesNotMutatePriorSnapshot(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	before := m.Snapshot()
	require.NoError(t, m.Set("delegation.max_depth", "9"))

	assert.Equal(t, 5, before.Delegation.MaxDepth)
	assert.Equal(t, 9, m.Snapshot().Delegation.MaxDepth)
}

func TestOverlayAppliesOnAttachAndSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	overlay := newMemOverlay()
	require.NoError(t, overlay.Set(context.Background(), "delegation.max_depth", "8"))
	require.NoError(t, overlay.Set(context.Background(), "from.an.older.build", "x"))

	require.NoError(t, m.AttachOverlay(overlay))
	assert.Equal(t, 8, m.Snapshot().Delegation.MaxDepth)

	// Set writes through to the overlay.
	require.NoError(t, m.Set("sla.max_reassignments", "6"))
	assert.Equal(t, "6", overlay.vals["sla.max_reassignments"])

	// A reload re-reads the file, then replays the overlay on top of it.
	require.NoError(t, os.WriteFile(path, []byte("delegation:\n  max_depth: 2\n"), 0o600))
	_, err = m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 8, m.Snapshot().Delegation.MaxDepth)
	assert.Equal(t, 6, m.Snapshot().SLA.MaxReassignments)
}

func TestConcurrentSetsAllLand(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	// Two writers on different keys: if the copy-swap were unguarded, one
	// writer's change could vanish under the other's stale copy.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Set("delegation.max_depth", "7"))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, m.Set("sla.max_reassignments", "6"))
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, 7, snap.Delegation.MaxDepth)
	assert.Equal(t, 6, snap.SLA.MaxReassignments)
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	assert.NotEmpty(t, keys)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}
