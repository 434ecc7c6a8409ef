package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the typed snapshot handed to every subsystem at construction.
// The daemon never reads the YAML file outside this package.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Launcher struct {
		MaxSpawnsPerMinute int           `yaml:"max_spawns_per_minute"`
		DedupWindow        time.Duration `yaml:"dedup_window"`
		CircuitThreshold   int           `yaml:"circuit_threshold"`
		CircuitCooldown    time.Duration `yaml:"circuit_cooldown"`
		BlockSelfHandoff   bool          `yaml:"block_self_handoff"`
	} `yaml:"launcher"`

	Delegation struct {
		MaxDepth int `yaml:"max_depth"`
	} `yaml:"delegation"`

	SLA struct {
		TickInterval                    time.Duration `yaml:"tick_interval"`
		PingAfterMinutes                int           `yaml:"ping_after_minutes"`
		SuggestReassignAfterMinutes     int           `yaml:"suggest_reassign_after_minutes"`
		MaxReassignments                int           `yaml:"max_reassignments"`
		ReassignCooldownMinutes         int           `yaml:"reassign_cooldown_minutes"`
		UnresponsiveThresholdMinutes    int           `yaml:"unresponsive_threshold_minutes"`
		BehindScheduleThresholdPercent  float64       `yaml:"behind_schedule_threshold_percent"`
		ConsecutiveRejectionsForPenalty int           `yaml:"consecutive_rejections_for_penalty"`
		StatusThresholds                map[string]time.Duration `yaml:"status_thresholds"`
	} `yaml:"sla"`

	Collab struct {
		StaleAfter    time.Duration `yaml:"stale_after"`
		PurgeMaxAge   time.Duration `yaml:"purge_max_age"`
		CleanupPeriod time.Duration `yaml:"cleanup_period"`
	} `yaml:"collab"`

	Messages struct {
		ArchiveAfterDays int `yaml:"archive_after_days"`
	} `yaml:"messages"`

	Watchdog struct {
		Interval       time.Duration `yaml:"interval"`
		MemoryLimitMB  int           `yaml:"memory_limit_mb"`
	} `yaml:"watchdog"`

	Supervisor struct {
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		BaseRestartDelay    time.Duration `yaml:"base_restart_delay"`
		MaxRestarts         int           `yaml:"max_restarts"`
		CalmWindow          time.Duration `yaml:"calm_window"`
		GracefulShutdown    time.Duration `yaml:"graceful_shutdown"`
	} `yaml:"supervisor"`

	Council struct {
		ResearchTimeout   time.Duration `yaml:"research_timeout"`
		DiscussionTimeout time.Duration `yaml:"discussion_timeout"`
		DecisionTimeout   time.Duration `yaml:"decision_timeout"`
	} `yaml:"council"`

	Events struct {
		RingSize int `yaml:"ring_size"`
	} `yaml:"events"`

	Metrics struct {
		// ListenAddr exposes /metrics when set, e.g. "127.0.0.1:9090".
		// Empty disables the listener.
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration the daemon runs with when no file or
// override is present.
func Default() *Config {
	c := &Config{}
	c.Log.Level = "info"

	c.Launcher.MaxSpawnsPerMinute = 5
	c.Launcher.DedupWindow = 30 * time.Second
	c.Launcher.CircuitThreshold = 3
	c.Launcher.CircuitCooldown = 5 * time.Minute
	c.Launcher.BlockSelfHandoff = true

	c.Delegation.MaxDepth = 5

	c.SLA.TickInterval = 30 * time.Second
	c.SLA.PingAfterMinutes = 30
	c.SLA.SuggestReassignAfterMinutes = 60
	c.SLA.MaxReassignments = 2
	c.SLA.ReassignCooldownMinutes = 10
	c.SLA.UnresponsiveThresholdMinutes = 10
	c.SLA.BehindScheduleThresholdPercent = 20
	c.SLA.ConsecutiveRejectionsForPenalty = 2
	c.SLA.StatusThresholds = map[string]time.Duration{
		"todo":             4 * time.Hour,
		"in_progress":      2 * time.Hour,
		"ready_for_review": 1 * time.Hour,
	}

	c.Collab.StaleAfter = 10 * time.Minute
	c.Collab.PurgeMaxAge = 24 * time.Hour
	c.Collab.CleanupPeriod = time.Minute

	c.Messages.ArchiveAfterDays = 7

	c.Watchdog.Interval = 30 * time.Second
	c.Watchdog.MemoryLimitMB = 1024

	c.Supervisor.HealthCheckInterval = 30 * time.Second
	c.Supervisor.BaseRestartDelay = time.Second
	c.Supervisor.MaxRestarts = 5
	c.Supervisor.CalmWindow = 5 * time.Minute
	c.Supervisor.GracefulShutdown = 10 * time.Second

	c.Council.ResearchTimeout = 180 * time.Second
	c.Council.DiscussionTimeout = 90 * time.Second
	c.Council.DecisionTimeout = 180 * time.Second

	c.Events.RingSize = 256

	return c
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Overlay persists runtime overrides outside the YAML file. Attached
// overrides write through on Set and replay on top of the file after every
// reload, so config_set survives both restarts and config_reload.
type Overlay interface {
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// Manager holds the live snapshot and serves atomic reloads and dotted-key
// get/set. Handlers read the snapshot once per request. The mutex serialises
// the writers (Set, Reload); readers stay lock-free on the atomic pointer.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]

	mu      sync.Mutex
	overlay Overlay
}

// NewManager loads path and starts managing it.
func NewManager(path string) (*Manager, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cur.Store(c)
	return m, nil
}

// Snapshot returns the current immutable configuration.
func (m *Manager) Snapshot() *Config {
	return m.cur.Load()
}

// AttachOverlay wires a persistence layer for runtime overrides and applies
// whatever it already holds on top of the current snapshot.
func (m *Manager) AttachOverlay(o Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay = o
	return m.applyOverlayLocked()
}

func (m *Manager) applyOverlayLocked() error {
	if m.overlay == nil {
		return nil
	}
	saved, err := m.overlay.All(context.Background())
	if err != nil {
		return err
	}
	next := m.copySnapshot()
	for key, value := range saved {
		entry, ok := registry[key]
		if !ok {
			// Keys written by an older build; harmless to skip.
			continue
		}
		if err := entry.set(next, value); err != nil {
			return fmt.Errorf("overlay %s: %w", key, err)
		}
	}
	m.cur.Store(next)
	return nil
}

// copySnapshot clones the snapshot deeply enough that registry setters never
// mutate a Config a reader already holds.
func (m *Manager) copySnapshot() *Config {
	next := *m.cur.Load()
	thresholds := make(map[string]time.Duration, len(next.SLA.StatusThresholds))
	for k, v := range next.SLA.StatusThresholds {
		thresholds[k] = v
	}
	next.SLA.StatusThresholds = thresholds
	return &next
}

// Reload re-reads the file, swaps the snapshot, and replays the overlay.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cur.Store(c)
	if err := m.applyOverlayLocked(); err != nil {
		return nil, err
	}
	return m.cur.Load(), nil
}

// Set updates one dotted key on a copy of the snapshot, swaps it in, and
// persists the result. Set followed by Get returns the written value.
func (m *Manager) Set(key, value string) error {
	entry, ok := registry[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.copySnapshot()
	if err := entry.set(next, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	m.cur.Store(next)
	if err := m.persist(next); err != nil {
		return err
	}
	if m.overlay != nil {
		return m.overlay.Set(context.Background(), key, value)
	}
	return nil
}

// Get returns the string form of one dotted key.
func (m *Manager) Get(key string) (string, error) {
	entry, ok := registry[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return entry.get(m.cur.Load()), nil
}

// Keys lists every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) persist(c *Config) error {
	if m.path == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

type regEntry struct {
	set func(*Config, string) error
	get func(*Config) string
}

func intEntry(get func(*Config) *int) regEntry {
	return regEntry{
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*get(c) = n
			return nil
		},
		get: func(c *Config) string { return strconv.Itoa(*get(c)) },
	}
}

func durEntry(get func(*Config) *time.Duration) regEntry {
	return regEntry{
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*get(c) = d
			return nil
		},
		get: func(c *Config) string { return (*get(c)).String() },
	}
}

func boolEntry(get func(*Config) *bool) regEntry {
	return regEntry{
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*get(c) = b
			return nil
		},
		get: func(c *Config) string { return strconv.FormatBool(*get(c)) },
	}
}

func stringEntry(get func(*Config) *string) regEntry {
	return regEntry{
		set: func(c *Config, v string) error { *get(c) = v; return nil },
		get: func(c *Config) string { return *get(c) },
	}
}

var registry = map[string]regEntry{
	"log.level": stringEntry(func(c *Config) *string { return &c.Log.Level }),
	"log.json":  boolEntry(func(c *Config) *bool { return &c.Log.JSON }),

	"launcher.max_spawns_per_minute": intEntry(func(c *Config) *int { return &c.Launcher.MaxSpawnsPerMinute }),
	"launcher.dedup_window":          durEntry(func(c *Config) *time.Duration { return &c.Launcher.DedupWindow }),
	"launcher.circuit_threshold":     intEntry(func(c *Config) *int { return &c.Launcher.CircuitThreshold }),
	"launcher.circuit_cooldown":      durEntry(func(c *Config) *time.Duration { return &c.Launcher.CircuitCooldown }),
	"launcher.block_self_handoff":    boolEntry(func(c *Config) *bool { return &c.Launcher.BlockSelfHandoff }),

	"delegation.max_depth": intEntry(func(c *Config) *int { return &c.Delegation.MaxDepth }),

	"sla.tick_interval":                      durEntry(func(c *Config) *time.Duration { return &c.SLA.TickInterval }),
	"sla.ping_after_minutes":                 intEntry(func(c *Config) *int { return &c.SLA.PingAfterMinutes }),
	"sla.suggest_reassign_after_minutes":     intEntry(func(c *Config) *int { return &c.SLA.SuggestReassignAfterMinutes }),
	"sla.max_reassignments":                  intEntry(func(c *Config) *int { return &c.SLA.MaxReassignments }),
	"sla.reassign_cooldown_minutes":          intEntry(func(c *Config) *int { return &c.SLA.ReassignCooldownMinutes }),
	"sla.unresponsive_threshold_minutes":     intEntry(func(c *Config) *int { return &c.SLA.UnresponsiveThresholdMinutes }),
	"sla.consecutive_rejections_for_penalty": intEntry(func(c *Config) *int { return &c.SLA.ConsecutiveRejectionsForPenalty }),

	"collab.stale_after":    durEntry(func(c *Config) *time.Duration { return &c.Collab.StaleAfter }),
	"collab.purge_max_age":  durEntry(func(c *Config) *time.Duration { return &c.Collab.PurgeMaxAge }),
	"collab.cleanup_period": durEntry(func(c *Config) *time.Duration { return &c.Collab.CleanupPeriod }),

	"messages.archive_after_days": intEntry(func(c *Config) *int { return &c.Messages.ArchiveAfterDays }),

	"watchdog.interval":        durEntry(func(c *Config) *time.Duration { return &c.Watchdog.Interval }),
	"watchdog.memory_limit_mb": intEntry(func(c *Config) *int { return &c.Watchdog.MemoryLimitMB }),

	"supervisor.health_check_interval": durEntry(func(c *Config) *time.Duration { return &c.Supervisor.HealthCheckInterval }),
	"supervisor.base_restart_delay":    durEntry(func(c *Config) *time.Duration { return &c.Supervisor.BaseRestartDelay }),
	"supervisor.max_restarts":          intEntry(func(c *Config) *int { return &c.Supervisor.MaxRestarts }),
	"supervisor.calm_window":           durEntry(func(c *Config) *time.Duration { return &c.Supervisor.CalmWindow }),
	"supervisor.graceful_shutdown":     durEntry(func(c *Config) *time.Duration { return &c.Supervisor.GracefulShutdown }),

	"events.ring_size": intEntry(func(c *Config) *int { return &c.Events.RingSize }),

	"metrics.listen_addr": stringEntry(func(c *Config) *string { return &c.Metrics.ListenAddr }),
}
