package launcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/log"
)

// rateWindow is the wall-clock window for the spawns-per-minute limit.
const rateWindow = time.Minute

// Config are the admission policy knobs.
type Config struct {
	MaxSpawnsPerMinute int
	DedupWindow        time.Duration
	CircuitThreshold   int
	CircuitCooldown    time.Duration
	BlockSelfHandoff   bool
}

// Decision is the outcome of one CanLaunch call.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CircuitState is the externally visible breaker state for one target.
type CircuitState struct {
	Target   string    `json:"target"`
	Failures int       `json:"failures"`
	Open     bool      `json:"open"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

type spawn struct {
	target string
	at     time.Time
}

type circuit struct {
	failures int
	openedAt time.Time
}

// Policy is the spawn admission gate. One instance lives in the daemon's
// capability struct; all methods are safe for concurrent use.
type Policy struct {
	mu           sync.Mutex
	cfg          Config
	recentSpawns []spawn
	dedup        map[string]time.Time
	circuits     map[string]*circuit
	now          func() time.Time
}

// New creates a policy with the given knobs.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:      cfg,
		dedup:    make(map[string]time.Time),
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// CanLaunch applies the admission checks in fixed order; the first failing
// rule is the reported reason.
func (p *Policy) CanLaunch(from, target string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	// 1. Self-handoff.
	if p.cfg.BlockSelfHandoff && from == target {
		return Decision{Reason: fmt.Sprintf("self-handoff blocked: %s cannot spawn itself", from)}
	}

	// 2. Circuit breaker.
	if c, ok := p.circuits[target]; ok && c.failures >= p.cfg.CircuitThreshold {
		elapsed := now.Sub(c.openedAt)
		if elapsed < p.cfg.CircuitCooldown {
			return Decision{Reason: fmt.Sprintf(
				"circuit breaker open for %s (%ds of %ds)",
				target, int(elapsed.Seconds()), int(p.cfg.CircuitCooldown.Seconds()))}
		}
		// Cooldown has passed; the breaker resets.
		delete(p.circuits, target)
	}

	// 3. Dedup window.
	if last, ok := p.dedup[target]; ok {
		if since := now.Sub(last); since < p.cfg.DedupWindow {
			return Decision{Reason: fmt.Sprintf(
				"dedup: %s was launched %ds ago (window %ds)",
				target, int(since.Seconds()), int(p.cfg.DedupWindow.Seconds()))}
		}
	}

	// 4. Rate limit over the sliding minute.
	p.expireLocked(now)
	if len(p.recentSpawns) >= p.cfg.MaxSpawnsPerMinute {
		return Decision{Reason: fmt.Sprintf(
			"rate limit: %d/%d spawns in last minute",
			len(p.recentSpawns), p.cfg.MaxSpawnsPerMinute)}
	}

	return Decision{Allowed: true}
}

// RecordSpawn registers a successful launch: it counts against the rate
// limit, arms the dedup window, and clears the target's circuit breaker.
func (p *Policy) RecordSpawn(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.recentSpawns = append(p.recentSpawns, spawn{target: target, at: now})
	p.dedup[target] = now
	delete(p.circuits, target)
}

// RecordFailure increments the target's failure count; crossing the
// threshold opens the breaker.
func (p *Policy) RecordFailure(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.circuits[target]
	if !ok {
		c = &circuit{}
		p.circuits[target] = c
	}
	c.failures++
	if c.failures == p.cfg.CircuitThreshold {
		c.openedAt = p.now()
		logger := log.WithComponent("launcher")
		logger.Warn().
			Str("target", target).
			Int("failures", c.failures).
			Msg("circuit breaker opened")
	}
}

// Circuit reports the breaker state for a target.
func (p *Policy) Circuit(target string) CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := CircuitState{Target: target}
	if c, ok := p.circuits[target]; ok {
		state.Failures = c.failures
		if c.failures >= p.cfg.CircuitThreshold {
			state.Open = p.now().Sub(c.openedAt) < p.cfg.CircuitCooldown
			state.OpenedAt = c.openedAt
		}
	}
	return state
}

// ExpireRateLimitForTest drops all recorded spawns from the rate window.
func (p *Policy) ExpireRateLimitForTest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recentSpawns = nil
}

func (p *Policy) expireLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := p.recentSpawns[:0]
	for _, s := range p.recentSpawns {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	p.recentSpawns = kept
}
