package collab

import (
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// DefaultStaleAfter marks a session inactive once every member has been
// silent this long.
const DefaultStaleAfter = 10 * time.Minute

// Update is one entry in a shared session's feed.
type Update struct {
	Seq       int    `json:"seq"`
	Account   string `json:"account"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Info is the externally visible state of one shared session.
type Info struct {
	ID          string `json:"id"`
	Initiator   string `json:"initiator"`
	Participant string `json:"participant"`
	Workspace   string `json:"workspace"`
	Active      bool   `json:"active"`
	Joined      bool   `json:"joined"`
	StartedAt   string `json:"started_at"`
	Updates     int    `json:"updates"`
}

type session struct {
	id          string
	initiator   string
	participant string
	workspace   string
	active      bool
	joined      bool
	startedAt   time.Time
	endedAt     time.Time
	updates     []Update
	// cursors tracks, per member, how many updates they have already read.
	cursors  map[string]int
	lastPing map[string]time.Time
}

func (s *session) member(who string) bool {
	return who == s.initiator || who == s.participant
}

// Manager owns all shared sessions: two-party in-memory pairing channels.
// Membership gates every call, but a non-member asking gets false or an
// empty slice, never an error that would tear down the handler.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*session
	staleAfter time.Duration
	now        func() time.Time
}

// NewManager creates a manager; staleAfter <= 0 uses the default.
func NewManager(staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		sessions:   make(map[string]*session),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Create opens a session between two distinct accounts. The participant is
// invited, not yet joined.
func (m *Manager) Create(initiator, participant, workspace string) (Info, error) {
	if initiator == participant {
		return Info{}, errdefs.Validationf("shared session needs two distinct accounts, got %s twice", initiator)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	sess := &session{
		id:          uuid.NewString(),
		initiator:   initiator,
		participant: participant,
		workspace:   workspace,
		active:      true,
		startedAt:   now,
		cursors:     map[string]int{initiator: 0},
		lastPing:    map[string]time.Time{initiator: now},
	}
	m.sessions[sess.id] = sess
	return infoOf(sess), nil
}

// Join lets the invited participant enter an active session. Anyone else,
// and any inactive or unknown session, gets false.
func (m *Manager) Join(id, who string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.active || who != sess.participant {
		return false
	}
	if !sess.joined {
		sess.joined = true
		// The participant's feed starts at the moment of joining.
		sess.cursors[who] = len(sess.updates)
	}
	sess.lastPing[who] = m.now()
	return true
}

// AddUpdate appends to the session feed. Members only, active sessions only.
func (m *Manager) AddUpdate(id, who, content string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.active || !sess.member(who) {
		return false
	}
	now := m.now()
	sess.updates = append(sess.updates, Update{
		Seq:       len(sess.updates) + 1,
		Account:   who,
		Content:   content,
		Timestamp: types.Timestamp(now),
	})
	sess.lastPing[who] = now
	return true
}

// Updates returns what the member has not read yet and advances their
// cursor; successive calls return disjoint slices. Non-members and inactive
// sessions get an empty slice.
func (m *Manager) Updates(id, who string) []Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.active || !sess.member(who) {
		return []Update{}
	}
	cursor := sess.cursors[who]
	if cursor > len(sess.updates) {
		cursor = len(sess.updates)
	}
	fresh := append([]Update{}, sess.updates[cursor:]...)
	sess.cursors[who] = len(sess.updates)
	sess.lastPing[who] = m.now()
	return fresh
}

// RecordPing marks the member alive without posting.
func (m *Manager) RecordPing(id, who string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.active || !sess.member(who) {
		return false
	}
	sess.lastPing[who] = m.now()
	return true
}

// End deactivates the session. Members only; ending twice is false.
func (m *Manager) End(id, who string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.active || !sess.member(who) {
		return false
	}
	sess.active = false
	sess.endedAt = m.now()
	return true
}

// Get returns the session's info; ok is false for unknown ids.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return infoOf(sess), true
}

// List returns every active session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, sess := range m.sessions {
		if sess.active {
			out = append(out, infoOf(sess))
		}
	}
	return out
}

// CleanupStale deactivates sessions in which every member has been silent
// past the staleness window and returns how many it ended.
func (m *Manager) CleanupStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ended := 0
	for _, sess := range m.sessions {
		if !sess.active {
			continue
		}
		allStale := true
		for _, last := range sess.lastPing {
			if now.Sub(last) < m.staleAfter {
				allStale = false
				break
			}
		}
		if allStale {
			sess.active = false
			sess.endedAt = now
			ended++
			logger := log.WithComponent("collab")
			logger.Info().
				Str("session_id", sess.id).
				Str("initiator", sess.initiator).
				Str("participant", sess.participant).
				Msg("stale shared session ended")
		}
	}
	return ended
}

// PurgeInactive removes inactive sessions older than maxAge, with their
// update logs and cursors, and returns how many were dropped.
func (m *Manager) PurgeInactive(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, sess := range m.sessions {
		if sess.active {
			continue
		}
		endedAt := sess.endedAt
		if endedAt.IsZero() {
			endedAt = sess.startedAt
		}
		if now.Sub(endedAt) >= maxAge {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func infoOf(sess *session) Info {
	return Info{
		ID:          sess.id,
		Initiator:   sess.initiator,
		Participant: sess.participant,
		Workspace:   sess.workspace,
		Active:      sess.active,
		Joined:      sess.joined,
		StartedAt:   types.Timestamp(sess.startedAt),
		Updates:     len(sess.updates),
	}
}
