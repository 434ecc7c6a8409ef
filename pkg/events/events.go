package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentctl/agentctl/pkg/log"
)

// EventType names a topic on the bus.
type EventType string

const (
	EventTaskCreated      EventType = "TASK_CREATED"
	EventTaskAssigned     EventType = "TASK_ASSIGNED"
	EventTaskStarted      EventType = "TASK_STARTED"
	EventProgressUpdate   EventType = "PROGRESS_UPDATE"
	EventTaskCompleted    EventType = "TASK_COMPLETED"
	EventAgentStreamChunk EventType = "AGENT_STREAM_CHUNK"

	EventCouncilSessionStarted   EventType = "COUNCIL_SESSION_STARTED"
	EventCouncilSessionCompleted EventType = "COUNCIL_SESSION_COMPLETED"
	EventCouncilStageStarted     EventType = "COUNCIL_STAGE_STARTED"
	EventCouncilStageCompleted   EventType = "COUNCIL_STAGE_COMPLETED"
	EventCouncilMemberResponse   EventType = "COUNCIL_MEMBER_RESPONSE"

	EventTDDTestOutput EventType = "TDD_TEST_OUTPUT"

	EventEscalation      EventType = "SLA_ESCALATION"
	EventWorkflowStep    EventType = "WORKFLOW_STEP"
	EventSessionActivity EventType = "SESSION_ACTIVITY"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// Event is one record on the bus.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Account   string         `json:"account,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Subscription is one live listener. Receive from C; Close when done.
type Subscription struct {
	bus    *Bus
	topic  string
	ch     chan Event
	closed chan struct{}
	once   sync.Once
	// dropped counts live events this subscriber was too slow to take.
	// Atomic: concurrent Emit callers bump it outside the bus lock.
	dropped atomic.Uint64
}

// Dropped reports how many live events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// C returns the subscriber's event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.bus.unsubscribe(s)
	})
}

// Bus is the in-process publish/subscribe bus. Subscriber sets are immutable
// slices swapped under the lock so Emit iterates over a stable snapshot.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	subs     map[string][]*Subscription
	rings    map[EventType]*ring
	global   *ring
	ringSize int
}

// New creates a bus whose per-topic and global rings retain ringSize events.
func New(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &Bus{
		subs:     make(map[string][]*Subscription),
		rings:    make(map[EventType]*ring),
		global:   newRing(ringSize),
		ringSize: ringSize,
	}
}

// Emit stamps and fans the event out to topic subscribers, wildcard
// subscribers, and the retention rings. Delivery to live subscribers is
// best-effort: a full subscriber drops this event rather than blocking the
// emitter.
func (b *Bus) Emit(ev Event) Event {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r, ok := b.rings[ev.Type]
	if !ok {
		r = newRing(b.ringSize)
		b.rings[ev.Type] = r
	}
	r.push(ev)
	b.global.push(ev)

	targets := append([]*Subscription(nil), b.subs[string(ev.Type)]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.closed:
		default:
			sub.dropped.Add(1)
			logger := log.WithComponent("events")
			logger.Debug().
				Str("topic", string(ev.Type)).
				Msg("slow subscriber dropped event")
		}
	}
	return ev
}

// Subscribe registers a listener for one topic, or all topics with Wildcard.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		bus:    b,
		topic:  topic,
		ch:     make(chan Event, 64),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[topic] = append(append([]*Subscription(nil), b.subs[topic]...), sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a wildcard listener.
func (b *Bus) SubscribeAll() *Subscription {
	return b.Subscribe(Wildcard)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subs[sub.topic]
	next := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, sub.topic)
	} else {
		b.subs[sub.topic] = next
	}
}

// Filter selects events from the retention rings.
type Filter struct {
	TaskID string
	Type   EventType
	Since  time.Time
}

func (f Filter) match(ev Event) bool {
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && !ev.Timestamp.After(f.Since) {
		return false
	}
	return true
}

// Recent returns retained events matching the filter, oldest first.
func (b *Bus) Recent(f Filter) []Event {
	b.mu.Lock()
	var snapshot []Event
	if f.Type != "" {
		if r, ok := b.rings[f.Type]; ok {
			snapshot = r.items()
		}
	} else {
		snapshot = b.global.items()
	}
	b.mu.Unlock()

	out := make([]Event, 0, len(snapshot))
	for _, ev := range snapshot {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Stream replays the retained events matching f and then follows the live
// feed until ctx is done. History is never dropped; only the live tail is
// subject to slow-consumer overflow.
func (b *Bus) Stream(ctx context.Context, f Filter) <-chan Event {
	topic := Wildcard
	if f.Type != "" {
		topic = string(f.Type)
	}

	b.mu.Lock()
	var history []Event
	if f.Type != "" {
		if r, ok := b.rings[f.Type]; ok {
			history = r.items()
		}
	} else {
		history = b.global.items()
	}
	sub := &Subscription{
		bus:    b,
		topic:  topic,
		ch:     make(chan Event, 64),
		closed: make(chan struct{}),
	}
	b.subs[topic] = append(append([]*Subscription(nil), b.subs[topic]...), sub)
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		var lastSeq uint64
		for _, ev := range history {
			if !f.match(ev) {
				continue
			}
			select {
			case out <- ev:
				lastSeq = ev.Seq
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev := <-sub.ch:
				if ev.Seq <= lastSeq || !f.match(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ring is a fixed-capacity buffer of the most recent events.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns retained events oldest first.
func (r *ring) items() []Event {
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
