package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	nc "github.com/nats-io/nats.go"
)

// Event types broadcast over the stream.
const (
	EventSessionInit      = "session_init"
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventSessionComplete  = "session_complete"
	EventObservationAdded = "observation_added"
	EventUserPrompt       = "user_prompt"
	EventMemorySaved      = "memory_saved"
)

// Event is a single typed live event delivered to subscribed clients.
type Event struct {
	Type      string `json:"type"`
	Project   string `json:"-"`
	SessionID string `json:"-"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// wireEvent is what actually travels over the bus and down the SSE wire.
// It omits the internal routing fields; Project and SessionID only pick
// subjects and are never part of the wire payload.
type wireEvent struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

func subjectAll() string { return "events.broadcast" }

func subjectProject(project string) string {
	return "events.project." + sanitizeSubjectToken(project)
}

func subjectSession(sessionID string) string {
	return "events.session." + sanitizeSubjectToken(sessionID)
}

// sanitizeSubjectToken replaces NATS subject-special characters so a
// project path or session id can be embedded as a single subject token.
func sanitizeSubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '.', '*', '>', ' ':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Broadcaster tracks subscribers keyed by project/session and broadcasts
// typed events to them over an embedded NATS bus (component L).
type Broadcaster struct {
	bus         *bus
	subscribers int64
}

// NewBroadcaster connects to the embedded NATS server at natsURL.
func NewBroadcaster(natsURL string) (*Broadcaster, error) {
	b, err := newBus(natsURL, "broadcaster")
	if err != nil {
		return nil, fmt.Errorf("stream: new broadcaster: %w", err)
	}
	return &Broadcaster{bus: b}, nil
}

// Close releases the broadcaster's bus connection.
func (b *Broadcaster) Close() {
	b.bus.close()
}

// ClientCount returns the number of currently active subscriptions, for
// /api/health's sseClients field.
func (b *Broadcaster) ClientCount() int {
	return int(atomic.LoadInt64(&b.subscribers))
}

// Publish broadcasts ev. The target set is the union of clients matching
// ev.Project or ev.SessionID; when both are empty, all clients receive it.
// This is implemented by publishing to the project subject, the session
// subject (whichever are set), and, only when neither is set, the
// catch-all broadcast subject.
func (b *Broadcaster) Publish(ev Event) error {
	wire := wireEvent{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp}

	published := false
	if ev.Project != "" {
		if err := b.bus.publishJSON(subjectProject(ev.Project), wire); err != nil {
			return err
		}
		published = true
	}
	if ev.SessionID != "" {
		if err := b.bus.publishJSON(subjectSession(ev.SessionID), wire); err != nil {
			return err
		}
		published = true
	}
	if !published {
		if err := b.bus.publishJSON(subjectAll(), wire); err != nil {
			return err
		}
	}
	return nil
}

// Subscription is a single client's view onto the event stream.
type Subscription struct {
	C    chan Event
	b    *Broadcaster
	subs []*nc.Subscription

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a client filtered by project and/or sessionId (either
// may be empty). The returned Subscription's channel receives every event
// whose Project or SessionID matches, plus every broadcast-to-all event.
func (b *Broadcaster) Subscribe(project, sessionID string) (*Subscription, error) {
	s := &Subscription{C: make(chan Event, 64), b: b}

	handler := func(msg busMessage) {
		var wire wireEvent
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			return
		}
		ev := Event{Type: wire.Type, Payload: wire.Payload, Timestamp: wire.Timestamp}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		select {
		case s.C <- ev:
		default:
			// slow consumer: drop rather than block the bus callback.
		}
	}

	subjects := []string{subjectAll()}
	if project != "" {
		subjects = append(subjects, subjectProject(project))
	}
	if sessionID != "" {
		subjects = append(subjects, subjectSession(sessionID))
	}

	for _, subj := range subjects {
		sub, err := b.bus.subscribe(subj, handler)
		if err != nil {
			s.unsubscribeAll()
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}

	atomic.AddInt64(&b.subscribers, 1)
	return s, nil
}

func (s *Subscription) unsubscribeAll() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.mu.Lock()
	s.closed = true
	close(s.C)
	s.mu.Unlock()
}

// Close unsubscribes and releases the client's slot. Safe to call once per
// successfully created subscription.
func (s *Subscription) Close() {
	s.unsubscribeAll()
	atomic.AddInt64(&s.b.subscribers, -1)
}
