package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencodemem/opencodemem/internal/session"
	"github.com/opencodemem/opencodemem/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueEnvelope(t *testing.T, st *store.Store, env Envelope, maxRetries int) int64 {
	t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}
	id, err := st.Enqueue(QueueName, env.SessionID, string(payload), env.DedupKey, maxRetries, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestProcessorDispatchesKnownType(t *testing.T) {
	st := setupStore(t)
	p := New(st)
	p.PollInterval = 10 * time.Millisecond

	var handled int
	p.Register(TypeSessionStart, func(_ context.Context, env Envelope) error {
		handled++
		return nil
	})

	enqueueEnvelope(t, st, Envelope{Type: TypeSessionStart, SessionID: "sess-1", Project: "proj-a"}, 5)

	p.tick(context.Background())

	if handled != 1 {
		t.Fatalf("expected handler invoked once, got %d", handled)
	}
	depth, err := st.QueueDepth(QueueName)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected queue drained, got depth %d", depth)
	}
}

func TestProcessorDeadLettersUnknownType(t *testing.T) {
	st := setupStore(t)
	p := New(st)

	enqueueEnvelope(t, st, Envelope{Type: "mystery_type", SessionID: "sess-1"}, 5)
	p.tick(context.Background())

	depth, err := st.QueueDepth(QueueName)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected unknown-type message removed from the queue, got depth %d", depth)
	}

	letters, err := st.DeadLetters(QueueName, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "unknown_event_type" {
		t.Errorf("expected one unknown_event_type dead letter, got %+v", letters)
	}
}

func TestProcessorDeadLettersAfterMaxRetries(t *testing.T) {
	st := setupStore(t)
	p := New(st)
	p.RetryDelayMs = 0

	p.Register(TypeObservation, func(_ context.Context, env Envelope) error {
		return errors.New("handler exploded")
	})

	enqueueEnvelope(t, st, Envelope{Type: TypeObservation, SessionID: "sess-1"}, 1)

	p.tick(context.Background())

	depth, err := st.QueueDepth(QueueName)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected message dead-lettered after exceeding max retries, got depth %d", depth)
	}

	letters, err := st.DeadLetters(QueueName, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].Reason != deadLetterReason {
		t.Errorf("expected reason %q, got %q", deadLetterReason, letters[0].Reason)
	}
}

func TestObservationHandlerSanitizesAllTextFields(t *testing.T) {
	st := setupStore(t)
	p := New(st)
	RegisterDefaultHandlers(p, Deps{Store: st, Session: session.New(st)})

	if err := st.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}

	data, err := json.Marshal(map[string]any{
		"type":     "fact",
		"title":    "deploy key sk-abcdefghijklmnopqrstuvwx",
		"subtitle": "context <private>internal hostname</private> note",
		"text":     "rotated the deploy credentials",
		"facts":    []string{"token ghp_" + strings.Repeat("a", 36), "<private>entirely secret</private>", "rotation is quarterly"},
	})
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}

	enqueueEnvelope(t, st, Envelope{Type: TypeObservation, SessionID: "sess-1", Project: "proj-a", Data: data}, 5)
	p.tick(context.Background())

	obs, err := st.SessionObservations("sess-1")
	if err != nil {
		t.Fatalf("SessionObservations failed: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}

	if strings.Contains(obs[0].Title, "sk-abcdef") {
		t.Errorf("expected secret redacted from title, got %q", obs[0].Title)
	}
	if strings.Contains(obs[0].Subtitle, "internal hostname") {
		t.Errorf("expected private region stripped from subtitle, got %q", obs[0].Subtitle)
	}
	if len(obs[0].Facts) != 2 {
		t.Fatalf("expected all-private fact dropped, got %v", obs[0].Facts)
	}
	for _, f := range obs[0].Facts {
		if strings.Contains(f, "ghp_aaaa") {
			t.Errorf("expected secret redacted from fact, got %q", f)
		}
	}
}

func TestProcessorDedupSkipsProcessed(t *testing.T) {
	st := setupStore(t)
	p := New(st)

	var handled int
	p.Register(TypeUserPrompt, func(_ context.Context, env Envelope) error {
		handled++
		return nil
	})

	if err := st.MarkEventProcessed(QueueName, "dup-key", "sess-1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}

	enqueueEnvelope(t, st, Envelope{Type: TypeUserPrompt, SessionID: "sess-1", DedupKey: "dup-key"}, 5)
	p.tick(context.Background())

	if handled != 0 {
		t.Errorf("expected handler skipped for already-processed dedup key, got %d calls", handled)
	}
}
