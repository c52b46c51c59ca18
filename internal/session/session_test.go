package session

import (
	"path/filepath"
	"strings"
	"testing"

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

func TestCompleteSessionGeneratesSummary(t *testing.T) {
	st := setupStore(t)
	svc := New(st)

	if err := svc.InitSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("InitSession failed: %v", err)
	}

	observations := []store.InsertObservation{
		{Type: store.ObsTask, Text: "build the widget"},
		{Type: store.ObsFact, Text: "widgets need screws"},
		{Type: store.ObsDecision, Text: "use metric screws"},
		{Type: store.ObsBugfix, Text: "fixed the screw alignment"},
	}
	for _, in := range observations {
		in.SessionID = "sess-1"
		in.Project = "proj-a"
		if in.Title == "" {
			in.Title = "note"
		}
		if _, err := st.InsertObservation(in); err != nil {
			t.Fatalf("InsertObservation failed: %v", err)
		}
	}

	if err := svc.CompleteSession("sess-1", store.SessionCompleted); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	sum, err := st.GetSummary("sess-1")
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if !strings.Contains(sum.Request, "build the widget") {
		t.Errorf("expected request field to contain task text, got %q", sum.Request)
	}
	if !strings.Contains(sum.Investigated, "widgets need screws") {
		t.Errorf("expected investigated field to contain fact text, got %q", sum.Investigated)
	}
	if !strings.Contains(sum.Learned, "use metric screws") {
		t.Errorf("expected learned field to contain decision text, got %q", sum.Learned)
	}
	if !strings.Contains(sum.Completed, "fixed the screw alignment") {
		t.Errorf("expected completed field to contain bugfix text, got %q", sum.Completed)
	}
}

func TestGenerateFromSessionTruncatesFields(t *testing.T) {
	st := setupStore(t)
	if err := st.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	if _, err := st.InsertObservation(store.InsertObservation{
		SessionID: "sess-1", Project: "proj-a", Type: store.ObsTask, Title: "t", Text: strings.Repeat("a", 600),
	}); err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}

	sum, err := GenerateFromSession(st, "sess-1")
	if err != nil {
		t.Fatalf("GenerateFromSession failed: %v", err)
	}
	if len(sum.Request) != requestCap {
		t.Errorf("expected request truncated to %d chars, got %d", requestCap, len(sum.Request))
	}
}
