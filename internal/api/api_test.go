package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opencodemem/opencodemem/internal/config"
	"github.com/opencodemem/opencodemem/internal/ingest"
	"github.com/opencodemem/opencodemem/internal/search"
	"github.com/opencodemem/opencodemem/internal/session"
	"github.com/opencodemem/opencodemem/internal/store"
)

func setupServer(t *testing.T) (*http.ServeMux, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mux := http.NewServeMux()
	NewServer(mux, Deps{
		Store:    st,
		Search:   search.New(st, nil),
		Session:  session.New(st),
		Ingestor: ingest.New(st),
		Runtime:  config.NewRuntime(config.DefaultConfig()),
	})
	return mux, st
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request failed: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("%s %s returned unparseable body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, parsed
}

func TestHealthReportsOK(t *testing.T) {
	mux, _ := setupServer(t)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" || body["dbConnected"] != true {
		t.Errorf("unexpected health payload: %v", body)
	}
}

func TestEventsIngestQueuesAndDedups(t *testing.T) {
	mux, st := setupServer(t)

	payload := map[string]any{
		"eventType": "observation",
		"sessionId": "sess-1",
		"project":   "proj-a",
		"data":      map[string]any{"type": "fact", "title": "t", "text": "body"},
		"dedupKey":  "evt-1",
	}

	rec, body := doJSON(t, mux, http.MethodPost, "/api/events/ingest", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["queued"] != true || body["duplicate"] != false {
		t.Fatalf("expected queued=true duplicate=false, got %v", body)
	}

	rec, body = doJSON(t, mux, http.MethodPost, "/api/events/ingest", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on coalesced enqueue, got %d", rec.Code)
	}
	if body["queued"] != true {
		t.Fatalf("expected second enqueue to coalesce onto the pending row, got %v", body)
	}

	if err := st.MarkEventProcessed(ingest.QueueName, "evt-1", "sess-1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	_, body = doJSON(t, mux, http.MethodPost, "/api/events/ingest", payload)
	if body["duplicate"] != true {
		t.Errorf("expected duplicate=true after event processed, got %v", body)
	}
}

func TestEventsIngestRejectsUnknownType(t *testing.T) {
	mux, _ := setupServer(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/events/ingest", map[string]any{
		"eventType": "mystery",
		"sessionId": "sess-1",
		"project":   "proj-a",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown eventType, got %d", rec.Code)
	}
	if body["code"] != "BAD_REQUEST" {
		t.Errorf("expected BAD_REQUEST code, got %v", body["code"])
	}
}

func TestMemorySaveSanitizesAndLists(t *testing.T) {
	mux, _ := setupServer(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/memory/save", map[string]any{
		"project": "proj-a",
		"content": "remember sk-abcdefghijklmnopqrstuvwx for later",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	memory := body["memory"].(map[string]any)
	if content := memory["content"].(string); bytes.Contains([]byte(content), []byte("sk-abcdef")) {
		t.Errorf("expected secret redacted in saved memory, got %q", content)
	}

	_, body = doJSON(t, mux, http.MethodGet, "/api/memory/list?project=proj-a", nil)
	if body["count"].(float64) != 1 {
		t.Errorf("expected 1 memory listed, got %v", body["count"])
	}
}

func TestMemorySaveBlockedWhenAllPrivate(t *testing.T) {
	mux, _ := setupServer(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/memory/save", map[string]any{
		"project": "proj-a",
		"content": "<private>entirely secret</private>",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["code"] != "BLOCKED_PRIVATE" {
		t.Errorf("expected BLOCKED_PRIVATE code, got %v", body["code"])
	}
}

func TestContextInjectExcludesCurrentSession(t *testing.T) {
	mux, st := setupServer(t)

	if _, err := st.SaveMemory(store.Memory{Project: "proj-a", Content: "memory from session a", SessionID: "session-a"}); err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}
	if _, err := st.SaveMemory(store.Memory{Project: "proj-a", Content: "memory from session b", SessionID: "session-b"}); err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	_, body := doJSON(t, mux, http.MethodGet, "/api/context/inject?project=proj-a&sessionId=session-a", nil)
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 memory after excluding session-a, got %v", body["count"])
	}
	ctx := body["context"].(string)
	if !bytes.Contains([]byte(ctx), []byte("session b")) {
		t.Errorf("expected surviving memory from session-b, got %q", ctx)
	}
}

func TestStatsIncludesRouteMetrics(t *testing.T) {
	mux, _ := setupServer(t)

	doJSON(t, mux, http.MethodGet, "/api/health", nil)
	_, body := doJSON(t, mux, http.MethodGet, "/api/stats", nil)

	routes, ok := body["routes"].(map[string]any)
	if !ok {
		t.Fatalf("expected routes metrics map, got %v", body["routes"])
	}
	if _, ok := routes["/api/health"]; !ok {
		t.Errorf("expected /api/health route metrics after a request, got %v", routes)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	mux, _ := setupServer(t)

	_, body := doJSON(t, mux, http.MethodPost, "/api/settings", map[string]any{
		"search": map[string]any{"useSemantic": false},
	})
	settings := body["settings"].(map[string]any)
	searchCfg := settings["search"].(map[string]any)
	if searchCfg["useSemantic"] != false {
		t.Errorf("expected useSemantic toggled off, got %v", searchCfg)
	}
	if searchCfg["useFTS"] != true {
		t.Errorf("expected useFTS untouched, got %v", searchCfg)
	}
}
