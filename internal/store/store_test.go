package store

import (
	"path/filepath"
	"testing"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := setupTestStore(t)

	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != SessionActive {
		t.Errorf("expected status active, got %s", sess.Status)
	}
	if sess.CompletedAt != nil {
		t.Errorf("expected nil CompletedAt, got %v", *sess.CompletedAt)
	}

	if err := s.CompleteSession("sess-1", SessionCompleted); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	sess, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after complete failed: %v", err)
	}
	if sess.Status != SessionCompleted {
		t.Errorf("expected status completed, got %s", sess.Status)
	}
	if sess.CompletedAt == nil {
		t.Errorf("expected non-nil CompletedAt")
	}
}

func TestCompleteSessionRejectsActive(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	if err := s.CompleteSession("sess-1", SessionActive); err == nil {
		t.Fatalf("expected error completing with active status")
	}
}

func TestInsertUserPromptAssignsSequentialNumbers(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}

	p1, err := s.InsertUserPrompt("sess-1", "first")
	if err != nil {
		t.Fatalf("InsertUserPrompt failed: %v", err)
	}
	p2, err := s.InsertUserPrompt("sess-1", "second")
	if err != nil {
		t.Fatalf("InsertUserPrompt failed: %v", err)
	}
	if p1.PromptNumber != 1 || p2.PromptNumber != 2 {
		t.Errorf("expected prompt numbers 1,2, got %d,%d", p1.PromptNumber, p2.PromptNumber)
	}

	prompts, err := s.SessionPrompts("sess-1")
	if err != nil {
		t.Fatalf("SessionPrompts failed: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
}

func TestInsertObservationAndTimeline(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		obs, err := s.InsertObservation(InsertObservation{
			SessionID: "sess-1",
			Project:   "proj-a",
			Type:      ObsFact,
			Title:     "event",
			Text:      "observation text",
		})
		if err != nil {
			t.Fatalf("InsertObservation failed: %v", err)
		}
		ids = append(ids, obs.ID)
	}

	anchor, err := s.GetObservation(ids[2])
	if err != nil {
		t.Fatalf("GetObservation failed: %v", err)
	}

	before, after, err := s.TimelineWindow(anchor.ID, anchor.CreatedAtMs, 2, 2, "")
	if err != nil {
		t.Fatalf("TimelineWindow failed: %v", err)
	}
	if len(before) > 2 || len(after) > 2 {
		t.Errorf("expected at most 2 before/after, got %d/%d", len(before), len(after))
	}
}

func TestFindMostRecentMatchTieBreakHigherID(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}

	var lastID int64
	for i := 0; i < 3; i++ {
		obs, err := s.InsertObservation(InsertObservation{
			SessionID: "sess-1",
			Project:   "proj-a",
			Type:      ObsFact,
			Title:     "shared title",
			Text:      "body",
		})
		if err != nil {
			t.Fatalf("InsertObservation failed: %v", err)
		}
		lastID = obs.ID
	}

	id, err := s.FindMostRecentMatch("shared", "proj-a")
	if err != nil {
		t.Fatalf("FindMostRecentMatch failed: %v", err)
	}
	if id != lastID {
		t.Errorf("expected tie-break to prefer highest id %d, got %d", lastID, id)
	}
}

func TestMemoryCRUD(t *testing.T) {
	s := setupTestStore(t)

	m, err := s.SaveMemory(Memory{Project: "proj-a", Content: "remember this", Type: "fact"})
	if err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}
	if m.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != "remember this" {
		t.Errorf("expected content preserved, got %q", got.Content)
	}

	if err := s.DeleteMemory(m.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := s.GetMemory(m.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	obs, err := s.InsertObservation(InsertObservation{SessionID: "sess-1", Project: "proj-a", Type: ObsFact, Title: "t", Text: "body"})
	if err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}

	embedding := []float32{0.1, 0.2, 0.3, -0.4}
	if err := s.SaveVector(Vector{ObservationID: obs.ID, Embedding: embedding, Model: "test-model"}); err != nil {
		t.Fatalf("SaveVector failed: %v", err)
	}

	v, err := s.GetVector(obs.ID)
	if err != nil {
		t.Fatalf("GetVector failed: %v", err)
	}
	if len(v.Embedding) != len(embedding) {
		t.Fatalf("expected %d dims, got %d", len(embedding), len(v.Embedding))
	}
	for i := range embedding {
		if v.Embedding[i] != embedding[i] {
			t.Errorf("dim %d: expected %f, got %f", i, embedding[i], v.Embedding[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	if got := CosineSimilarity(a, b); got < 0.999 {
		t.Errorf("expected identical vectors ~1.0, got %f", got)
	}
	if got := CosineSimilarity(a, c); got > 0.001 || got < -0.001 {
		t.Errorf("expected orthogonal vectors ~0.0, got %f", got)
	}
}

func TestQueueEnqueueDedup(t *testing.T) {
	s := setupTestStore(t)

	id1, err := s.Enqueue("embedding", "1", `{"observationId":1}`, "obs-1", 5, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, err := s.Enqueue("embedding", "1", `{"observationId":1}`, "obs-1", 5, 0)
	if err != nil {
		t.Fatalf("Enqueue (dedup) failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedup to return same id, got %d and %d", id1, id2)
	}

	depth, err := s.QueueDepth("embedding")
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected queue depth 1 after dedup, got %d", depth)
	}
}

func TestQueueEnqueueDuplicateAfterProcessed(t *testing.T) {
	s := setupTestStore(t)

	if err := s.MarkEventProcessed("observation", "dedup-1", "s-1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}

	id, err := s.Enqueue("observation", "s-1", `{"data":1}`, "dedup-1", 5, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != DuplicateMessage {
		t.Errorf("expected DuplicateMessage sentinel, got %d", id)
	}

	depth, err := s.QueueDepth("observation")
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected no pending row for a processed dedup key, got depth %d", depth)
	}
}

func TestQueueEnqueueDelayDefersVisibility(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Enqueue("embedding", "1", `{}`, "", 5, 60_000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, err := s.ReadyMessages("embedding", 10)
	if err != nil {
		t.Fatalf("ReadyMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected delayed message invisible, got %d ready", len(msgs))
	}

	depth, err := s.QueueDepth("embedding")
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected message still pending, got depth %d", depth)
	}
}

func TestQueueRetryAndDeadLetter(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.Enqueue("embedding", "1", `{}`, "", 2, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, err := s.ReadyMessages("embedding", 10)
	if err != nil {
		t.Fatalf("ReadyMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 ready message, got %d", len(msgs))
	}

	count, err := s.ScheduleRetry(id, 0)
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected retry count 1, got %d", count)
	}

	if err := s.DeadLetter(msgs[0], "exhausted retries"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	depth, err := s.QueueDepth("embedding")
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected queue empty after dead-lettering, got depth %d", depth)
	}

	letters, err := s.DeadLetters("embedding", 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
}

func TestPurgeAllEmptiesBookkeepingTables(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	if _, err := s.InsertObservation(InsertObservation{SessionID: "sess-1", Project: "proj-a", Type: ObsFact, Title: "t", Text: "body"}); err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}
	if err := s.MarkEventProcessed("observation", "evt-1", "sess-1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	if err := s.DeadLetter(PendingMessage{QueueName: "chroma_sync", EntityID: "1", Payload: `{}`}, "upsert_failed_after_retries"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}
	if err := s.SetSyncCursor("chroma.cursor.proj-a", "1"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}
	if _, err := s.StartSyncRun("chroma", "proj-a"); err != nil {
		t.Fatalf("StartSyncRun failed: %v", err)
	}

	res, err := s.PurgeAll()
	if err != nil {
		t.Fatalf("PurgeAll failed: %v", err)
	}
	if res.Observations != 1 || res.Sessions != 1 {
		t.Errorf("expected domain rows purged, got %+v", res)
	}
	if res.ProcessedEvents != 1 || res.DeadLetters != 1 || res.SyncState != 1 || res.SyncRuns != 1 {
		t.Errorf("expected bookkeeping rows purged, got %+v", res)
	}

	processed, err := s.IsEventProcessed("observation", "evt-1")
	if err != nil {
		t.Fatalf("IsEventProcessed failed: %v", err)
	}
	if processed {
		t.Errorf("expected processed_events emptied")
	}
	cursor, err := s.GetSyncCursor("chroma.cursor.proj-a")
	if err != nil {
		t.Fatalf("GetSyncCursor failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("expected sync_state emptied, got cursor %q", cursor)
	}
}

func TestTrimMemoriesKeepsNewest(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.SaveMemory(Memory{
			Project:   "proj-a",
			Content:   "memory",
			CreatedAt: int64(1000 + i),
		}); err != nil {
			t.Fatalf("SaveMemory failed: %v", err)
		}
	}

	removed, err := s.TrimMemories("proj-a", 2)
	if err != nil {
		t.Fatalf("TrimMemories failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 memories trimmed, got %d", removed)
	}

	remaining, err := s.ListMemories(MemoryFilter{Project: "proj-a"})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 memories kept, got %d", len(remaining))
	}
	for _, m := range remaining {
		if m.CreatedAt < 1003 {
			t.Errorf("expected only the newest memories kept, found created_at %d", m.CreatedAt)
		}
	}
}

func TestCleanupOlderThanScopedToProject(t *testing.T) {
	s := setupTestStore(t)
	for _, tc := range []struct{ session, project string }{
		{"sess-a", "proj-a"},
		{"sess-b", "proj-b"},
	} {
		if err := s.UpsertActiveSession(tc.session, tc.project); err != nil {
			t.Fatalf("UpsertActiveSession failed: %v", err)
		}
		if _, err := s.InsertObservation(InsertObservation{
			SessionID: tc.session, Project: tc.project, Type: ObsFact, Title: "t", Text: "body",
		}); err != nil {
			t.Fatalf("InsertObservation failed: %v", err)
		}
		if err := s.CompleteSession(tc.session, SessionCompleted); err != nil {
			t.Fatalf("CompleteSession failed: %v", err)
		}
	}

	res, err := s.CleanupOlderThan("proj-a", nowMs()+1000)
	if err != nil {
		t.Fatalf("CleanupOlderThan failed: %v", err)
	}
	if res.Sessions != 1 || res.Observations != 1 {
		t.Errorf("expected only proj-a swept, got %+v", res)
	}

	if _, err := s.GetSession("sess-b"); err != nil {
		t.Errorf("expected proj-b session untouched, got %v", err)
	}
}

func TestPurgeProject(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	if _, err := s.InsertObservation(InsertObservation{SessionID: "sess-1", Project: "proj-a", Type: ObsFact, Title: "t", Text: "body"}); err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}
	if err := s.CompleteSession("sess-1", SessionCompleted); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	res, err := s.PurgeProject("proj-a")
	if err != nil {
		t.Fatalf("PurgeProject failed: %v", err)
	}
	if res.Observations != 1 || res.Sessions != 1 {
		t.Errorf("expected 1 observation and 1 session purged, got %+v", res)
	}

	if _, err := s.GetSession("sess-1"); err != ErrNotFound {
		t.Errorf("expected session gone after purge, got %v", err)
	}
}
