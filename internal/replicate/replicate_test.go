package replicate

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencodemem/opencodemem/internal/store"
)

type fakeUpserter struct {
	failAlways bool
	calls      int32
	deletes    int32
}

func (f *fakeUpserter) Upsert(_ context.Context, observationID int64, text string, embedding []float32) error {
	atomic.AddInt32(&f.calls, 1)
	if f.failAlways {
		return errors.New("simulated upsert failure")
	}
	return nil
}

func (f *fakeUpserter) DeleteWhere(_ context.Context, project string) error {
	atomic.AddInt32(&f.deletes, 1)
	return nil
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncAdvancesCursorAndRecordsRun(t *testing.T) {
	st := setupStore(t)
	if err := st.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.InsertObservation(store.InsertObservation{
			SessionID: "sess-1", Project: "proj-a", Type: store.ObsFact, Title: "t", Text: "body",
		}); err != nil {
			t.Fatalf("InsertObservation failed: %v", err)
		}
	}

	up := &fakeUpserter{}
	r := New(st, up, nil, "chroma")

	if err := r.Sync(context.Background(), "proj-a"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if up.calls != 3 {
		t.Errorf("expected 3 upsert calls, got %d", up.calls)
	}

	runs, err := st.RecentSyncRuns(1)
	if err != nil {
		t.Fatalf("RecentSyncRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].SyncedCount != 3 {
		t.Fatalf("expected 1 run with synced=3, got %+v", runs)
	}

	cursor, err := st.GetSyncCursor(cursorKey("proj-a"))
	if err != nil {
		t.Fatalf("GetSyncCursor failed: %v", err)
	}
	if cursor == "" || cursor == "0" {
		t.Errorf("expected cursor advanced, got %q", cursor)
	}

	if err := r.Sync(context.Background(), "proj-a"); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if up.calls != 3 {
		t.Errorf("expected no new upserts on second pass (cursor past all rows), got %d total calls", up.calls)
	}
}

func TestSyncDeadLettersOnPersistentFailure(t *testing.T) {
	st := setupStore(t)
	if err := st.UpsertActiveSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("UpsertActiveSession failed: %v", err)
	}
	if _, err := st.InsertObservation(store.InsertObservation{
		SessionID: "sess-1", Project: "proj-a", Type: store.ObsFact, Title: "t", Text: "body",
	}); err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}

	up := &fakeUpserter{failAlways: true}
	r := New(st, up, nil, "chroma")

	if err := r.Sync(context.Background(), "proj-a"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	letters, err := st.DeadLetters(queueName, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter after exhausted retries, got %d", len(letters))
	}

	replayed, failed, err := r.ReplayFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailed failed: %v", err)
	}
	if replayed != 0 || failed != 1 {
		t.Errorf("expected replay to fail again against a still-failing upserter, got replayed=%d failed=%d", replayed, failed)
	}

	up.failAlways = false
	replayed, failed, err = r.ReplayFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailed (recovered) failed: %v", err)
	}
	if replayed != 1 || failed != 0 {
		t.Errorf("expected replay to succeed once the upserter recovers, got replayed=%d failed=%d", replayed, failed)
	}

	letters, err = st.DeadLetters(queueName, 10)
	if err != nil {
		t.Fatalf("DeadLetters after replay failed: %v", err)
	}
	if len(letters) != 0 {
		t.Errorf("expected dead letter cleared after successful replay, got %d", len(letters))
	}
}
