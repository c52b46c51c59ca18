package api

import (
	"context"
	"net/http"
	"time"

	"github.com/opencodemem/opencodemem/internal/ingest"
	"github.com/opencodemem/opencodemem/internal/store"
)

func (s *Server) handleDiagnosticsQueue(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.QueueDepth(ingest.QueueName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	deadLetters, err := s.store.DeadLetters(ingest.QueueName, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	var ingestStats ingest.Stats
	if s.ingestor != nil {
		ingestStats = s.ingestor.Stats()
	}
	var embeddingStats map[string]any
	if s.embedding != nil {
		st := s.embedding.Stats()
		embeddingStats = map[string]any{
			"enqueued":  st.Enqueued,
			"processed": st.Processed,
			"failed":    st.Failed,
			"retried":   st.Retried,
			"pending":   st.Pending,
			"maxDepth":  st.MaxDepth,
		}
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"depth":         depth,
		"deadLetters":   deadLetters,
		"processed":     ingestStats.Processed,
		"failed":        ingestStats.Failed,
		"deadLettered":  ingestStats.DeadLettered,
		"embeddingQueue": embeddingStats,
	}))
}

func (s *Server) handleDiagnosticsSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok(diagnosticsJSON(s.search.LastDiagnostics())))
}

func syncRunJSON(run store.SyncRun) map[string]any {
	var endedAt any
	if run.EndedAtMs != nil {
		endedAt = *run.EndedAtMs
	}
	return map[string]any{
		"id":            run.ID,
		"provider":      run.Provider,
		"project":       run.Project,
		"status":        string(run.Status),
		"syncedCount":   run.SyncedCount,
		"failedCount":   run.FailedCount,
		"conflictCount": run.ConflictCount,
		"retryCount":    run.RetryCount,
		"startedAtMs":   run.StartedAtMs,
		"endedAtMs":     endedAt,
		"details":       run.Details,
	}
}

func (s *Server) handleDiagnosticsSync(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentSyncRuns(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	out := make([]map[string]any, len(runs))
	for i, run := range runs {
		out[i] = syncRunJSON(run)
	}

	deadLetters, err := s.store.DeadLetters("chroma_sync", 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"runs":        out,
		"deadLetters": deadLetters,
	}))
}

type syncReplayRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleDiagnosticsSyncReplay(w http.ResponseWriter, r *http.Request) {
	if s.replicator == nil {
		writeError(w, http.StatusForbidden, "FEATURE_OFF", "replication is not configured")
		return
	}

	var req syncReplayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	replayed, failed, err := s.replicator.ReplayFailed(ctx, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{"replayed": replayed, "failed": failed}))
}
