package api

import (
	"net/http"
)

// healthCheck is one named probe in the /api/health response.
type healthCheck struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var checks []healthCheck

	dbConnected := s.store.Ping() == nil
	checks = append(checks, healthCheck{Name: "store", OK: dbConnected})

	vectorEnabled := s.embedding != nil
	checks = append(checks, healthCheck{Name: "embedding", OK: vectorEnabled || !s.configSnapshot().Embedding.Enabled})

	queueRunning := s.ingestor != nil
	checks = append(checks, healthCheck{Name: "ingest", OK: queueRunning})

	status := "ok"
	if !dbConnected {
		status = "error"
	}

	sseClients := 0
	if s.broadcaster != nil {
		sseClients = s.broadcaster.ClientCount()
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"status":        status,
		"dbConnected":   dbConnected,
		"vectorEnabled": vectorEnabled,
		"queueRunning":  queueRunning,
		"sseClients":    sseClients,
		"checks":        checks,
		"version":       Version,
	}))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	queueDepth, _ := s.store.QueueDepth("session_ingest")
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

	var lastSync map[string]any
	if runs, err := s.store.RecentSyncRuns(1); err == nil && len(runs) > 0 {
		lastSync = syncRunJSON(runs[0])
	}

	diag := s.search.LastDiagnostics()

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"counts": map[string]any{
			"sessions":     counts.Sessions,
			"observations": counts.Observations,
			"memories":     counts.Memories,
			"vectors":      counts.Vectors,
			"deadLetters":  counts.DeadLetters,
		},
		"queue": map[string]any{
			"depth":     queueDepth,
			"embedding": embeddingStats,
		},
		"routes":            s.metrics.snapshot(),
		"lastSyncRun":       lastSync,
		"lastSearchQuery":   diag.Query,
		"lastSearchTimings": diag.Strategies,
	}))
}
