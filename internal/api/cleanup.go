package api

import (
	"net/http"
	"time"
)

type cleanupRunRequest struct {
	Project     string `json:"project"`
	MaxMemories int    `json:"maxMemories,omitempty"`
	MaxAgeDays  int    `json:"maxAgeDays,omitempty"`
	DryRun      bool   `json:"dryRun,omitempty"`
}

// handleCleanupRun removes stale completed sessions (and their dependent
// rows) and over-quota memories for a project. dryRun returns the computed
// cutoff without mutating the store; it does not count the rows that a real
// run would remove.
func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	var req cleanupRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project is required")
		return
	}
	maxAgeDays := req.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()

	if req.DryRun {
		writeJSON(w, http.StatusOK, ok(map[string]any{"dryRun": true, "cutoffMs": cutoff}))
		return
	}

	result, err := s.store.CleanupOlderThan(req.Project, cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	var memoriesRemoved int64
	if req.MaxMemories > 0 {
		memoriesRemoved, err = s.store.TrimMemories(req.Project, req.MaxMemories)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"observationsRemoved": result.Observations,
		"sessionsRemoved":     result.Sessions,
		"memoriesRemoved":     memoriesRemoved,
		"deadLettersRemoved":  result.DeadLetters,
	}))
}

type cleanupPurgeRequest struct {
	Project string `json:"project,omitempty"`
	Confirm bool   `json:"confirm"`
}

// handleCleanupPurge deletes every row for a project, or every row in
// every table when project is empty. Requires an explicit confirm flag;
// this is the one endpoint with no partial/dry-run mode.
func (s *Server) handleCleanupPurge(w http.ResponseWriter, r *http.Request) {
	var req cleanupPurgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "confirm must be true")
		return
	}

	if req.Project != "" {
		result, err := s.store.PurgeProject(req.Project)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
		if s.replicator != nil {
			if err := s.replicator.DeleteByProject(r.Context(), req.Project); err != nil {
				logPublishError(err)
			}
		}
		writeJSON(w, http.StatusOK, ok(map[string]any{"project": req.Project, "result": result}))
		return
	}

	result, err := s.store.PurgeAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{"purgedAll": true, "result": result}))
}
