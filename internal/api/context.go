package api

import (
	"net/http"

	"github.com/opencodemem/opencodemem/internal/contextinject"
)

func (s *Server) handleContextInject(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project is required")
		return
	}

	opts := contextinject.Options{
		Project:        project,
		MaxTokens:      queryIntDefault(r, "maxTokens", 2000),
		MaxMemories:    queryIntDefault(r, "maxMemories", 20),
		ExcludeSession: r.URL.Query().Get("sessionId"),
		MaxAgeDays:     queryIntDefault(r, "maxAgeDays", 0),
	}

	result, err := contextinject.Build(s.store, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"context":       result.Context,
		"count":         result.Count,
		"tokenEstimate": result.TokenEstimate,
	}))
}
