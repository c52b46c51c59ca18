package api

import (
	"net/http"

	"github.com/opencodemem/opencodemem/internal/privacy"
	"github.com/opencodemem/opencodemem/internal/store"
	"github.com/opencodemem/opencodemem/internal/stream"
)

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	f := store.MemoryFilter{
		Project: r.URL.Query().Get("project"),
		Type:    r.URL.Query().Get("type"),
		Limit:   queryIntDefault(r, "limit", 20),
		Offset:  queryIntDefault(r, "offset", 0),
	}

	memories, err := s.store.ListMemories(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"memories": memories,
		"count":    len(memories),
	}))
}

type memorySaveRequest struct {
	ID        string            `json:"id,omitempty"`
	Project   string            `json:"project"`
	Content   string            `json:"content"`
	Summary   string            `json:"summary,omitempty"`
	Type      string            `json:"type,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	var req memorySaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Project == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project and content are required")
		return
	}

	cfg := s.configSnapshot()
	sanitized, err := privacy.SanitizeWith(req.Content, privacy.Options{
		StripPrivateTags: cfg.Privacy.StripPrivateTags,
		RedactSecrets:    cfg.Privacy.RedactSecrets,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, privacyErrorCode(err), err.Error())
		return
	}

	m, err := s.store.SaveMemory(store.Memory{
		ID:        req.ID,
		Project:   req.Project,
		Content:   sanitized.Text,
		Summary:   req.Summary,
		Type:      req.Type,
		Tags:      req.Tags,
		Metadata:  req.Metadata,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	s.publish(stream.Event{
		Type:      stream.EventMemorySaved,
		Project:   m.Project,
		SessionID: m.SessionID,
		Payload:   m,
	})

	writeJSON(w, http.StatusOK, ok(map[string]any{"memory": m, "warnings": sanitized.Warnings}))
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "memory id is required")
		return
	}

	if err := s.store.DeleteMemory(id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{"deleted": true, "id": id}))
}

func (s *Server) handleMemoryBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required")
		return
	}
	limit := queryIntDefault(r, "limit", 5)

	memories, err := s.store.MemoriesBySession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	if len(memories) > limit {
		memories = memories[:limit]
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"memories": memories,
		"count":    len(memories),
	}))
}

// privacyErrorCode maps a privacy sentinel error to its HTTP error code.
func privacyErrorCode(err error) string {
	switch err {
	case privacy.ErrBlockedPrivate:
		return "BLOCKED_PRIVATE"
	case privacy.ErrContentTooLarge:
		return "CONTENT_TOO_LARGE"
	case privacy.ErrContentEmpty:
		return "CONTENT_EMPTY"
	default:
		return "BAD_REQUEST"
	}
}
