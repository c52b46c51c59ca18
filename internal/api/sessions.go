package api

import (
	"net/http"

	"github.com/opencodemem/opencodemem/internal/store"
	"github.com/opencodemem/opencodemem/internal/stream"
)

type sessionInitRequest struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Project == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId and project are required")
		return
	}

	if err := s.session.InitSession(req.SessionID, req.Project); err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	s.publish(stream.Event{
		Type:      stream.EventSessionInit,
		Project:   req.Project,
		SessionID: req.SessionID,
		Payload:   req,
	})

	writeJSON(w, http.StatusOK, ok(map[string]any{"sessionId": req.SessionID, "project": req.Project}))
}

type sessionCompleteRequest struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project"`
	Status    string `json:"status"`
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req sessionCompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId is required")
		return
	}
	status := store.SessionStatus(req.Status)
	if status == "" {
		status = store.SessionCompleted
	}
	if status != store.SessionCompleted && status != store.SessionFailed {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be completed or failed")
		return
	}

	if err := s.session.CompleteSession(req.SessionID, status); err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	s.publish(stream.Event{
		Type:      stream.EventSessionComplete,
		Project:   req.Project,
		SessionID: req.SessionID,
		Payload:   req,
	})

	writeJSON(w, http.StatusOK, ok(map[string]any{"sessionId": req.SessionID, "status": string(status)}))
}

// publish is a nil-safe convenience wrapper: the broadcaster is absent
// when SSE is disabled by configuration.
func (s *Server) publish(ev stream.Event) {
	if s.broadcaster == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = nowMs()
	}
	if err := s.broadcaster.Publish(ev); err != nil {
		logPublishError(err)
	}
}
