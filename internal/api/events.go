package api

import (
	"encoding/json"
	"net/http"

	"github.com/opencodemem/opencodemem/internal/ingest"
	"github.com/opencodemem/opencodemem/internal/store"
)

type eventsIngestRequest struct {
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Project   string          `json:"project"`
	Data      json.RawMessage `json:"data"`
	DedupKey  string          `json:"dedupKey,omitempty"`
}

var validEventTypes = map[string]bool{
	ingest.TypeSessionStart: true,
	ingest.TypeSessionEnd:   true,
	ingest.TypeObservation:  true,
	ingest.TypeUserPrompt:   true,
}

// handleEventsIngest durably enqueues a host-emitted event onto the
// PendingQueue the ingest processor drains. The queue checks the dedup key
// against the processed-events log and coalesces pending rows with the
// same key.
func (s *Server) handleEventsIngest(w http.ResponseWriter, r *http.Request) {
	var req eventsIngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Project == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId and project are required")
		return
	}
	if !validEventTypes[req.EventType] {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown eventType: "+req.EventType)
		return
	}

	envelope := ingest.Envelope{
		Type:      req.EventType,
		SessionID: req.SessionID,
		Project:   req.Project,
		Data:      req.Data,
		DedupKey:  req.DedupKey,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	id, err := s.store.Enqueue(ingest.QueueName, req.SessionID, string(payload), req.DedupKey, defaultMaxRetries, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	if id == store.DuplicateMessage {
		writeJSON(w, http.StatusOK, ok(map[string]any{
			"queued":    false,
			"duplicate": true,
			"dedupKey":  req.DedupKey,
		}))
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"queued":         true,
		"duplicate":      false,
		"queueMessageId": id,
		"dedupKey":       req.DedupKey,
	}))
}

// defaultMaxRetries bounds a pending_messages row's retry budget before the
// ingest processor dead-letters it.
const defaultMaxRetries = 5
