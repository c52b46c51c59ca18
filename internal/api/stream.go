package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencodemem/opencodemem/internal/stream"
)

const heartbeatInterval = 15 * time.Second

// handleStream serves the Server-Sent Events live feed (component L):
// an initial "connected" event, then typed data: frames as they are
// published, interleaved with a heartbeat every 15s. Not rate-limited:
// long-lived connections would otherwise burn through the request bucket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil || !s.configSnapshot().SSE.Enabled {
		writeError(w, http.StatusForbidden, "FEATURE_OFF", "live event streaming is disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "", "streaming unsupported")
		return
	}

	project := r.URL.Query().Get("project")
	sessionID := r.URL.Query().Get("sessionId")

	sub, err := s.broadcaster.Subscribe(project, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, chOpen := <-sub.C:
			if !chOpen {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			hb := stream.Event{Type: "heartbeat", Timestamp: nowMs()}
			data, _ := json.Marshal(hb)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
