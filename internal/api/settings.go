package api

import (
	"net/http"

	"github.com/opencodemem/opencodemem/internal/config"
)

// configSnapshot returns a copy of the server's current runtime config.
func (s *Server) configSnapshot() config.Config {
	return s.runtime.Snapshot()
}

// updateConfig applies fn to the live config under the runtime's lock.
func (s *Server) updateConfig(fn func(*config.Config)) {
	s.runtime.Update(fn)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok(map[string]any{"settings": s.configSnapshot()}))
}

type settingsUpdateRequest struct {
	Search *struct {
		UseFTS      *bool `json:"useFTS"`
		UseSemantic *bool `json:"useSemantic"`
	} `json:"search"`
	Privacy *struct {
		StripPrivateTags *bool `json:"stripPrivateTags"`
		RedactSecrets    *bool `json:"redactSecrets"`
	} `json:"privacy"`
	SSE *struct {
		Enabled *bool `json:"enabled"`
	} `json:"sse"`
}

func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.updateConfig(func(cfg *config.Config) {
		if req.Search != nil {
			if req.Search.UseFTS != nil {
				cfg.Search.UseFTS = *req.Search.UseFTS
			}
			if req.Search.UseSemantic != nil {
				cfg.Search.UseSemantic = *req.Search.UseSemantic
			}
		}
		if req.Privacy != nil {
			if req.Privacy.StripPrivateTags != nil {
				cfg.Privacy.StripPrivateTags = *req.Privacy.StripPrivateTags
			}
			if req.Privacy.RedactSecrets != nil {
				cfg.Privacy.RedactSecrets = *req.Privacy.RedactSecrets
			}
		}
		if req.SSE != nil && req.SSE.Enabled != nil {
			cfg.SSE.Enabled = *req.SSE.Enabled
		}
	})

	writeJSON(w, http.StatusOK, ok(map[string]any{"settings": s.configSnapshot()}))
}
