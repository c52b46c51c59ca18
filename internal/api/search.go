package api

import (
	"context"
	"net/http"
	"time"

	"github.com/opencodemem/opencodemem/internal/search"
	"github.com/opencodemem/opencodemem/internal/store"
)

type searchResultJSON struct {
	ID               int64    `json:"id"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle,omitempty"`
	Snippet          string   `json:"snippet"`
	Type             string   `json:"type"`
	PromptNumber     int      `json:"prompt_number"`
	CreatedAtEpoch   int64    `json:"created_at_epoch"`
	Similarity       float64  `json:"similarity"`
	Scores           struct {
		Lexical  float64 `json:"lexical"`
		Semantic float64 `json:"semantic"`
		Recency  float64 `json:"recency"`
	} `json:"scores"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "query is required")
		return
	}
	cfg := s.configSnapshot()

	opts := search.Options{
		Query:       query,
		Project:     r.URL.Query().Get("project"),
		Type:        store.ObservationType(r.URL.Query().Get("type")),
		DateStart:   queryInt64Ptr(r, "dateStart"),
		DateEnd:     queryInt64Ptr(r, "dateEnd"),
		Limit:       queryIntDefault(r, "limit", 20),
		Offset:      queryIntDefault(r, "offset", 0),
		UseFTS:      queryBoolDefault(r, "useFTS", true) && cfg.Search.UseFTS,
		UseSemantic: queryBoolDefault(r, "useSemantic", true) && cfg.Search.UseSemantic,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	result, err := s.search.Search(ctx, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	results := make([]searchResultJSON, len(result.Results))
	for i, item := range result.Results {
		j := searchResultJSON{
			ID:             item.Observation.ID,
			Title:          item.Observation.Title,
			Subtitle:       item.Observation.Subtitle,
			Snippet:        snippet(item.Observation.Text, 150),
			Type:           string(item.Observation.Type),
			PromptNumber:   item.Observation.PromptNumber,
			CreatedAtEpoch: item.Observation.CreatedAtMs,
			Similarity:     item.Scores.Final * 100,
		}
		j.Scores.Lexical = item.Scores.Lexical
		j.Scores.Semantic = item.Scores.Semantic
		j.Scores.Recency = item.Scores.Recency
		results[i] = j
	}

	payload := map[string]any{
		"results":    results,
		"total":      result.Total,
		"strategies": result.Strategies,
		"timingMs":   result.TimingMs,
	}
	if queryBoolDefault(r, "includeDiagnostics", false) {
		payload["diagnostics"] = diagnosticsJSON(s.search.LastDiagnostics())
	}

	writeJSON(w, http.StatusOK, ok(payload))
}

func diagnosticsJSON(d search.Diagnostics) map[string]any {
	strategyTimings := make(map[string]int64, len(d.Strategies))
	strategyInputs := make(map[string]int, len(d.Strategies))
	for _, st := range d.Strategies {
		strategyTimings[st.Name] = st.ElapsedMs
		strategyInputs[st.Name] = st.InputCount
	}
	filterOutputs := make(map[string]int, len(d.Filters))
	for _, f := range d.Filters {
		filterOutputs[f.Name] = f.Output
	}
	return map[string]any{
		"query":             d.Query,
		"strategyTimingsMs": strategyTimings,
		"strategyInputs":    strategyInputs,
		"filterOutputs":     filterOutputs,
		"startedAtEpoch":    d.StartMs,
		"endedAtEpoch":      d.EndMs,
	}
}

type timelineObservationJSON struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Subtitle       string `json:"subtitle,omitempty"`
	Text           string `json:"text"`
	Type           string `json:"type"`
	PromptNumber   int    `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

func toTimelineJSON(o store.Observation) timelineObservationJSON {
	return timelineObservationJSON{
		ID:             o.ID,
		Title:          o.Title,
		Subtitle:       o.Subtitle,
		Text:           o.Text,
		Type:           string(o.Type),
		PromptNumber:   o.PromptNumber,
		CreatedAtEpoch: o.CreatedAtMs,
	}
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	project := r.URL.Query().Get("project")
	depthBefore := queryIntDefault(r, "depth_before", 3)
	depthAfter := queryIntDefault(r, "depth_after", 3)

	var anchorID int64
	if raw := r.URL.Query().Get("anchor"); raw != "" {
		if id := queryInt64Ptr(r, "anchor"); id != nil {
			anchorID = *id
		}
	} else if q := r.URL.Query().Get("query"); q != "" {
		id, err := s.store.FindMostRecentMatch(q, project)
		if err != nil {
			if err == store.ErrNotFound {
				writeJSON(w, http.StatusOK, ok(map[string]any{
					"anchor": nil, "before": []any{}, "after": []any{}, "prompts": []any{},
					"timingMs": time.Since(start).Milliseconds(),
				}))
				return
			}
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
		anchorID = id
	} else {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "anchor or query is required")
		return
	}

	anchor, err := s.store.GetObservation(anchorID)
	if err != nil {
		if err == store.ErrNotFound {
			writeJSON(w, http.StatusOK, ok(map[string]any{
				"anchor": nil, "before": []any{}, "after": []any{}, "prompts": []any{},
				"timingMs": time.Since(start).Milliseconds(),
			}))
			return
		}
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	before, after, err := s.store.TimelineWindow(anchor.ID, anchor.CreatedAtMs, depthBefore, depthAfter, project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	prompts, err := s.store.SessionPrompts(anchor.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	beforeJSON := make([]timelineObservationJSON, len(before))
	for i, o := range before {
		beforeJSON[i] = toTimelineJSON(o)
	}
	afterJSON := make([]timelineObservationJSON, len(after))
	for i, o := range after {
		afterJSON[i] = toTimelineJSON(o)
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"anchor":   map[string]any{"id": anchor.ID, "created_at_epoch": anchor.CreatedAtMs},
		"before":   beforeJSON,
		"after":    afterJSON,
		"prompts":  prompts,
		"timingMs": time.Since(start).Milliseconds(),
	}))
}

type observationsBatchRequest struct {
	IDs     []int64 `json:"ids"`
	Project string  `json:"project,omitempty"`
	OrderBy string  `json:"orderBy"`
}

func (s *Server) handleObservationsBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req observationsBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ids must be non-empty")
		return
	}
	if req.OrderBy != "date" && req.OrderBy != "id" {
		req.OrderBy = "date"
	}

	observations, err := s.store.GetObservations(req.IDs, req.Project, req.OrderBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ok(map[string]any{
		"observations": observations,
		"count":        len(observations),
		"timingMs":     time.Since(start).Milliseconds(),
	}))
}
