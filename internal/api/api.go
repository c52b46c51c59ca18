// Package api implements the public HTTP surface (component M): a JSON
// envelope over every repository, the search orchestrator, the context
// builder, the session service, and the live event stream.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/opencodemem/opencodemem/internal/config"
	"github.com/opencodemem/opencodemem/internal/embedding"
	"github.com/opencodemem/opencodemem/internal/ingest"
	"github.com/opencodemem/opencodemem/internal/replicate"
	"github.com/opencodemem/opencodemem/internal/search"
	"github.com/opencodemem/opencodemem/internal/session"
	"github.com/opencodemem/opencodemem/internal/store"
	"github.com/opencodemem/opencodemem/internal/stream"
)

// Version is the build-reported version string surfaced by /api/health.
const Version = "0.1.0"

// Server holds every component the HTTP handlers dispatch to.
type Server struct {
	store       *store.Store
	search      *search.Orchestrator
	session     *session.Service
	embedding   *embedding.Worker
	replicator  *replicate.Replicator
	broadcaster *stream.Broadcaster
	ingestor    *ingest.Processor
	runtime     *config.Runtime

	limiter   *rate.Limiter
	metrics   *routeMetrics
	startedAt time.Time
}

// Deps bundles the components a Server dispatches to. Embedding,
// replicator, and broadcaster may be nil when those subsystems are
// disabled by configuration.
type Deps struct {
	Store       *store.Store
	Search      *search.Orchestrator
	Session     *session.Service
	Embedding   *embedding.Worker
	Replicator  *replicate.Replicator
	Broadcaster *stream.Broadcaster
	Ingestor    *ingest.Processor
	Runtime     *config.Runtime
}

// NewServer builds an api.Server and registers its routes on mux.
func NewServer(mux *http.ServeMux, deps Deps) *Server {
	s := &Server{
		store:       deps.Store,
		search:      deps.Search,
		session:     deps.Session,
		embedding:   deps.Embedding,
		replicator:  deps.Replicator,
		broadcaster: deps.Broadcaster,
		ingestor:    deps.Ingestor,
		runtime:     deps.Runtime,
		limiter:     rate.NewLimiter(rate.Limit(50), 100),
		metrics:     newRouteMetrics(),
		startedAt:   time.Now(),
	}
	s.routes(mux)
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.instrument("/api/health", s.handleHealth))
	mux.HandleFunc("GET /api/stats", s.instrument("/api/stats", s.handleStats))
	mux.HandleFunc("POST /api/sessions/init", s.instrument("/api/sessions/init", s.handleSessionInit))
	mux.HandleFunc("POST /api/sessions/complete", s.instrument("/api/sessions/complete", s.handleSessionComplete))
	mux.HandleFunc("POST /api/events/ingest", s.instrument("/api/events/ingest", s.handleEventsIngest))
	mux.HandleFunc("GET /api/search", s.instrument("/api/search", s.handleSearch))
	mux.HandleFunc("GET /api/timeline", s.instrument("/api/timeline", s.handleTimeline))
	mux.HandleFunc("POST /api/observations/batch", s.instrument("/api/observations/batch", s.handleObservationsBatch))
	mux.HandleFunc("GET /api/memory/list", s.instrument("/api/memory/list", s.handleMemoryList))
	mux.HandleFunc("POST /api/memory/save", s.instrument("/api/memory/save", s.handleMemorySave))
	mux.HandleFunc("DELETE /api/memory/{id}", s.instrument("/api/memory/delete", s.handleMemoryDelete))
	mux.HandleFunc("GET /api/memory/by-session", s.instrument("/api/memory/by-session", s.handleMemoryBySession))
	mux.HandleFunc("GET /api/context/inject", s.instrument("/api/context/inject", s.handleContextInject))
	mux.HandleFunc("GET /api/diagnostics/queue", s.instrument("/api/diagnostics/queue", s.handleDiagnosticsQueue))
	mux.HandleFunc("GET /api/diagnostics/search", s.instrument("/api/diagnostics/search", s.handleDiagnosticsSearch))
	mux.HandleFunc("GET /api/diagnostics/sync", s.instrument("/api/diagnostics/sync", s.handleDiagnosticsSync))
	mux.HandleFunc("POST /api/diagnostics/sync/replay", s.instrument("/api/diagnostics/sync/replay", s.handleDiagnosticsSyncReplay))
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/settings", s.instrument("/api/settings", s.handleSettingsGet))
	mux.HandleFunc("POST /api/settings", s.instrument("/api/settings", s.handleSettingsPost))
	mux.HandleFunc("POST /api/cleanup/run", s.instrument("/api/cleanup/run", s.handleCleanupRun))
	mux.HandleFunc("POST /api/cleanup/purge", s.instrument("/api/cleanup/purge", s.handleCleanupPurge))
}

// instrument wraps a handler with the rate limiter and per-route latency
// and error-rate recording for /api/stats.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.record(route, time.Since(start).Milliseconds(), rec.status >= 500)
	}
}

// statusRecorder captures the status code a handler wrote, for the
// error-rate metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// envelope is the response shape every endpoint returns.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message, Code: code})
}

// ok merges the envelope's success flag into an arbitrary payload map.
func ok(payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	return payload
}
