// Package session implements the session lifecycle service (component I):
// initializing and completing sessions, and generating a best-effort
// closing summary across five fixed rubrics.
package session

import (
	"log"

	"github.com/opencodemem/opencodemem/internal/store"
)

// Service wraps the store with session lifecycle operations.
type Service struct {
	store *store.Store
}

// New builds a session Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// InitSession upserts a session row into the active state.
func (s *Service) InitSession(sessionID, project string) error {
	return s.store.UpsertActiveSession(sessionID, project)
}

// CompleteSession sets the session's terminal status and best-effort
// generates its closing summary; a summary failure never fails the
// completion itself.
func (s *Service) CompleteSession(sessionID string, status store.SessionStatus) error {
	if err := s.store.CompleteSession(sessionID, status); err != nil {
		return err
	}

	if _, err := GenerateFromSession(s.store, sessionID); err != nil {
		log.Printf("[SESSION] summary generation failed for %s: %v", sessionID, err)
	}
	return nil
}

// Field truncation caps for summary fields.
const (
	requestCap = 500
	otherCap   = 1000
)

// GenerateFromSession reads every observation for a session in time order
// and maps them into the five summary rubrics by observation type:
// task/workflow -> request; research/fact -> investigated;
// learning/decision -> learned; bugfix/completed -> completed.
func GenerateFromSession(st *store.Store, sessionID string) (*store.Summary, error) {
	observations, err := st.SessionObservations(sessionID)
	if err != nil {
		return nil, err
	}

	var request, investigated, learned, completed []string

	for _, o := range observations {
		switch o.Type {
		case store.ObsTask, store.ObsWorkflow:
			request = append(request, o.Text)
		case store.ObsResearch, store.ObsFact:
			investigated = append(investigated, o.Text)
		case store.ObsLearning, store.ObsDecision:
			learned = append(learned, o.Text)
		case store.ObsBugfix, store.ObsCompleted:
			completed = append(completed, o.Text)
		}
	}

	sum := store.Summary{
		SessionID:    sessionID,
		Request:      truncate(joinLines(request), requestCap),
		Investigated: truncate(joinLines(investigated), otherCap),
		Learned:      truncate(joinLines(learned), otherCap),
		Completed:    truncate(joinLines(completed), otherCap),
	}

	return st.SaveSummary(sum)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
