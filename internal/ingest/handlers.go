package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencodemem/opencodemem/internal/config"
	"github.com/opencodemem/opencodemem/internal/privacy"
	"github.com/opencodemem/opencodemem/internal/session"
	"github.com/opencodemem/opencodemem/internal/store"
	"github.com/opencodemem/opencodemem/internal/stream"
)

// EmbeddingEnqueuer is the subset of embedding.Worker the observation
// handler depends on, kept narrow so ingest doesn't import the provider
// machinery.
type EmbeddingEnqueuer interface {
	Enqueue(observationID int64)
}

// Publisher is the subset of stream.Broadcaster the handlers depend on. A
// nil Publisher is valid; handlers skip broadcasting when SSE is off.
type Publisher interface {
	Publish(ev stream.Event) error
}

// Deps bundles every collaborator the default handler set dispatches to.
type Deps struct {
	Store     *store.Store
	Session   *session.Service
	Embedding EmbeddingEnqueuer
	Publisher Publisher
	// Runtime supplies the live privacy toggles; nil means every
	// sanitization pass stays enabled.
	Runtime *config.Runtime
}

func (d Deps) privacyOptions() privacy.Options {
	if d.Runtime == nil {
		return privacy.DefaultOptions()
	}
	p := d.Runtime.Snapshot().Privacy
	return privacy.Options{StripPrivateTags: p.StripPrivateTags, RedactSecrets: p.RedactSecrets}
}

// sanitizeField runs a secondary text field (title, subtitle, fact)
// through the privacy filter. Unlike the main text, a rejected field does
// not fail the whole write: a field that is empty or entirely private
// collapses to "".
func sanitizeField(text string, opts privacy.Options) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	res, err := privacy.SanitizeWith(text, opts)
	if err != nil {
		return ""
	}
	return res.Text
}

// observationPayload is the Envelope.Data shape for TypeObservation
// messages.
type observationPayload struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Text          string   `json:"text"`
	Facts         []string `json:"facts,omitempty"`
	FilesRead     []string `json:"filesRead,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	PromptNumber  int      `json:"promptNumber,omitempty"`
}

// sessionEndPayload is the Envelope.Data shape for TypeSessionEnd messages.
type sessionEndPayload struct {
	Status string `json:"status,omitempty"`
}

// userPromptPayload is the Envelope.Data shape for TypeUserPrompt messages.
type userPromptPayload struct {
	Text string `json:"text"`
}

// RegisterDefaultHandlers binds the four supported message types to
// concrete handlers over deps, dispatching into the observation
// repository and session service and emitting the matching live event.
func RegisterDefaultHandlers(p *Processor, deps Deps) {
	p.Register(TypeSessionStart, func(ctx context.Context, env Envelope) error {
		if err := deps.Session.InitSession(env.SessionID, env.Project); err != nil {
			return fmt.Errorf("ingest: session_start: %w", err)
		}
		deps.publish(stream.Event{
			Type: stream.EventSessionStart, Project: env.Project, SessionID: env.SessionID,
		})
		return nil
	})

	p.Register(TypeSessionEnd, func(ctx context.Context, env Envelope) error {
		var payload sessionEndPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				return fmt.Errorf("ingest: session_end: parse payload: %w", err)
			}
		}
		status := store.SessionStatus(payload.Status)
		if status == "" {
			status = store.SessionCompleted
		}
		if err := deps.Session.CompleteSession(env.SessionID, status); err != nil {
			return fmt.Errorf("ingest: session_end: %w", err)
		}
		deps.publish(stream.Event{
			Type: stream.EventSessionEnd, Project: env.Project, SessionID: env.SessionID,
			Payload: payload,
		})
		return nil
	})

	p.Register(TypeObservation, func(ctx context.Context, env Envelope) error {
		var payload observationPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return fmt.Errorf("ingest: observation: parse payload: %w", err)
		}

		opts := deps.privacyOptions()
		sanitized, err := privacy.SanitizeWith(payload.Text, opts)
		if err != nil {
			return fmt.Errorf("ingest: observation: sanitize: %w", err)
		}

		// Title, subtitle, and facts are gated too: they redact rather than
		// reject, and a fact that sanitizes to nothing is dropped. The
		// whole-observation empty/blocked decision stays keyed on the text.
		var facts []string
		for _, f := range payload.Facts {
			if clean := sanitizeField(f, opts); clean != "" {
				facts = append(facts, clean)
			}
		}

		obs, err := deps.Store.InsertObservation(store.InsertObservation{
			SessionID:     env.SessionID,
			Project:       env.Project,
			Type:          store.ObservationType(payload.Type),
			Title:         sanitizeField(payload.Title, opts),
			Subtitle:      sanitizeField(payload.Subtitle, opts),
			Text:          sanitized.Text,
			Facts:         facts,
			FilesRead:     payload.FilesRead,
			FilesModified: payload.FilesModified,
			PromptNumber:  payload.PromptNumber,
		})
		if err != nil {
			return fmt.Errorf("ingest: observation: insert: %w", err)
		}

		if deps.Embedding != nil {
			deps.Embedding.Enqueue(obs.ID)
		}
		deps.publish(stream.Event{
			Type: stream.EventObservationAdded, Project: env.Project, SessionID: env.SessionID,
			Payload: obs,
		})
		return nil
	})

	p.Register(TypeUserPrompt, func(ctx context.Context, env Envelope) error {
		var payload userPromptPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return fmt.Errorf("ingest: user_prompt: parse payload: %w", err)
		}

		sanitized, err := privacy.SanitizeWith(payload.Text, deps.privacyOptions())
		if err != nil {
			return fmt.Errorf("ingest: user_prompt: sanitize: %w", err)
		}

		prompt, err := deps.Store.InsertUserPrompt(env.SessionID, sanitized.Text)
		if err != nil {
			return fmt.Errorf("ingest: user_prompt: insert: %w", err)
		}

		deps.publish(stream.Event{
			Type: stream.EventUserPrompt, Project: env.Project, SessionID: env.SessionID,
			Payload: prompt,
		})
		return nil
	})
}

func (d Deps) publish(ev stream.Event) {
	if d.Publisher == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	_ = d.Publisher.Publish(ev)
}
