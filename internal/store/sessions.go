package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// UpsertActiveSession creates a session in the active state, or re-opens it
// if the same session_id is seen again (INSERT OR REPLACE keyed on
// session_id).
func (s *Store) UpsertActiveSession(sessionID, project string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (session_id, project, started_at, completed_at, status)
			 VALUES (?, ?, ?, NULL, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				project = excluded.project,
				started_at = excluded.started_at,
				completed_at = NULL,
				status = excluded.status`,
			sessionID, project, nowMs(), SessionActive,
		)
		if err != nil {
			return fmt.Errorf("store: upsert session: %w", err)
		}
		return nil
	})
}

// CompleteSession sets a session's terminal status and completion time.
// Per invariant 4, status must not be "active".
func (s *Store) CompleteSession(sessionID string, status SessionStatus) error {
	if status == SessionActive {
		return fmt.Errorf("store: complete session: status must be terminal, got %q", status)
	}
	return withRetry(func() error {
		_, err := s.db.Exec(
			`UPDATE sessions SET status = ?, completed_at = ? WHERE session_id = ?`,
			status, nowMs(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("store: complete session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT session_id, project, started_at, completed_at, status FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var completedAt sql.NullInt64
	if err := row.Scan(&sess.SessionID, &sess.Project, &sess.StartedAt, &completedAt, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Int64
	}
	return &sess, nil
}
