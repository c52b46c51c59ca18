package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSummary inserts or replaces the single summary row for a session
// (session_id is UNIQUE; a session is summarized at most once, on
// completion).
func (s *Store) SaveSummary(sum Summary) (*Summary, error) {
	if sum.CreatedAtMs == 0 {
		sum.CreatedAtMs = nowMs()
	}
	err := withRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO summaries (session_id, request, investigated, learned, completed, next_steps, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				request = excluded.request,
				investigated = excluded.investigated,
				learned = excluded.learned,
				completed = excluded.completed,
				next_steps = excluded.next_steps`,
			sum.SessionID, sum.Request, sum.Investigated, sum.Learned, sum.Completed, sum.NextSteps, sum.CreatedAtMs,
		)
		if err != nil {
			return err
		}
		if sum.ID == 0 {
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			sum.ID = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: save summary: %w", err)
	}
	return &sum, nil
}

// GetSummary retrieves the summary for a session.
func (s *Store) GetSummary(sessionID string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRow(
		`SELECT id, session_id, request, investigated, learned, completed, next_steps, created_at_ms
		 FROM summaries WHERE session_id = ?`,
		sessionID,
	).Scan(&sum.ID, &sum.SessionID, &sum.Request, &sum.Investigated, &sum.Learned, &sum.Completed, &sum.NextSteps, &sum.CreatedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get summary: %w", err)
	}
	return &sum, nil
}
