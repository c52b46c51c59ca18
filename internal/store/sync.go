package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetSyncCursor reads a replicator sync_state value (e.g. the
// "chroma.cursor.<project>" cursor), returning "" if unset.
func (s *Store) GetSyncCursor(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT state_value FROM sync_state WHERE state_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get sync cursor: %w", err)
	}
	return v, nil
}

// SetSyncCursor advances a replicator cursor value.
func (s *Store) SetSyncCursor(key, value string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sync_state (state_key, state_value, updated_at_ms) VALUES (?, ?, ?)
			 ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value, updated_at_ms = excluded.updated_at_ms`,
			key, value, nowMs(),
		)
		if err != nil {
			return fmt.Errorf("store: set sync cursor: %w", err)
		}
		return nil
	})
}

// StartSyncRun records the start of a replicator pass.
func (s *Store) StartSyncRun(provider, project string) (*SyncRun, error) {
	run := &SyncRun{Provider: provider, Project: project, Status: SyncRunning, StartedAtMs: nowMs()}
	err := withRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO sync_runs (provider, project, status, started_at_ms) VALUES (?, ?, ?, ?)`,
			run.Provider, nullIfEmpty(run.Project), run.Status, run.StartedAtMs,
		)
		if err != nil {
			return err
		}
		run.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: start sync run: %w", err)
	}
	return run, nil
}

// FinishSyncRun records the outcome of a replicator pass.
func (s *Store) FinishSyncRun(id int64, status SyncRunStatus, synced, failed, conflicts, retries int, details string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`UPDATE sync_runs SET status = ?, synced_count = ?, failed_count = ?, conflict_count = ?, retry_count = ?, ended_at_ms = ?, details = ?
			 WHERE id = ?`,
			status, synced, failed, conflicts, retries, nowMs(), details, id,
		)
		if err != nil {
			return fmt.Errorf("store: finish sync run: %w", err)
		}
		return nil
	})
}

// RecentSyncRuns returns the most recent replicator runs, newest first, for
// /api/diagnostics/sync.
func (s *Store) RecentSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(
		`SELECT id, provider, project, status, synced_count, failed_count, conflict_count, retry_count, started_at_ms, ended_at_ms, details
		 FROM sync_runs ORDER BY started_at_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent sync runs: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var project, details sql.NullString
		var endedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Provider, &project, &r.Status, &r.SyncedCount, &r.FailedCount,
			&r.ConflictCount, &r.RetryCount, &r.StartedAtMs, &endedAt, &details); err != nil {
			return nil, fmt.Errorf("store: scan sync run: %w", err)
		}
		if project.Valid {
			r.Project = project.String
		}
		if details.Valid {
			r.Details = details.String
		}
		if endedAt.Valid {
			r.EndedAtMs = &endedAt.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
