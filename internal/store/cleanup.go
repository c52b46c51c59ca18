package store

import (
	"database/sql"
	"fmt"
)

// PurgeResult reports how many rows were removed from each table during a
// purge pass. The bookkeeping counts are only filled by PurgeAll; a
// project-scoped purge leaves the project-less tables alone.
type PurgeResult struct {
	PendingMessages int64
	UserPrompts     int64
	Vectors         int64
	Memories        int64
	Observations    int64
	Summaries       int64
	Sessions        int64
	ProcessedEvents int64
	DeadLetters     int64
	SyncState       int64
	SyncRuns        int64
}

// PurgeProject deletes every row belonging to project, in dependency
// order: queue entries and prompts first (they reference
// observations/sessions), then vectors and memories, then observations, then
// summaries, and sessions last.
func (s *Store) PurgeProject(project string) (*PurgeResult, error) {
	var r PurgeResult
	err := s.tx(func(txn *sql.Tx) error {
		var err error
		if r.PendingMessages, err = execCount(txn,
			`DELETE FROM pending_messages WHERE entity_id IN (
				SELECT CAST(id AS TEXT) FROM observations WHERE project = ?
			 )`, project); err != nil {
			return err
		}
		if r.UserPrompts, err = execCount(txn,
			`DELETE FROM user_prompts WHERE session_id IN (
				SELECT session_id FROM sessions WHERE project = ?
			 )`, project); err != nil {
			return err
		}
		if r.Vectors, err = execCount(txn,
			`DELETE FROM vectors WHERE observation_id IN (
				SELECT id FROM observations WHERE project = ?
			 )`, project); err != nil {
			return err
		}
		if r.Memories, err = execCount(txn, `DELETE FROM memories WHERE project = ?`, project); err != nil {
			return err
		}
		if r.Observations, err = execCount(txn, `DELETE FROM observations WHERE project = ?`, project); err != nil {
			return err
		}
		if r.Summaries, err = execCount(txn,
			`DELETE FROM summaries WHERE session_id IN (
				SELECT session_id FROM sessions WHERE project = ?
			 )`, project); err != nil {
			return err
		}
		if r.Sessions, err = execCount(txn, `DELETE FROM sessions WHERE project = ?`, project); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: purge project: %w", err)
	}
	return &r, nil
}

// PurgeAll empties every table, the project-less bookkeeping tables
// included, in dependency order.
func (s *Store) PurgeAll() (*PurgeResult, error) {
	var r PurgeResult
	err := s.tx(func(txn *sql.Tx) error {
		steps := []struct {
			dest  *int64
			query string
		}{
			{&r.PendingMessages, `DELETE FROM pending_messages`},
			{&r.UserPrompts, `DELETE FROM user_prompts`},
			{&r.Vectors, `DELETE FROM vectors`},
			{&r.Memories, `DELETE FROM memories`},
			{&r.Observations, `DELETE FROM observations`},
			{&r.Summaries, `DELETE FROM summaries`},
			{&r.Sessions, `DELETE FROM sessions`},
			{&r.ProcessedEvents, `DELETE FROM processed_events`},
			{&r.DeadLetters, `DELETE FROM dead_letters`},
			{&r.SyncState, `DELETE FROM sync_state`},
			{&r.SyncRuns, `DELETE FROM sync_runs`},
		}
		for _, step := range steps {
			n, err := execCount(txn, step.query)
			if err != nil {
				return err
			}
			*step.dest = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: purge all: %w", err)
	}
	return &r, nil
}

// CleanupResult reports how many stale rows a CleanupOlderThan pass removed.
type CleanupResult struct {
	Observations int64
	Sessions     int64
	DeadLetters  int64
}

// CleanupOlderThan removes completed sessions (and their observations,
// prompts, vectors, summaries via PurgeProject-style ordering scoped by
// time instead of project) older than cutoffMs, plus dead letters older
// than cutoffMs. A non-empty project restricts the session sweep; dead
// letters carry no project and are swept by time alone. Active sessions
// are never touched.
func (s *Store) CleanupOlderThan(project string, cutoffMs int64) (*CleanupResult, error) {
	var r CleanupResult
	err := s.tx(func(txn *sql.Tx) error {
		sessionQuery := `SELECT session_id FROM sessions WHERE status != ? AND COALESCE(completed_at, started_at) < ?`
		sessionArgs := []any{SessionActive, cutoffMs}
		if project != "" {
			sessionQuery += ` AND project = ?`
			sessionArgs = append(sessionArgs, project)
		}
		rows, err := txn.Query(sessionQuery, sessionArgs...)
		if err != nil {
			return err
		}
		var sessionIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			sessionIDs = append(sessionIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sid := range sessionIDs {
			if _, err := execCount(txn,
				`DELETE FROM vectors WHERE observation_id IN (SELECT id FROM observations WHERE session_id = ?)`, sid); err != nil {
				return err
			}
			if _, err := execCount(txn, `DELETE FROM pending_messages WHERE entity_id IN (
				SELECT CAST(id AS TEXT) FROM observations WHERE session_id = ?
			)`, sid); err != nil {
				return err
			}
			if _, err := execCount(txn, `DELETE FROM user_prompts WHERE session_id = ?`, sid); err != nil {
				return err
			}
			obsDeleted, err := execCount(txn, `DELETE FROM observations WHERE session_id = ?`, sid)
			if err != nil {
				return err
			}
			r.Observations += obsDeleted
			if _, err := execCount(txn, `DELETE FROM summaries WHERE session_id = ?`, sid); err != nil {
				return err
			}
			if _, err := execCount(txn, `DELETE FROM sessions WHERE session_id = ?`, sid); err != nil {
				return err
			}
			r.Sessions++
		}

		dl, err := execCount(txn, `DELETE FROM dead_letters WHERE created_at_ms < ?`, cutoffMs)
		if err != nil {
			return err
		}
		r.DeadLetters = dl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: cleanup older than: %w", err)
	}
	return &r, nil
}

// TrimMemories deletes a project's memories beyond the newest keep rows,
// enforcing the cleanup quota. A keep of 0 or less is a no-op.
func (s *Store) TrimMemories(project string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var removed int64
	err := s.tx(func(txn *sql.Tx) error {
		var err error
		removed, err = execCount(txn,
			`DELETE FROM memories WHERE project = ? AND id NOT IN (
				SELECT id FROM memories WHERE project = ? ORDER BY created_at DESC LIMIT ?
			 )`, project, project, keep)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: trim memories: %w", err)
	}
	return removed, nil
}

func execCount(txn *sql.Tx, query string, args ...any) (int64, error) {
	res, err := txn.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
