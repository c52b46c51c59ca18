package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// InsertObservation appends one observation row. Callers are responsible
// for running text through the privacy filter first (invariant 6); this
// method does no sanitization of its own. created_at_ms and id are
// server-assigned. FTS mirroring happens via the triggers in migration
// 0002_observations.
func (s *Store) InsertObservation(in InsertObservation) (*Observation, error) {
	facts, err := marshalStrings(in.Facts)
	if err != nil {
		return nil, fmt.Errorf("store: marshal facts: %w", err)
	}
	filesRead, err := marshalStrings(in.FilesRead)
	if err != nil {
		return nil, fmt.Errorf("store: marshal files_read: %w", err)
	}
	filesModified, err := marshalStrings(in.FilesModified)
	if err != nil {
		return nil, fmt.Errorf("store: marshal files_modified: %w", err)
	}

	obs := &Observation{
		SessionID:     in.SessionID,
		Project:       in.Project,
		Type:          in.Type,
		Title:         in.Title,
		Subtitle:      in.Subtitle,
		Text:          in.Text,
		Facts:         in.Facts,
		FilesRead:     in.FilesRead,
		FilesModified: in.FilesModified,
		PromptNumber:  in.PromptNumber,
		CreatedAtMs:   nowMs(),
	}

	err = withRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO observations
				(session_id, project, type, title, subtitle, text, facts, files_read, files_modified, prompt_number, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			obs.SessionID, obs.Project, obs.Type, obs.Title, nullIfEmpty(obs.Subtitle), obs.Text,
			facts, filesRead, filesModified, obs.PromptNumber, obs.CreatedAtMs,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		obs.ID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert observation: %w", err)
	}
	return obs, nil
}

// InsertUserPrompt assigns prompt_number = max(prompt_number)+1 within the
// session and inserts the row, all in one transaction.
func (s *Store) InsertUserPrompt(sessionID, text string) (*UserPrompt, error) {
	p := &UserPrompt{SessionID: sessionID, Text: text, CreatedAtMs: nowMs()}

	err := s.tx(func(txn *sql.Tx) error {
		var maxNum sql.NullInt64
		if err := txn.QueryRow(
			`SELECT MAX(prompt_number) FROM user_prompts WHERE session_id = ?`, sessionID,
		).Scan(&maxNum); err != nil {
			return err
		}
		p.PromptNumber = int(maxNum.Int64) + 1

		res, err := txn.Exec(
			`INSERT INTO user_prompts (session_id, prompt_number, text, created_at_ms) VALUES (?, ?, ?, ?)`,
			p.SessionID, p.PromptNumber, p.Text, p.CreatedAtMs,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert user prompt: %w", err)
	}
	return p, nil
}

// GetObservation retrieves a single observation by id.
func (s *Store) GetObservation(id int64) (*Observation, error) {
	row := s.db.QueryRow(observationSelect+` WHERE id = ?`, id)
	return scanObservation(row)
}

// GetObservations retrieves observations by id, ordered by date or by id.
func (s *Store) GetObservations(ids []int64, project string, orderBy string) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := observationsSelect + ` WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	switch orderBy {
	case "id":
		query += ` ORDER BY id ASC`
	default:
		query += ` ORDER BY created_at_ms ASC`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// FindMostRecentMatch returns the id of the most recent observation whose
// title or text contains query (case-insensitive), used to resolve a
// free-text timeline anchor. Ties broken by higher id.
func (s *Store) FindMostRecentMatch(query, project string) (int64, error) {
	args := []any{"%" + query + "%", "%" + query + "%"}
	sqlQuery := `SELECT id FROM observations WHERE (title LIKE ? COLLATE NOCASE OR text LIKE ? COLLATE NOCASE)`
	if project != "" {
		sqlQuery += ` AND project = ?`
		args = append(args, project)
	}
	sqlQuery += ` ORDER BY created_at_ms DESC, id DESC LIMIT 1`

	var id int64
	if err := s.db.QueryRow(sqlQuery, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: find anchor: %w", err)
	}
	return id, nil
}

// TimelineWindow returns depthBefore observations with created_at_ms before
// anchorMs (descending, then reversed to chronological), and depthAfter
// after it (ascending), optionally restricted to project.
func (s *Store) TimelineWindow(anchorID int64, anchorMs int64, depthBefore, depthAfter int, project string) (before, after []Observation, err error) {
	beforeArgs := []any{anchorMs}
	beforeQuery := observationsSelect + ` WHERE created_at_ms < ?`
	if project != "" {
		beforeQuery += ` AND project = ?`
		beforeArgs = append(beforeArgs, project)
	}
	beforeQuery += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	beforeArgs = append(beforeArgs, depthBefore)

	rows, err := s.db.Query(beforeQuery, beforeArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("store: timeline before: %w", err)
	}
	before, err = scanObservations(rows)
	if err != nil {
		return nil, nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	afterArgs := []any{anchorMs}
	afterQuery := observationsSelect + ` WHERE created_at_ms > ?`
	if project != "" {
		afterQuery += ` AND project = ?`
		afterArgs = append(afterArgs, project)
	}
	afterQuery += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	afterArgs = append(afterArgs, depthAfter)

	rows, err = s.db.Query(afterQuery, afterArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("store: timeline after: %w", err)
	}
	after, err = scanObservations(rows)
	if err != nil {
		return nil, nil, err
	}

	return before, after, nil
}

// SessionPrompts returns all user prompts for a session ordered by
// prompt_number.
func (s *Store) SessionPrompts(sessionID string) ([]UserPrompt, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, prompt_number, text, created_at_ms FROM user_prompts
		 WHERE session_id = ? ORDER BY prompt_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: session prompts: %w", err)
	}
	defer rows.Close()

	var prompts []UserPrompt
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PromptNumber, &p.Text, &p.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan user prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// SessionObservations returns all observations for a session ordered by
// time, used by the summary generator.
func (s *Store) SessionObservations(sessionID string) ([]Observation, error) {
	rows, err := s.db.Query(observationsSelect+` WHERE session_id = ? ORDER BY created_at_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: session observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// RecentObservationsWithoutVector returns the limit most recent observation
// ids lacking a vector row, for the embedding worker's backfill.
func (s *Store) RecentObservationsWithoutVector(limit int) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT o.id FROM observations o
		 LEFT JOIN vectors v ON v.observation_id = o.id
		 WHERE v.observation_id IS NULL
		 ORDER BY o.created_at_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: backfill candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const observationSelect = `SELECT id, session_id, project, type, title, subtitle, text, facts, files_read, files_modified, prompt_number, created_at_ms FROM observations`
const observationsSelect = observationSelect

func scanObservation(row *sql.Row) (*Observation, error) {
	var o Observation
	var subtitle, facts, filesRead, filesModified sql.NullString
	if err := row.Scan(&o.ID, &o.SessionID, &o.Project, &o.Type, &o.Title, &subtitle, &o.Text,
		&facts, &filesRead, &filesModified, &o.PromptNumber, &o.CreatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan observation: %w", err)
	}
	fillObservationOptionals(&o, subtitle, facts, filesRead, filesModified)
	return &o, nil
}

func scanObservations(rows *sql.Rows) ([]Observation, error) {
	defer rows.Close()
	var results []Observation
	for rows.Next() {
		var o Observation
		var subtitle, facts, filesRead, filesModified sql.NullString
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Project, &o.Type, &o.Title, &subtitle, &o.Text,
			&facts, &filesRead, &filesModified, &o.PromptNumber, &o.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan observation: %w", err)
		}
		fillObservationOptionals(&o, subtitle, facts, filesRead, filesModified)
		results = append(results, o)
	}
	return results, rows.Err()
}

func fillObservationOptionals(o *Observation, subtitle, facts, filesRead, filesModified sql.NullString) {
	if subtitle.Valid {
		o.Subtitle = subtitle.String
	}
	if facts.Valid {
		_ = json.Unmarshal([]byte(facts.String), &o.Facts)
	}
	if filesRead.Valid {
		_ = json.Unmarshal([]byte(filesRead.String), &o.FilesRead)
	}
	if filesModified.Valid {
		_ = json.Unmarshal([]byte(filesModified.String), &o.FilesModified)
	}
}

func marshalStrings(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
