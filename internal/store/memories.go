package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveMemory inserts a new memory (or overwrites one with the same id, for
// re-save-after-edit flows). A fresh uuid is assigned when m.ID is empty.
func (s *Store) SaveMemory(m Memory) (*Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMs()
	}

	tags, err := marshalStrings(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: marshal memory tags: %w", err)
	}
	var metadata any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal memory metadata: %w", err)
		}
		metadata = string(b)
	}

	err = withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO memories (id, project, content, summary, type, tags, metadata, session_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				project = excluded.project,
				content = excluded.content,
				summary = excluded.summary,
				type = excluded.type,
				tags = excluded.tags,
				metadata = excluded.metadata,
				session_id = excluded.session_id`,
			m.ID, m.Project, m.Content, m.Summary, m.Type, tags, metadata,
			nullIfEmpty(m.SessionID), m.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: save memory: %w", err)
	}
	return &m, nil
}

// GetMemory retrieves a single memory by id.
func (s *Store) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(memorySelect+` WHERE id = ?`, id)
	return scanMemory(row)
}

// DeleteMemory removes a memory by id.
func (s *Store) DeleteMemory(id string) error {
	return withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListMemories returns memories matching f, most recent first.
func (s *Store) ListMemories(f MemoryFilter) ([]Memory, error) {
	query := memorySelect + ` WHERE project = ?`
	args := []any{f.Project}

	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.ExcludeSessionID != "" {
		query += ` AND (session_id IS NULL OR session_id != ?)`
		args = append(args, f.ExcludeSessionID)
	}
	if f.MaxAgeDays > 0 {
		cutoff := nowMs() - int64(f.MaxAgeDays)*24*60*60*1000
		query += ` AND created_at >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MemoriesBySession returns every memory recorded under sessionID.
func (s *Store) MemoriesBySession(sessionID string) ([]Memory, error) {
	rows, err := s.db.Query(memorySelect+` WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: memories by session: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

const memorySelect = `SELECT id, project, content, summary, type, tags, metadata, session_id, created_at FROM memories`

type scannable interface {
	Scan(dest ...any) error
}

func scanMemory(row *sql.Row) (*Memory, error) {
	m, err := scanMemoryRow(row)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMemoryRow(row scannable) (*Memory, error) {
	var m Memory
	var tags, metadata, sessionID sql.NullString
	if err := row.Scan(&m.ID, &m.Project, &m.Content, &m.Summary, &m.Type, &tags, &metadata, &sessionID, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan memory: %w", err)
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if sessionID.Valid {
		m.SessionID = sessionID.String
	}
	return &m, nil
}
