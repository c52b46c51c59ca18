package store

import (
	"fmt"
	"strings"
)

// Hit is one raw strategy result: an observation id and that strategy's
// native score (BM25 rank for FTS, the observation's created_at_ms for the
// fallback strategy).
type Hit struct {
	ObservationID int64
	Score         float64
}

// searchConstraints is shared by every strategy's query builder.
type searchConstraints struct {
	Project   string
	Type      ObservationType
	DateStart *int64
	DateEnd   *int64
}

func (c searchConstraints) apply(query string, args []any) (string, []any) {
	if c.Project != "" {
		query += ` AND o.project = ?`
		args = append(args, c.Project)
	}
	if c.Type != "" {
		query += ` AND o.type = ?`
		args = append(args, c.Type)
	}
	if c.DateStart != nil {
		query += ` AND o.created_at_ms >= ?`
		args = append(args, *c.DateStart)
	}
	if c.DateEnd != nil {
		query += ` AND o.created_at_ms <= ?`
		args = append(args, *c.DateEnd)
	}
	return query, args
}

// FTSSearch runs tokens (already compiled into a prefix-AND MATCH
// expression by the caller) against the FTS mirror, joined to observations
// for the project/type/date constraints, ordered by SQLite's built-in BM25
// function ascending (lower is more relevant), capped at 100.
func (s *Store) FTSSearch(matchExpr string, project string, obsType ObservationType, dateStart, dateEnd *int64) ([]Hit, error) {
	query := `SELECT o.id, bm25(observations_fts) AS rank
		FROM observations_fts
		JOIN observations o ON o.id = observations_fts.rowid
		WHERE observations_fts MATCH ?`
	args := []any{matchExpr}

	c := searchConstraints{Project: project, Type: obsType, DateStart: dateStart, DateEnd: dateEnd}
	query, args = c.apply(query, args)
	query += ` ORDER BY rank ASC LIMIT 100`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ObservationID, &h.Score); err != nil {
			return nil, fmt.Errorf("store: scan fts hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SubstringSearch is the fallback strategy: a plain LIKE match on
// title|text|subtitle, ordered by created_at_ms DESC, capped at 100.
func (s *Store) SubstringSearch(query string, project string, obsType ObservationType, dateStart, dateEnd *int64) ([]Hit, error) {
	like := "%" + query + "%"
	sqlQuery := `SELECT o.id, o.created_at_ms FROM observations o
		WHERE (o.title LIKE ? COLLATE NOCASE OR o.text LIKE ? COLLATE NOCASE OR o.subtitle LIKE ? COLLATE NOCASE)`
	args := []any{like, like, like}

	c := searchConstraints{Project: project, Type: obsType, DateStart: dateStart, DateEnd: dateEnd}
	sqlQuery, args = c.apply(sqlQuery, args)
	sqlQuery += ` ORDER BY o.created_at_ms DESC LIMIT 100`

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("store: substring search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ObservationID, &h.Score); err != nil {
			return nil, fmt.Errorf("store: scan substring hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ObservationsAfterID returns up to limit observation ids with id > cursor
// and non-empty text, optionally restricted to project, ordered ascending:
// the replicator's cursor-driven read.
func (s *Store) ObservationsAfterID(cursor int64, project string, limit int) ([]int64, error) {
	query := `SELECT id FROM observations WHERE id > ? AND text != ''`
	args := []any{cursor}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: observations after id: %w", err)
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

// CompileFTSQuery builds a prefix-AND token set for FTS5 MATCH: split on
// whitespace, keep words of length >= 2, quote each and append "*", join
// by space.
func CompileFTSQuery(query string) string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		escaped := strings.ReplaceAll(f, `"`, `""`)
		tokens = append(tokens, `"`+escaped+`"*`)
	}
	return strings.Join(tokens, " ")
}
