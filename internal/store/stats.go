package store

import "fmt"

// Counts is the row-count summary /api/stats reports.
type Counts struct {
	Sessions     int
	Observations int
	Memories     int
	Vectors      int
	DeadLetters  int
}

// Stats returns row counts across the core tables.
func (s *Store) Stats() (*Counts, error) {
	var c Counts
	queries := []struct {
		table string
		dest  *int
	}{
		{"sessions", &c.Sessions},
		{"observations", &c.Observations},
		{"memories", &c.Memories},
		{"vectors", &c.Vectors},
		{"dead_letters", &c.DeadLetters},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + q.table).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("store: stats count %s: %w", q.table, err)
		}
	}
	return &c, nil
}

