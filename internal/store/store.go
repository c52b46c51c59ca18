// Package store implements the durable embedded relational store:
// a single-writer, WAL-journaled SQLite database with foreign keys
// enforced, ordered named migrations, and typed repository methods for
// every entity the service persists. Nothing outside this package
// touches *sql.DB directly.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns every row in the system. It is safe for concurrent use:
// SetMaxOpenConns(1) routes every read and write through one connection,
// so statements from concurrent callers run one at a time.
type Store struct {
	db *sql.DB
}

// busyRetries and busyWait implement the bounded in-process retry for
// SQLITE_BUSY: at most 8 tries, 20ms apart.
const (
	busyRetries = 8
	busyWait    = 20 * time.Millisecond
)

// Open creates or opens the database file at path, applies pragmas, and
// runs any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// A single connection avoids cross-connection SQLITE_BUSY storms; the
	// store's own withRetry handles the rest.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -64000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store's connection is healthy, for /api/health.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// nowMs returns the current time as Unix milliseconds, the unit every
// timestamp column in the schema stores.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// isBusy reports whether err is SQLite reporting the database is locked,
// the only error class withRetry should retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs fn, retrying on SQLITE_BUSY with a short bounded wait:
// at most 8 tries, 20ms apart.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		time.Sleep(busyWait)
	}
	return err
}

// tx runs fn inside a transaction, committing on success and rolling back
// on any error (including a panic, which is re-thrown after rollback).
func (s *Store) tx(fn func(*sql.Tx) error) error {
	return withRetry(func() error {
		txn, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() {
			if p := recover(); p != nil {
				txn.Rollback()
				panic(p)
			}
		}()

		if err := fn(txn); err != nil {
			txn.Rollback()
			return err
		}
		return txn.Commit()
	})
}
