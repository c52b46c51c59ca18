package store

import (
	"fmt"
)

// migration is a single named, ordered schema change. Migrations are never
// reordered or mutated after release; new ones are appended
// with a name that sorts after every migration already shipped.
type migration struct {
	name string
	sql  string
}

// migrations is the ordered list applied on startup. Each is wrapped in its
// own transaction; a migration whose name is already recorded in
// schema_migrations is skipped.
var migrations = []migration{
	{
		name: "0001_sessions",
		sql: `
			CREATE TABLE sessions (
				session_id   TEXT PRIMARY KEY,
				project      TEXT NOT NULL,
				started_at   INTEGER NOT NULL,
				completed_at INTEGER,
				status       TEXT NOT NULL DEFAULT 'active'
			);
			CREATE INDEX idx_sessions_project ON sessions(project);
		`,
	},
	{
		name: "0002_observations",
		sql: `
			CREATE TABLE observations (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id     TEXT NOT NULL REFERENCES sessions(session_id),
				project        TEXT NOT NULL,
				type           TEXT NOT NULL,
				title          TEXT NOT NULL,
				subtitle       TEXT,
				text           TEXT NOT NULL,
				facts          TEXT,
				files_read     TEXT,
				files_modified TEXT,
				prompt_number  INTEGER NOT NULL DEFAULT 0,
				created_at_ms  INTEGER NOT NULL
			);
			CREATE INDEX idx_obs_session ON observations(session_id);
			CREATE INDEX idx_obs_project ON observations(project);
			CREATE INDEX idx_obs_type ON observations(type);
			CREATE INDEX idx_obs_created ON observations(created_at_ms);

			CREATE VIRTUAL TABLE observations_fts USING fts5(
				title, text, tags, files,
				content='observations',
				content_rowid='id'
			);

			CREATE TRIGGER obs_fts_insert AFTER INSERT ON observations BEGIN
				INSERT INTO observations_fts(rowid, title, text, tags, files)
				VALUES (new.id, new.title, new.text, COALESCE(new.facts, ''),
				        COALESCE(new.files_read, '') || ' ' || COALESCE(new.files_modified, ''));
			END;

			CREATE TRIGGER obs_fts_delete AFTER DELETE ON observations BEGIN
				INSERT INTO observations_fts(observations_fts, rowid, title, text, tags, files)
				VALUES ('delete', old.id, old.title, old.text, COALESCE(old.facts, ''),
				        COALESCE(old.files_read, '') || ' ' || COALESCE(old.files_modified, ''));
			END;

			CREATE TRIGGER obs_fts_update AFTER UPDATE ON observations BEGIN
				INSERT INTO observations_fts(observations_fts, rowid, title, text, tags, files)
				VALUES ('delete', old.id, old.title, old.text, COALESCE(old.facts, ''),
				        COALESCE(old.files_read, '') || ' ' || COALESCE(old.files_modified, ''));
				INSERT INTO observations_fts(rowid, title, text, tags, files)
				VALUES (new.id, new.title, new.text, COALESCE(new.facts, ''),
				        COALESCE(new.files_read, '') || ' ' || COALESCE(new.files_modified, ''));
			END;
		`,
	},
	{
		name: "0003_user_prompts",
		sql: `
			CREATE TABLE user_prompts (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id    TEXT NOT NULL REFERENCES sessions(session_id),
				prompt_number INTEGER NOT NULL,
				text          TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL
			);
			CREATE INDEX idx_prompts_session ON user_prompts(session_id);
		`,
	},
	{
		name: "0004_memories",
		sql: `
			CREATE TABLE memories (
				id         TEXT PRIMARY KEY,
				project    TEXT NOT NULL,
				content    TEXT NOT NULL,
				summary    TEXT NOT NULL DEFAULT '',
				type       TEXT NOT NULL DEFAULT 'general',
				tags       TEXT,
				metadata   TEXT,
				session_id TEXT,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX idx_memories_project ON memories(project);
			CREATE INDEX idx_memories_session ON memories(session_id);
			CREATE INDEX idx_memories_created ON memories(created_at DESC);
		`,
	},
	{
		name: "0005_summaries",
		sql: `
			CREATE TABLE summaries (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id    TEXT NOT NULL UNIQUE REFERENCES sessions(session_id),
				request       TEXT,
				investigated  TEXT,
				learned       TEXT,
				completed     TEXT,
				next_steps    TEXT,
				created_at_ms INTEGER NOT NULL
			);
		`,
	},
	{
		name: "0006_vectors",
		sql: `
			CREATE TABLE vectors (
				observation_id INTEGER PRIMARY KEY REFERENCES observations(id),
				embedding      BLOB NOT NULL,
				model          TEXT NOT NULL,
				created_at_ms  INTEGER NOT NULL
			);
		`,
	},
	{
		name: "0007_pending_queue",
		sql: `
			CREATE TABLE pending_messages (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				queue_name       TEXT NOT NULL,
				entity_id        TEXT NOT NULL,
				payload          TEXT NOT NULL,
				retry_count      INTEGER NOT NULL DEFAULT 0,
				max_retries      INTEGER NOT NULL DEFAULT 5,
				created_at_ms    INTEGER NOT NULL,
				next_retry_at_ms INTEGER,
				dedup_key        TEXT
			);
			CREATE INDEX idx_pending_queue_ready ON pending_messages(queue_name, next_retry_at_ms);
			CREATE UNIQUE INDEX idx_pending_dedup ON pending_messages(queue_name, dedup_key)
				WHERE dedup_key IS NOT NULL;

			CREATE TABLE processed_events (
				event_key      TEXT NOT NULL,
				queue_name     TEXT NOT NULL,
				entity_id      TEXT,
				processed_at_ms INTEGER NOT NULL,
				PRIMARY KEY (event_key, queue_name)
			);

			CREATE TABLE dead_letters (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				queue_name    TEXT NOT NULL,
				entity_id     TEXT NOT NULL,
				payload       TEXT NOT NULL,
				reason        TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL
			);
			CREATE INDEX idx_dead_letters_queue ON dead_letters(queue_name);
		`,
	},
	{
		name: "0008_sync_state",
		sql: `
			CREATE TABLE sync_state (
				state_key     TEXT PRIMARY KEY,
				state_value   TEXT NOT NULL,
				updated_at_ms INTEGER NOT NULL
			);

			CREATE TABLE sync_runs (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				provider       TEXT NOT NULL,
				project        TEXT,
				status         TEXT NOT NULL,
				synced_count   INTEGER NOT NULL DEFAULT 0,
				failed_count   INTEGER NOT NULL DEFAULT 0,
				conflict_count INTEGER NOT NULL DEFAULT 0,
				retry_count    INTEGER NOT NULL DEFAULT 0,
				started_at_ms  INTEGER NOT NULL,
				ended_at_ms    INTEGER,
				details        TEXT
			);
		`,
	},
}

// migrate applies every migration not yet recorded in schema_migrations, in
// order, each under its own transaction. It refuses to start if a recorded
// migration name is absent from the current list: schema history has
// diverged from what this binary expects.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate schema_migrations: %w", err)
	}
	rows.Close()

	known := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		known[m.name] = true
	}
	for name := range applied {
		if !known[name] {
			return fmt.Errorf("store: applied migration %q is missing from the current migration list", name)
		}
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("store: apply migration %q: %w", m.name, err)
		}
	}

	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		m.name, nowMs(),
	); err != nil {
		return err
	}
	return tx.Commit()
}
