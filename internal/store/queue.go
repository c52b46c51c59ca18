package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// DuplicateMessage is the sentinel id Enqueue returns when the dedup key
// was already marked processed and the enqueue is a no-op.
const DuplicateMessage int64 = -1

// Enqueue appends a message to queueName. If dedupKey is non-empty and the
// event was already marked processed, DuplicateMessage is returned and
// nothing is inserted. If a pending message with the same
// (queue_name, dedup_key) already exists, its id is returned instead of
// inserting a second row. A positive delayMs defers visibility by setting
// next_retry_at_ms = now + delayMs.
func (s *Store) Enqueue(queueName, entityID, payload, dedupKey string, maxRetries int, delayMs int64) (int64, error) {
	var id int64
	err := s.tx(func(txn *sql.Tx) error {
		if dedupKey != "" {
			var one int
			err := txn.QueryRow(
				`SELECT 1 FROM processed_events WHERE queue_name = ? AND event_key = ?`,
				queueName, dedupKey,
			).Scan(&one)
			if err == nil {
				id = DuplicateMessage
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			var existing int64
			err = txn.QueryRow(
				`SELECT id FROM pending_messages WHERE queue_name = ? AND dedup_key = ?`,
				queueName, dedupKey,
			).Scan(&existing)
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var nextRetry any
		if delayMs > 0 {
			nextRetry = nowMs() + delayMs
		}
		res, err := txn.Exec(
			`INSERT INTO pending_messages (queue_name, entity_id, payload, retry_count, max_retries, created_at_ms, next_retry_at_ms, dedup_key)
			 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
			queueName, entityID, payload, maxRetries, nowMs(), nextRetry, nullIfEmpty(dedupKey),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: enqueue: %w", err)
	}
	return id, nil
}

// ReadyMessages returns up to limit messages from queueName whose
// next_retry_at_ms has passed and whose retry budget is not exhausted,
// oldest first.
func (s *Store) ReadyMessages(queueName string, limit int) ([]PendingMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, queue_name, entity_id, payload, retry_count, max_retries, created_at_ms, next_retry_at_ms, dedup_key
		 FROM pending_messages
		 WHERE queue_name = ? AND (next_retry_at_ms IS NULL OR next_retry_at_ms <= ?) AND retry_count < max_retries
		 ORDER BY created_at_ms ASC LIMIT ?`,
		queueName, nowMs(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: ready messages: %w", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var m PendingMessage
		var dedup sql.NullString
		var nextRetry sql.NullInt64
		if err := rows.Scan(&m.ID, &m.QueueName, &m.EntityID, &m.Payload, &m.RetryCount, &m.MaxRetries,
			&m.CreatedAtMs, &nextRetry, &dedup); err != nil {
			return nil, fmt.Errorf("store: scan pending message: %w", err)
		}
		if nextRetry.Valid {
			m.NextRetryAtMs = &nextRetry.Int64
		}
		if dedup.Valid {
			m.DedupKey = dedup.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered removes a message after successful processing.
func (s *Store) MarkDelivered(id int64) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: mark delivered: %w", err)
		}
		return nil
	})
}

// ScheduleRetry bumps retry_count and pushes next_retry_at_ms forward by
// delayMs. When the incremented count exhausts the budget the row's
// next_retry_at_ms is cleared; the caller is responsible for
// dead-lettering it. Returns the new retry count.
func (s *Store) ScheduleRetry(id int64, delayMs int64) (int, error) {
	var count int
	err := s.tx(func(txn *sql.Tx) error {
		if _, err := txn.Exec(
			`UPDATE pending_messages SET retry_count = retry_count + 1, next_retry_at_ms = ? WHERE id = ?`,
			nowMs()+delayMs, id,
		); err != nil {
			return err
		}
		if err := txn.QueryRow(`SELECT retry_count FROM pending_messages WHERE id = ?`, id).Scan(&count); err != nil {
			return err
		}
		var maxRetries int
		if err := txn.QueryRow(`SELECT max_retries FROM pending_messages WHERE id = ?`, id).Scan(&maxRetries); err != nil {
			return err
		}
		if count >= maxRetries {
			if _, err := txn.Exec(`UPDATE pending_messages SET next_retry_at_ms = NULL WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: schedule retry: %w", err)
	}
	return count, nil
}

// DeadLetter moves a message out of pending_messages and into dead_letters
// with reason, in one transaction.
func (s *Store) DeadLetter(m PendingMessage, reason string) error {
	return s.tx(func(txn *sql.Tx) error {
		if _, err := txn.Exec(
			`INSERT INTO dead_letters (queue_name, entity_id, payload, reason, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			m.QueueName, m.EntityID, m.Payload, reason, nowMs(),
		); err != nil {
			return err
		}
		_, err := txn.Exec(`DELETE FROM pending_messages WHERE id = ?`, m.ID)
		return err
	})
}

// DeleteDeadLetter removes a dead letter after a successful manual replay.
func (s *Store) DeleteDeadLetter(id int64) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete dead letter: %w", err)
		}
		return nil
	})
}

// DeadLetters returns dead letters for a queue, most recent first.
func (s *Store) DeadLetters(queueName string, limit int) ([]DeadLetter, error) {
	rows, err := s.db.Query(
		`SELECT id, queue_name, entity_id, payload, reason, created_at_ms
		 FROM dead_letters WHERE queue_name = ? ORDER BY created_at_ms DESC LIMIT ?`,
		queueName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.QueueName, &d.EntityID, &d.Payload, &d.Reason, &d.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// OldestDeadLetters returns dead letters for a queue, oldest first, in
// the replay order used by manual recovery.
func (s *Store) OldestDeadLetters(queueName string, limit int) ([]DeadLetter, error) {
	rows, err := s.db.Query(
		`SELECT id, queue_name, entity_id, payload, reason, created_at_ms
		 FROM dead_letters WHERE queue_name = ? ORDER BY created_at_ms ASC, id ASC LIMIT ?`,
		queueName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: oldest dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.QueueName, &d.EntityID, &d.Payload, &d.Reason, &d.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueueDepth reports how many messages are pending in queueName, for
// diagnostics.
func (s *Store) QueueDepth(queueName string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_messages WHERE queue_name = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}

// IsEventProcessed reports whether eventKey was already processed on
// queueName, the at-least-once dedup check against processed_events.
func (s *Store) IsEventProcessed(queueName, eventKey string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM processed_events WHERE queue_name = ? AND event_key = ?`,
		queueName, eventKey,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is event processed: %w", err)
	}
	return true, nil
}

// MarkEventProcessed records eventKey as processed on queueName.
func (s *Store) MarkEventProcessed(queueName, eventKey, entityID string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO processed_events (event_key, queue_name, entity_id, processed_at_ms) VALUES (?, ?, ?, ?)`,
			eventKey, queueName, entityID, nowMs(),
		)
		if err != nil {
			return fmt.Errorf("store: mark event processed: %w", err)
		}
		return nil
	})
}
