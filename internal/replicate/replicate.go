// Package replicate implements the external replicator (component K): it
// mirrors observations into an external vector collection behind a cursor,
// detecting content drift via a stored hash and dead-lettering upserts that
// exhaust their retry budget.
package replicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/opencodemem/opencodemem/internal/store"
)

const (
	queueName        = "chroma_sync"
	defaultBatchSize = 100
	upsertAttempts   = 3
	upsertBackoff    = 200 * time.Millisecond
)

// Upserter is the external vector collection endpoint. Implementations
// call out over HTTP to the configured provider.
type Upserter interface {
	Upsert(ctx context.Context, observationID int64, text string, embedding []float32) error
	DeleteWhere(ctx context.Context, project string) error
}

// Embedder produces an embedding for replicated text; a nil Embedder means
// replicate with an empty embedding (the text still syncs).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Replicator drives periodic sync passes against an Upserter.
type Replicator struct {
	store    *store.Store
	upserter Upserter
	embedder Embedder

	BatchSize int
	Provider  string

	syncing int32
}

// New builds a Replicator. embedder may be nil.
func New(st *store.Store, upserter Upserter, embedder Embedder, provider string) *Replicator {
	return &Replicator{
		store:     st,
		upserter:  upserter,
		embedder:  embedder,
		BatchSize: defaultBatchSize,
		Provider:  provider,
	}
}

func cursorKey(project string) string {
	if project == "" {
		project = "__all__"
	}
	return "chroma.cursor." + project
}

func hashKey(observationID int64) string {
	return fmt.Sprintf("chroma.hash.observation.%d", observationID)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Sync runs one replication pass scoped to project (empty = all projects).
// A second call while one is in flight returns immediately (non-reentrant).
func (r *Replicator) Sync(ctx context.Context, project string) error {
	if !atomic.CompareAndSwapInt32(&r.syncing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&r.syncing, 0)

	run, err := r.store.StartSyncRun(r.Provider, project)
	if err != nil {
		return fmt.Errorf("replicate: start sync run: %w", err)
	}

	started := time.Now()
	var synced, failed, conflicts, retries int
	status := store.SyncSuccess

	cursorStr, err := r.store.GetSyncCursor(cursorKey(project))
	if err != nil {
		return fmt.Errorf("replicate: read cursor: %w", err)
	}
	var cursor int64
	if cursorStr != "" {
		fmt.Sscanf(cursorStr, "%d", &cursor)
	}

	ids, err := r.observationsAfter(cursor, project)
	if err != nil {
		status = store.SyncFailed
		_ = r.store.FinishSyncRun(run.ID, status, synced, failed, conflicts, retries, err.Error())
		return err
	}

	maxSeenID := cursor
	for _, id := range ids {
		obs, err := r.store.GetObservation(id)
		if err != nil {
			continue
		}
		if obs.Text == "" {
			maxSeenID = obs.ID
			continue
		}

		// The hash covers the same concatenation the upsert sends, so a
		// title or text edit both register as a conflict.
		replicatedText := obs.Title + " " + obs.Text
		prevHash, _ := r.store.GetSyncCursor(hashKey(obs.ID))
		curHash := contentHash(replicatedText)
		if prevHash != "" && prevHash != curHash {
			conflicts++
		}

		var embedding []float32
		if r.embedder != nil {
			if e, err := r.embedder.Embed(ctx, replicatedText); err == nil {
				embedding = e
			}
		}

		attemptRetries, err := r.upsertWithRetry(ctx, obs.ID, replicatedText, embedding)
		retries += attemptRetries
		if err != nil {
			failed++
			payload, _ := json.Marshal(map[string]any{"observationId": obs.ID, "text": obs.Text})
			if dlErr := r.store.DeadLetter(store.PendingMessage{
				QueueName: queueName,
				EntityID:  fmt.Sprintf("%d", obs.ID),
				Payload:   string(payload),
			}, "upsert_failed_after_retries"); dlErr != nil {
				log.Printf("[REPLICATE] failed to dead-letter observation %d: %v", obs.ID, dlErr)
			}
			maxSeenID = obs.ID
			continue
		}

		synced++
		_ = r.store.SetSyncCursor(hashKey(obs.ID), curHash)
		maxSeenID = obs.ID
	}

	if err := r.store.SetSyncCursor(cursorKey(project), fmt.Sprintf("%d", maxSeenID)); err != nil {
		log.Printf("[REPLICATE] failed to persist cursor: %v", err)
	}

	if failed > 0 && synced == 0 && len(ids) > 0 {
		status = store.SyncFailed
	}

	details, _ := json.Marshal(map[string]any{"durationMs": time.Since(started).Milliseconds()})
	return r.store.FinishSyncRun(run.ID, status, synced, failed, conflicts, retries, string(details))
}

func (r *Replicator) observationsAfter(cursor int64, project string) ([]int64, error) {
	return r.store.ObservationsAfterID(cursor, project, r.batchSize())
}

func (r *Replicator) batchSize() int {
	if r.BatchSize <= 0 {
		return defaultBatchSize
	}
	return r.BatchSize
}

// upsertWithRetry attempts the upsert up to 3 times with a 200ms*attempt
// backoff, returning the number of retries actually spent.
func (r *Replicator) upsertWithRetry(ctx context.Context, observationID int64, text string, embedding []float32) (retries int, err error) {
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		err = r.upserter.Upsert(ctx, observationID, text, embedding)
		if err == nil {
			return retries, nil
		}
		if attempt < upsertAttempts {
			retries++
			time.Sleep(upsertBackoff * time.Duration(attempt))
		}
	}
	return retries, err
}

// ReplayFailed reads the oldest limit dead-letters from chroma_sync and
// retries their upsert, deleting each letter on success.
func (r *Replicator) ReplayFailed(ctx context.Context, limit int) (replayed, failed int, err error) {
	letters, err := r.store.OldestDeadLetters(queueName, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("replicate: replay failed: %w", err)
	}

	for _, dl := range letters {
		var payload struct {
			ObservationID int64  `json:"observationId"`
			Text          string `json:"text"`
		}
		if err := json.Unmarshal([]byte(dl.Payload), &payload); err != nil {
			failed++
			continue
		}
		if err := r.upserter.Upsert(ctx, payload.ObservationID, payload.Text, nil); err != nil {
			failed++
			continue
		}
		if err := r.store.DeleteDeadLetter(dl.ID); err != nil {
			log.Printf("[REPLICATE] replayed observation %d but failed to clear its dead letter: %v", payload.ObservationID, err)
		}
		replayed++
	}
	return replayed, failed, nil
}

// DeleteByProject issues a best-effort delete-by-where at the external
// endpoint and clears the project's cursor.
func (r *Replicator) DeleteByProject(ctx context.Context, project string) error {
	if err := r.upserter.DeleteWhere(ctx, project); err != nil {
		log.Printf("[REPLICATE] best-effort delete-by-project failed for %s: %v", project, err)
	}
	return r.store.SetSyncCursor(cursorKey(project), "0")
}

// RunPeriodic drives Sync on a fixed interval until ctx is cancelled. A
// non-positive interval falls back to 60s. It does not check whether the
// upserter is configured; cmd/opencodemem only starts it when a
// replication URL is set.
func (r *Replicator) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx, ""); err != nil {
				log.Printf("[REPLICATE] periodic sync failed: %v", err)
			}
		}
	}
}
