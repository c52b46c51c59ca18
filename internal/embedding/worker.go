package embedding

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opencodemem/opencodemem/internal/store"
)

const (
	maxAttempts = 3
	queueName   = "embedding_queue"
	deadReason  = "embedding_failed_after_retries"
)

// job is one in-memory FIFO entry.
type job struct {
	observationID int64
	attempt       int
}

// Stats mirrors the worker's counters, for /api/diagnostics/queue.
type Stats struct {
	Enqueued  int64
	Processed int64
	Failed    int64
	Retried   int64
	Pending   int
	MaxDepth  int
}

// Worker processes observations into vectors asynchronously. Its FIFO is
// in-memory only; on restart, Backfill repopulates it from observations
// lacking a vector rather than from any durable queue.
type Worker struct {
	store      *store.Store
	provider   Provider
	retryDelay time.Duration

	mu      sync.Mutex
	queue   []job
	present map[int64]bool
	stats   Stats

	wakeup chan struct{}
}

// NewWorker constructs a worker bound to a store and provider. retryDelay
// is the base backoff unit; an attempt N failure sleeps retryDelay*N
// before requeueing.
func NewWorker(st *store.Store, provider Provider, retryDelay time.Duration) *Worker {
	return &Worker{
		store:      st,
		provider:   provider,
		retryDelay: retryDelay,
		present:    make(map[int64]bool),
		wakeup:     make(chan struct{}, 1),
	}
}

// Enqueue pushes an observation onto the FIFO with attempt=1. A no-op if
// already queued.
func (w *Worker) Enqueue(observationID int64) {
	w.mu.Lock()
	if w.present[observationID] {
		w.mu.Unlock()
		return
	}
	w.present[observationID] = true
	w.queue = append(w.queue, job{observationID: observationID, attempt: 1})
	w.stats.Enqueued++
	w.stats.Pending = len(w.queue)
	if w.stats.Pending > w.stats.MaxDepth {
		w.stats.MaxDepth = w.stats.Pending
	}
	w.mu.Unlock()
	w.notify()
}

// Backfill enqueues the limit most recent observations lacking a vector.
// Called once on startup from cmd/opencodemem.
func (w *Worker) Backfill(limit int) error {
	ids, err := w.store.RecentObservationsWithoutVector(limit)
	if err != nil {
		return fmt.Errorf("embedding: backfill: %w", err)
	}
	for _, id := range ids {
		w.Enqueue(id)
	}
	return nil
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) notify() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

func (w *Worker) pop() (job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return job{}, false
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.present, j.observationID)
	w.stats.Pending = len(w.queue)
	return j, true
}

func (w *Worker) requeue(j job) {
	w.mu.Lock()
	w.present[j.observationID] = true
	w.queue = append(w.queue, j)
	w.stats.Pending = len(w.queue)
	if w.stats.Pending > w.stats.MaxDepth {
		w.stats.MaxDepth = w.stats.Pending
	}
	w.mu.Unlock()
}

// Run drives the processor loop until ctx is cancelled. It is meant to be
// started once as a long-lived goroutine from cmd/opencodemem.
func (w *Worker) Run(ctx context.Context) {
	for {
		j, ok := w.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wakeup:
				continue
			case <-time.After(2 * time.Second):
				continue
			}
		}
		w.process(ctx, j)
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	if _, err := w.store.GetVector(j.observationID); err == nil {
		return
	}

	obs, err := w.store.GetObservation(j.observationID)
	if err != nil {
		log.Printf("[EMBEDDING] observation %d vanished before embedding: %v", j.observationID, err)
		return
	}

	text := obs.Title + " " + obs.Text
	vec, err := w.provider.Embed(ctx, text)
	if err != nil {
		w.onFailure(j, err)
		return
	}

	if err := w.store.SaveVector(store.Vector{
		ObservationID: obs.ID,
		Embedding:     vec,
		Model:         w.provider.Model(),
	}); err != nil {
		w.onFailure(j, err)
		return
	}

	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()
}

func (w *Worker) onFailure(j job, cause error) {
	if j.attempt > maxAttempts {
		w.deadLetter(j, cause)
		return
	}

	log.Printf("[EMBEDDING] observation %d attempt %d failed: %v", j.observationID, j.attempt, cause)
	time.Sleep(w.retryDelay * time.Duration(j.attempt))

	w.mu.Lock()
	w.stats.Retried++
	w.mu.Unlock()

	next := job{observationID: j.observationID, attempt: j.attempt + 1}
	if next.attempt > maxAttempts {
		w.deadLetter(next, cause)
		return
	}
	w.requeue(next)
}

func (w *Worker) deadLetter(j job, cause error) {
	if err := w.store.DeadLetter(store.PendingMessage{
		QueueName: queueName,
		EntityID:  fmt.Sprintf("%d", j.observationID),
		Payload:   fmt.Sprintf(`{"observationId":%d,"attempt":%d}`, j.observationID, j.attempt),
	}, deadReason); err != nil {
		log.Printf("[EMBEDDING] failed to dead-letter observation %d: %v", j.observationID, err)
		return
	}
	w.mu.Lock()
	w.stats.Failed++
	w.mu.Unlock()
	log.Printf("[EMBEDDING] observation %d exhausted retries: %v", j.observationID, cause)
}
