// Package ingest implements the ingest processor (component J): it drains
// the durable PendingQueue, dispatches each message to a typed handler,
// and dead-letters messages that exhaust their retry budget.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/opencodemem/opencodemem/internal/store"
)

// QueueName is the PendingQueue this processor drains.
const QueueName = "session_ingest"

const deadLetterReason = "max_retries_exceeded"

// Message types handled by the processor.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeObservation  = "observation"
	TypeUserPrompt   = "user_prompt"
)

// Envelope is the parsed shape of a pending_messages.payload JSON blob.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Project   string          `json:"project"`
	Data      json.RawMessage `json:"data"`
	DedupKey  string          `json:"dedupKey,omitempty"`
}

// Handler processes one message of a given type. Returning an error
// triggers the retry/dead-letter path.
type Handler func(ctx context.Context, env Envelope) error

// Stats mirrors the processor's counters for /api/diagnostics/queue.
type Stats struct {
	Processed    int64
	Failed       int64
	DeadLettered int64
}

// Processor drains QueueName on a poll loop, dispatching by message type.
type Processor struct {
	store *store.Store

	PollInterval time.Duration
	BatchSize    int
	RetryDelayMs int64

	handlers map[string]Handler
	running  int32
	stats    Stats
}

// New builds a processor with the default 1000ms poll interval.
func New(st *store.Store) *Processor {
	return &Processor{
		store:        st,
		PollInterval: time.Second,
		BatchSize:    20,
		RetryDelayMs: 2000,
		handlers:     make(map[string]Handler),
	}
}

// Register binds a handler to a message type.
func (p *Processor) Register(msgType string, h Handler) {
	p.handlers[msgType] = h
}

// Stats returns a snapshot of the processor's counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:    atomic.LoadInt64(&p.stats.Processed),
		Failed:       atomic.LoadInt64(&p.stats.Failed),
		DeadLettered: atomic.LoadInt64(&p.stats.DeadLettered),
	}
}

// Run drives the poll loop until ctx is cancelled. Each tick is
// reentrancy-guarded: a tick still running when the next timer fires is
// skipped rather than queued.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.running, 0)

	messages, err := p.store.ReadyMessages(QueueName, p.BatchSize)
	if err != nil {
		log.Printf("[INGEST] failed to read ready messages: %v", err)
		return
	}
	for _, m := range messages {
		p.processOne(ctx, m)
	}
}

func (p *Processor) processOne(ctx context.Context, m store.PendingMessage) {
	var env Envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		log.Printf("[INGEST] dropping unparseable message %d: %v", m.ID, err)
		p.markDone(m.ID)
		return
	}

	handler, known := p.handlers[env.Type]
	if !known {
		log.Printf("[INGEST] message %d carries unknown type %q", m.ID, env.Type)
		if err := p.store.DeadLetter(m, "unknown_event_type"); err != nil {
			log.Printf("[INGEST] failed to dead-letter message %d: %v", m.ID, err)
		}
		atomic.AddInt64(&p.stats.Failed, 1)
		return
	}

	if env.DedupKey != "" {
		processed, err := p.store.IsEventProcessed(QueueName, env.DedupKey)
		if err == nil && processed {
			p.markDone(m.ID)
			return
		}
	}

	if err := handler(ctx, env); err != nil {
		p.onFailure(m, err)
		return
	}

	if env.DedupKey != "" {
		if err := p.store.MarkEventProcessed(QueueName, env.DedupKey, m.EntityID); err != nil {
			log.Printf("[INGEST] failed to mark event processed for message %d: %v", m.ID, err)
		}
	}
	p.markDone(m.ID)
	atomic.AddInt64(&p.stats.Processed, 1)
}

func (p *Processor) markDone(id int64) {
	if err := p.store.MarkDelivered(id); err != nil {
		log.Printf("[INGEST] failed to mark message %d delivered: %v", id, err)
	}
}

func (p *Processor) onFailure(m store.PendingMessage, cause error) {
	count, err := p.store.ScheduleRetry(m.ID, p.RetryDelayMs)
	if err != nil {
		log.Printf("[INGEST] failed to schedule retry for message %d: %v", m.ID, err)
		return
	}

	if count >= m.MaxRetries {
		if err := p.store.DeadLetter(m, deadLetterReason); err != nil {
			log.Printf("[INGEST] failed to dead-letter message %d: %v", m.ID, err)
			return
		}
		atomic.AddInt64(&p.stats.DeadLettered, 1)
		atomic.AddInt64(&p.stats.Failed, 1)
		log.Printf("[INGEST] message %d exhausted retries: %v", m.ID, cause)
		return
	}

	log.Printf("[INGEST] message %d failed (attempt %d): %v", m.ID, count, cause)
}
