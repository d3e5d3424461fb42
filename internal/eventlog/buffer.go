package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/event"
)

// BatchEvent is one durably numbered event in a persistence submission.
type BatchEvent struct {
	Type event.Type      `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  int64           `json:"seq"`
}

// Batch is the unit submitted to the persist callback.
type Batch struct {
	ConversationID int64        `json:"conversationId"`
	Events         []BatchEvent `json:"events"`
	AgentSessionID string       `json:"agentSessionId,omitempty"`
	TurnComplete   bool         `json:"turnComplete,omitempty"`
	IsComplete     bool         `json:"isComplete,omitempty"`
}

// Sink durably persists a batch. Implementations retry transient failures
// internally with a bounded attempt count; a returned error means the batch
// was not applied and may be resubmitted with the same sequence numbers.
type Sink interface {
	Persist(ctx context.Context, batch Batch) error
}

type Config struct {
	// FlushThreshold is the coalesced text size in bytes above which a flush
	// is forced even with no non-text event in sight.
	FlushThreshold int
	FlushInterval  time.Duration
}

// Buffer accumulates semantic events for one conversation, coalescing
// adjacent plain-text fragments so token-by-token streaming does not produce
// one stored row per token. Flush assigns sequence numbers from the local
// watermark; a failed flush restores the batch and rolls the watermark back
// so a retry reuses the same numbers.
type Buffer struct {
	sink           Sink
	conversationID int64
	threshold      int
	interval       time.Duration

	// flushMu serializes flushes end to end, sink call included. The ticker
	// goroutine and Append-triggered flushes otherwise overlap, and a failed
	// flush rolling its watermark back under a concurrent successful one
	// would resubmit sequence numbers the control plane already filtered.
	flushMu sync.Mutex

	mu sync.Mutex
	// pending events in emission order; the last entry absorbs consecutive
	// text fragments.
	pending []event.Semantic
	// lastSeq is the highest sequence number believed durably persisted.
	lastSeq        int64
	agentSessionID string

	done chan struct{}
}

func NewBuffer(sink Sink, conversationID, startSeq int64, cfg Config) *Buffer {
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = 2048
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Buffer{
		sink:           sink,
		conversationID: conversationID,
		threshold:      threshold,
		interval:       interval,
		lastSeq:        startSeq,
		done:           make(chan struct{}),
	}
}

// SetAgentSessionID records the engine's resumable session handle; it rides
// along on the next flush so the control plane can store it.
func (b *Buffer) SetAgentSessionID(id string) {
	b.mu.Lock()
	b.agentSessionID = id
	b.mu.Unlock()
}

// Append adds a semantic event. Consecutive text events coalesce in place.
// Any non-text event forces a flush so it is never persisted out of order
// relative to preceding text.
func (b *Buffer) Append(ctx context.Context, ev event.Semantic) error {
	b.mu.Lock()
	textSize := 0
	if ev.Type == event.TypeText && len(b.pending) > 0 && b.pending[len(b.pending)-1].Type == event.TypeText {
		merged, textLen, err := mergeText(b.pending[len(b.pending)-1], ev)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		b.pending[len(b.pending)-1] = merged
		textSize = textLen
	} else {
		b.pending = append(b.pending, ev)
		if ev.Type == event.TypeText {
			data, err := event.DecodeData[event.TextData](ev)
			if err != nil {
				b.mu.Unlock()
				return err
			}
			textSize = len(data.Text)
		}
	}
	b.mu.Unlock()

	if ev.Type != event.TypeText || textSize >= b.threshold {
		return b.Flush(ctx)
	}
	return nil
}

// Flush persists all pending events as one numbered batch.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, false, false)
}

// FlushFinal persists pending events and marks the turn complete. isComplete
// additionally tells the control plane to invalidate the per-turn tokens.
func (b *Buffer) FlushFinal(ctx context.Context, isComplete bool) error {
	return b.flush(ctx, true, isComplete)
}

func (b *Buffer) flush(ctx context.Context, turnComplete, isComplete bool) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 && !turnComplete {
		b.mu.Unlock()
		return nil
	}

	taken := b.pending
	b.pending = nil
	firstSeq := b.lastSeq + 1

	batch := Batch{
		ConversationID: b.conversationID,
		Events:         make([]BatchEvent, 0, len(taken)),
		AgentSessionID: b.agentSessionID,
		TurnComplete:   turnComplete,
		IsComplete:     isComplete,
	}
	for i, ev := range taken {
		batch.Events = append(batch.Events, BatchEvent{
			Type: ev.Type,
			Data: ev.Data,
			Seq:  firstSeq + int64(i),
		})
	}
	b.lastSeq += int64(len(taken))
	b.mu.Unlock()

	if err := b.sink.Persist(ctx, batch); err != nil {
		// Restore the batch at the front of the queue and roll the watermark
		// back so the retry reuses the same sequence numbers.
		b.mu.Lock()
		b.pending = append(taken, b.pending...)
		b.lastSeq = firstSeq - 1
		b.mu.Unlock()
		return fmt.Errorf("persisting batch starting at seq %d: %w", firstSeq, err)
	}
	return nil
}

// Run drives the periodic safety flush so a stalled turn still persists
// partial output. Returns after ctx is done and a final flush has run.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer close(b.done)

	for {
		select {
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				slog.WarnContext(ctx, "periodic flush failed, batch requeued", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				slog.ErrorContext(flushCtx, "final flush failed", "error", err)
			}
			cancel()
			return
		}
	}
}

// Wait blocks until Run has completed its final flush.
func (b *Buffer) Wait() {
	<-b.done
}

// LastSeq returns the buffer's local watermark.
func (b *Buffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// PendingLen returns the number of unpersisted events (for health checks).
func (b *Buffer) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// mergeText coalesces two text events and reports the combined text length so
// the flush threshold measures the text itself, not its JSON encoding.
func mergeText(a, b event.Semantic) (event.Semantic, int, error) {
	first, err := event.DecodeData[event.TextData](a)
	if err != nil {
		return event.Semantic{}, 0, err
	}
	second, err := event.DecodeData[event.TextData](b)
	if err != nil {
		return event.Semantic{}, 0, err
	}
	combined := first.Text + second.Text
	data, err := json.Marshal(event.TextData{Text: combined})
	if err != nil {
		return event.Semantic{}, 0, fmt.Errorf("merging text events: %w", err)
	}
	a.Data = data
	return a, len(combined), nil
}
