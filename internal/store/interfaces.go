package store

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSequence is returned when an event insert collides with an
// existing (conversation, sequence) pair. Under the watermark filter this
// indicates a concurrent writer, not data loss.
var ErrDuplicateSequence = errors.New("duplicate sequence number")

// ConversationStore defines the contract for conversation row access.
// The conversation row is the single shared mutable resource across racing
// control-plane instances; every coordination primitive (spawn lock,
// watermark, token rotation) is a conditional update on it.
type ConversationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error

	// GetForUpdate locks the row for the duration of the surrounding
	// transaction. Callers must run inside TxRunner.WithTx.
	GetForUpdate(ctx context.Context, id int64) (*model.Conversation, error)

	// AcquireSpawnLock conditionally marks the conversation "spawning".
	// Succeeds only when no live marker exists or the existing marker is
	// older than staleAfter. Returns acquired=false on contention.
	AcquireSpawnLock(ctx context.Context, id int64, staleAfter time.Duration) (bool, error)

	// ReleaseSpawnLock clears the spawning marker, storing sandboxRef and
	// the sandbox-scoped runner token on success or clearing both (nil)
	// after a failed spawn. The stored agent session id is dropped either
	// way: it belonged to the previous sandbox.
	ReleaseSpawnLock(ctx context.Context, id int64, sandboxRef, runnerToken *string) error

	// ClearSession drops sandbox and agent session references, the runner
	// token and any spawning marker, so the next turn bootstraps fresh.
	ClearSession(ctx context.Context, id int64) error

	SetAgentSessionID(ctx context.Context, id int64, agentSessionID string) error
	SetProcessing(ctx context.Context, id int64, processing bool) error

	// RotateTokens installs fresh per-turn bearer credentials.
	RotateTokens(ctx context.Context, id int64, streamToken, persistToken string) error

	// InvalidateTokens clears the per-turn credentials at turn end.
	InvalidateTokens(ctx context.Context, id int64) error

	// AdvanceWatermark sets last_sequence_num; refuses to move it backwards.
	AdvanceWatermark(ctx context.Context, id int64, seq int64) error
}

// EventStore defines the contract for chat event log access.
type EventStore interface {
	Insert(ctx context.Context, events []model.ChatEvent) error
	ListAfter(ctx context.Context, conversationID, afterSeq int64, limit int32) ([]model.ChatEvent, error)
}
