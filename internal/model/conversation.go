package model

import "time"

// ExecutorStatus marks a conversation whose remote compute session is being
// created. The marker plus its timestamp form the spawn lock: only one
// control-plane request may hold "spawning" at a time, and a marker older
// than the staleness window is treated as abandoned.
type ExecutorStatus string

const (
	ExecutorStatusSpawning ExecutorStatus = "spawning"
)

// Conversation is the single shared mutable row coordinating racing
// control-plane instances: spawn lock, session references, watermark and
// per-turn tokens all live here as conditionally updated columns.
type Conversation struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ID int64 `json:"id"`

	// SessionID is the durable correlation id minted at conversation
	// creation; it names the logical agent session across sandbox rebuilds.
	SessionID string `json:"session_id"`

	IsProcessing bool `json:"is_processing"`

	ExecutorStatus    *ExecutorStatus `json:"executor_status,omitempty"`
	ExecutorUpdatedAt *time.Time      `json:"executor_updated_at,omitempty"`

	// SandboxRef is the opaque handle to the live remote compute session.
	SandboxRef *string `json:"sandbox_ref,omitempty"`

	// AgentSessionID is the engine's resumable model-session handle. Only
	// honored while the sandbox that minted it is still alive.
	AgentSessionID *string `json:"agent_session_id,omitempty"`

	// RunnerToken is the sandbox-scoped bearer the control plane uses when
	// calling into the bridge. Minted at spawn, it outlives the per-turn
	// tokens and dies with the sandbox reference.
	RunnerToken *string `json:"-"`

	// LastSequenceNum is the watermark: the highest persisted event sequence
	// number. Never decreases.
	LastSequenceNum int64 `json:"last_sequence_num"`

	// Ephemeral per-turn bearer credentials. Rotated at turn start,
	// invalidated when the turn completes.
	StreamToken  *string `json:"stream_token,omitempty"`
	PersistToken *string `json:"persist_token,omitempty"`
}

// SpawnLockStale reports whether a held spawn lock is older than the
// staleness window and may be stolen.
func (c *Conversation) SpawnLockStale(staleAfter time.Duration, now time.Time) bool {
	if c.ExecutorStatus == nil {
		return true
	}
	if c.ExecutorUpdatedAt == nil {
		return false
	}
	return now.Sub(*c.ExecutorUpdatedAt) > staleAfter
}
