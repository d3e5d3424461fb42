package engine

import (
	"context"
	"encoding/json"
)

// Kind tags the variants of the engine's native message stream. Raw engine
// message shapes never leak past the event translator; this union is the
// only surface the rest of the system sees.
type Kind string

const (
	// KindMessageStart begins a new assistant turn.
	KindMessageStart Kind = "message_start"
	// KindTextDelta carries an incremental fragment of assistant text.
	KindTextDelta Kind = "text_delta"
	// KindThinkingDelta carries an incremental fragment of a reasoning block.
	KindThinkingDelta Kind = "thinking_delta"
	// KindThinking carries a complete reasoning block in one message.
	KindThinking Kind = "thinking"
	// KindBlockStop closes the content block at BlockIndex.
	KindBlockStop Kind = "block_stop"
	// KindToolUse is a complete tool invocation block.
	KindToolUse Kind = "tool_use"
	// KindToolResult is the engine-side result of a tool invocation.
	KindToolResult Kind = "tool_result"
	// KindSubtaskNotice is a sub-task lifecycle notice (spawn/finish).
	KindSubtaskNotice Kind = "subtask_notice"
	// KindResult is the terminal result of the run.
	KindResult Kind = "result"
)

// Message is one element of the raw engine stream.
type Message struct {
	Kind Kind

	// MessageID identifies the underlying model message; used to attribute
	// reasoning blocks and drop repeats of the same message.
	MessageID string

	BlockIndex int

	Text              string
	Thinking          string
	ThinkingSignature string

	ToolUse    *ToolUse
	ToolResult *ToolResult
	Subtask    *SubtaskNotice
	Result     *Result
}

type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type SubtaskNotice struct {
	SubtaskID string
	Phase     string // "started" | "finished"
	Label     string
}

type Result struct {
	Status         string // "completed" | "error" | "interrupted"
	Error          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	AgentSessionID string
}

// RunInput is the collaborator contract with the model-execution engine:
// a prompt or content-block list plus an optional resumable session id.
type RunInput struct {
	Prompt          string
	System          string
	ResumeSessionID string
}

// Stream yields raw engine messages in arrival order. Recv returns io.EOF
// after the terminal result; Close cancels the underlying call.
type Stream interface {
	Recv() (Message, error)
	Close() error
}

// Engine runs one model execution and exposes its raw message stream.
type Engine interface {
	Run(ctx context.Context, in RunInput) (Stream, error)
}
