package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type enumerates the semantic event kinds persisted to the chat event log
// and delivered over the live channel.
type Type string

const (
	TypeUserMessage  Type = "user_message"
	TypeText         Type = "text"
	TypeThinking     Type = "thinking"
	TypeToolUse      Type = "tool_use"
	TypeToolResult   Type = "tool_result"
	TypeTurnComplete Type = "turn_complete"
	TypeResult       Type = "result"
)

// Semantic is the translated, UI-meaningful unit of agent output.
// ID is a transport identifier used by clients to de-duplicate replays of the
// same live event; it is distinct from the persisted sequence number.
type Semantic struct {
	ID   string          `json:"id"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New builds a Semantic event with a fresh transport id.
// Marshal failures are programming errors (payload structs are all
// marshalable), surfaced as an empty data object rather than a panic.
func New(t Type, data any) Semantic {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return Semantic{
		ID:   uuid.New().String(),
		Type: t,
		Data: raw,
	}
}

// Text is a shorthand for a plain text event.
func Text(s string) Semantic {
	return New(TypeText, TextData{Text: s})
}

// TextData is the payload of a "text" event. Adjacent text events are
// coalesced by the event buffer before persistence.
type TextData struct {
	Text string `json:"text"`
}

// ThinkingData is the payload of a "thinking" event. Emitted once per
// reasoning block, after the block closes.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolUseData is the payload of a "tool_use" event.
type ToolUseData struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolResultData is the payload of a "tool_result" event.
type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TurnCompleteData is the payload of a "turn_complete" boundary event.
type TurnCompleteData struct{}

// Result statuses for the terminal "result" event of a turn.
const (
	ResultStatusCompleted   = "completed"
	ResultStatusError       = "error"
	ResultStatusUserStopped = "user_stopped"
)

// Usage is token accounting carried on the terminal result.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResultData is the payload of the terminal "result" event.
type ResultData struct {
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	Usage          *Usage  `json:"usage,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	AgentSessionID string  `json:"agent_session_id,omitempty"`
}

// UserMessageData is the payload of a "user_message" event.
type UserMessageData struct {
	Text string `json:"text"`
}

// DecodeData unmarshals an event payload into the given struct.
func DecodeData[T any](e Semantic) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decoding %s event data: %w", e.Type, err)
	}
	return out, nil
}
