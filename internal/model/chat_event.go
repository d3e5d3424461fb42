package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/event"
)

// ChatEvent is one immutable row of a conversation's event log. The ordered
// sequence of ChatEvents is the sole source of truth for reconstructing the
// transcript; rows are never mutated or deleted under normal operation.
type ChatEvent struct {
	CreatedAt      time.Time       `json:"created_at"`
	Data           json.RawMessage `json:"data"`
	Type           event.Type      `json:"type"`
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	SequenceNum    int64           `json:"sequence_num"`
}

// Semantic converts a persisted row back to its transport form. The transport
// id for replayed rows is derived from the sequence number so that a client
// that saw the live event and then polls the log de-duplicates consistently
// only on live-channel replays, never across the two channels.
func (e ChatEvent) Semantic() event.Semantic {
	return event.Semantic{
		ID:   replayID(e.ConversationID, e.SequenceNum),
		Type: e.Type,
		Data: e.Data,
	}
}

func replayID(conversationID, seq int64) string {
	return fmt.Sprintf("seq-%d-%d", conversationID, seq)
}
