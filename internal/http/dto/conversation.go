package dto

import (
	"encoding/json"
	"time"
)

type ConversationResponse struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	IsProcessing bool      `json:"is_processing"`
	Watermark    int64     `json:"watermark"`
	CreatedAt    time.Time `json:"created_at"`
}

type StartTurnRequest struct {
	Message string `json:"message" binding:"required"`
}

type StartTurnResponse struct {
	StreamURL   string `json:"stream_url"`
	StreamToken string `json:"stream_token"`
	Watermark   int64  `json:"watermark"`
}

// TranscriptEvent carries a persisted event back to a polling client. ID is
// the replay id derived from the sequence number, so a client that saw the
// same event on the live channel can drop the duplicate.
type TranscriptEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  int64           `json:"seq"`
}

type EventsResponse struct {
	Events       []TranscriptEvent `json:"events"`
	Watermark    int64             `json:"watermark"`
	IsProcessing bool              `json:"is_processing"`
}

type PersistResponse struct {
	Applied   int   `json:"applied"`
	Watermark int64 `json:"watermark"`
}
