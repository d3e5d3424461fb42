package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/service"
)

const liveReadBlock = 25 * time.Second

// EventSource is the mirror reader behind the fallback live endpoint.
type EventSource interface {
	Read(ctx context.Context, conversationID int64, lastID string, block time.Duration, count int64) ([]queue.Entry, string, error)
}

// LiveHandler serves the redis-backed fallback live stream. Clients that
// cannot reach the sandbox stream directly attach here and receive events as
// they are persisted, slightly behind the sandbox stream but with the same
// replay ids.
type LiveHandler struct {
	conversations service.ConversationService
	source        EventSource
}

func NewLiveHandler(conversations service.ConversationService, source EventSource) *LiveHandler {
	return &LiveHandler{conversations: conversations, source: source}
}

func (h *LiveHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live mirror not configured"})
		return
	}

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	token := bearerToken(c)
	if token == "" {
		token = c.Query("token") // EventSource cannot set headers
	}
	// The stream token is per turn; outside a turn there is nothing live to
	// watch and no valid credential, so the subscription is refused.
	if conv.StreamToken == nil || token == "" || token != *conv.StreamToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	lastID := c.Query("last_id")

	setSSEHeaders(c.Writer)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sseWrite(c.Writer, "init", map[string]any{
		"conversationId": conv.ID,
		"watermark":      conv.LastSequenceNum,
		"turnActive":     conv.IsProcessing,
	})
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, nextID, err := h.source.Read(ctx, conversationID, lastID, liveReadBlock, 100)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sseWrite(c.Writer, "error", map[string]string{"error": "mirror read failed"})
			flusher.Flush()
			continue
		}
		lastID = nextID

		if len(entries) == 0 {
			sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
			continue
		}

		for _, entry := range entries {
			sseWrite(c.Writer, "event", map[string]any{
				"id":   fmt.Sprintf("seq-%d-%d", conversationID, entry.Seq),
				"type": string(entry.Type),
				"data": entry.Data,
				"seq":  entry.Seq,
			})
		}
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
