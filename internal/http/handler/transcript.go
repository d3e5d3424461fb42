package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/dto"
	"github.com/parleyhq/parley/internal/service"
)

type TranscriptHandler struct {
	service service.TranscriptService
}

func NewTranscriptHandler(service service.TranscriptService) *TranscriptHandler {
	return &TranscriptHandler{service: service}
}

func (h *TranscriptHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var afterSeq int64
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after parameter"})
			return
		}
		afterSeq = parsed
	}

	var limit int32
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}
		limit = int32(parsed)
	}

	page, err := h.service.Events(ctx, conversationID, afterSeq, limit)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to list events", "error", err, "conversation_id", conversationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	events := make([]dto.TranscriptEvent, 0, len(page.Events))
	for _, row := range page.Events {
		sem := row.Semantic()
		events = append(events, dto.TranscriptEvent{
			ID:   sem.ID,
			Type: string(sem.Type),
			Data: sem.Data,
			Seq:  row.SequenceNum,
		})
	}

	c.JSON(http.StatusOK, dto.EventsResponse{
		Events:       events,
		Watermark:    page.Watermark,
		IsProcessing: page.IsProcessing,
	})
}
