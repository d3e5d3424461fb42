package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/dto"
	"github.com/parleyhq/parley/internal/service"
)

type TurnHandler struct {
	service service.TurnService
}

func NewTurnHandler(service service.TurnService) *TurnHandler {
	return &TurnHandler{service: service}
}

func (h *TurnHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req dto.StartTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid turn request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Start(ctx, service.TurnStartParams{
		ConversationID: conversationID,
		Message:        req.Message,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, service.ErrTurnInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "turn already in progress"})
		default:
			slog.ErrorContext(ctx, "failed to start turn", "error", err, "conversation_id", conversationID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start turn"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.StartTurnResponse{
		StreamURL:   result.StreamURL,
		StreamToken: result.StreamToken,
		Watermark:   result.Watermark,
	})
}
