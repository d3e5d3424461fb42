package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/service"
)

type StopHandler struct {
	service service.StopService
}

func NewStopHandler(service service.StopService) *StopHandler {
	return &StopHandler{service: service}
}

// Stop is idempotent: stopping an idle conversation succeeds without effect.
func (h *StopHandler) Stop(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	if err := h.service.Stop(ctx, conversationID); err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to stop turn", "error", err, "conversation_id", conversationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop turn"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
