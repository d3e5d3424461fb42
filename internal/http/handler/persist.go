package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/eventlog"
	"github.com/parleyhq/parley/internal/http/dto"
	"github.com/parleyhq/parley/internal/service"
)

type PersistHandler struct {
	service service.PersistService
}

func NewPersistHandler(service service.PersistService) *PersistHandler {
	return &PersistHandler{service: service}
}

// Apply ingests a runner event batch. The bearer token is the per-turn
// persist token minted at turn start; a stale token is rejected so a runner
// from an aborted turn cannot write into a newer one.
func (h *PersistHandler) Apply(c *gin.Context) {
	ctx := c.Request.Context()

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var batch eventlog.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		slog.WarnContext(ctx, "invalid persist request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if batch.ConversationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing conversation id"})
		return
	}

	result, err := h.service.Apply(ctx, service.PersistParams{
		ConversationID: batch.ConversationID,
		Token:          token,
		Batch:          batch,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, service.ErrInvalidPersistToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid persist token"})
		case errors.Is(err, service.ErrConversationMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id mismatch"})
		default:
			slog.ErrorContext(ctx, "failed to apply event batch",
				"error", err, "conversation_id", batch.ConversationID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply event batch"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.PersistResponse{
		Applied:   result.Applied,
		Watermark: result.Watermark,
	})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
