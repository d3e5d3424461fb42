package router

import (
	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/handler"
)

func ConversationRouter(
	rg *gin.RouterGroup,
	conversations *handler.ConversationHandler,
	turns *handler.TurnHandler,
	transcripts *handler.TranscriptHandler,
	stops *handler.StopHandler,
	live *handler.LiveHandler,
) {
	rg.POST("", conversations.Create)
	rg.GET("/:id", conversations.Get)
	rg.POST("/:id/turns", turns.Start)
	rg.GET("/:id/events", transcripts.List)
	rg.POST("/:id/stop", stops.Stop)
	rg.GET("/:id/live", live.Stream)
}
