package router

import (
	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/handler"
	"github.com/parleyhq/parley/internal/service"
)

func SetupRoutes(router *gin.Engine, services *service.Services, live handler.EventSource) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		conversationHandler := handler.NewConversationHandler(services.Conversations)
		turnHandler := handler.NewTurnHandler(services.Turns)
		transcriptHandler := handler.NewTranscriptHandler(services.Transcript)
		stopHandler := handler.NewStopHandler(services.Stop)
		liveHandler := handler.NewLiveHandler(services.Conversations, live)
		ConversationRouter(v1.Group("/conversations"), conversationHandler, turnHandler, transcriptHandler, stopHandler, liveHandler)
	}

	internal := router.Group("/internal/v1")
	{
		persistHandler := handler.NewPersistHandler(services.Persist)
		InternalRouter(internal, persistHandler)
	}
}
