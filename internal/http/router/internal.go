package router

import (
	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/handler"
)

// InternalRouter mounts routes reserved for runner-to-control-plane calls.
// They are bearer-token authenticated per conversation, not user facing.
func InternalRouter(rg *gin.RouterGroup, persist *handler.PersistHandler) {
	rg.POST("/events", persist.Apply)
}
