package api

import (
	"github.com/gin-gonic/gin"

	"github.com/healthlink/pulse/internal/handlers"
)

func registerAccessRequestRoutes(api *gin.RouterGroup, handler *handlers.AccessRequestHandler) {
	group := api.Group("/access-requests")
	{
		group.POST("", handler.Create)
		group.GET("/status", handler.Status)
		group.POST("/:id/decision", handler.Decide)
	}
}
