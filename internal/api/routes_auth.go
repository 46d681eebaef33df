package api

import (
	"github.com/gin-gonic/gin"

	"github.com/healthlink/pulse/internal/handlers"
)

func registerAuthRoutes(r *gin.Engine, handler *handlers.AuthHandler) {
	group := r.Group("/api/auth")
	{
		group.POST("/login", handler.Login)
		group.POST("/register", handler.Register)
	}
}
