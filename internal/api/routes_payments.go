package api

import (
	"github.com/gin-gonic/gin"

	"github.com/healthlink/pulse/internal/handlers"
)

func registerPaymentRoutes(r *gin.Engine, api *gin.RouterGroup, handler *handlers.PaymentHandler) {
	group := api.Group("/payments")
	{
		group.POST("", handler.Create)
	}

	// Gateway callback. Registered outside the authenticated group because
	// the gateway holds no user token; deployment fronts it with a shared
	// secret or mTLS.
	r.POST("/api/payments/confirm", handler.Confirm)
}
