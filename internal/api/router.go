package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/app"
	iauth "github.com/healthlink/pulse/internal/auth"
	"github.com/healthlink/pulse/internal/handlers"
	"github.com/healthlink/pulse/internal/middleware"
	"github.com/healthlink/pulse/internal/realtime"
	"github.com/healthlink/pulse/internal/services"
	"github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/response"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, hub *realtime.Hub, cfg *app.Config) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	notificationSvc, err := services.NewNotificationService(db, hub)
	if err != nil {
		return nil, err
	}
	accessSvc, err := services.NewAccessRequestService(db, notificationSvc, cfg.Maintenance.RequestTTL)
	if err != nil {
		return nil, err
	}
	paymentSvc, err := services.NewPaymentService(db, hub, services.PaymentServiceConfig{
		GatewayURL:      cfg.Payments.GatewayURL,
		DefaultCurrency: cfg.Payments.Currency,
	})
	if err != nil {
		return nil, err
	}
	authSvc, err := services.NewAuthService(db, jwt)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	r.GET("/health", handlers.Health(db))

	authHandler := handlers.NewAuthHandler(authSvc)
	registerAuthRoutes(r, authHandler)

	requireAuth := middleware.Auth(jwt)
	api := r.Group("/api")
	api.Use(requireAuth)

	registerNotificationRoutes(api, handlers.NewNotificationHandler(notificationSvc))
	registerAccessRequestRoutes(api, handlers.NewAccessRequestHandler(accessSvc))
	registerPaymentRoutes(r, api, handlers.NewPaymentHandler(paymentSvc))

	realtimeHandler := handlers.NewRealtimeHandler(hub, jwt,
		realtime.StreamNotifications, realtime.StreamPayments)
	r.GET("/api/ws", realtimeHandler.Stream)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, errors.ErrNotFound)
	})

	return r, nil
}
