package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/response"
)

// Health reports service liveness and database reachability.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				response.Error(c, errors.New("HEALTH_DEGRADED", "database unreachable", http.StatusServiceUnavailable))
				return
			}
		}

		response.Success(c, http.StatusOK, gin.H{"status": status})
	}
}
