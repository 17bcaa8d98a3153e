package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/version"
)

// healthHandler handles GET /health. Reports database connectivity and, when
// a worker pool is attached, queue depth and worker status.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())

	body := gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	}
	status := http.StatusOK

	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		body["queue"] = poolHealth
		if !poolHealth.IsHealthy && status == http.StatusOK {
			body["status"] = "degraded"
		}
	}

	c.JSON(status, body)
}
