package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grantstream-io/grantstream/pkg/services"
)

// getSystemConfigHandler handles GET /api/v1/system-config/:key.
// The global reprocessing flag reads as {"enabled": false} when unset.
func (s *Server) getSystemConfigHandler(c *gin.Context) {
	key := c.Param("key")

	if key == services.GlobalForceFullReprocessingKey {
		enabled, err := s.systemConfig.GetGlobalForceFullReprocessing(c.Request.Context())
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": gin.H{"enabled": enabled}})
		return
	}

	value, err := s.systemConfig.Get(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

// setSystemConfigHandler handles PUT /api/v1/system-config/:key.
func (s *Server) setSystemConfigHandler(c *gin.Context) {
	key := c.Param("key")

	if key == services.GlobalForceFullReprocessingKey {
		var req SetGlobalForceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.systemConfig.SetGlobalForceFullReprocessing(c.Request.Context(), req.Enabled); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": gin.H{"enabled": req.Enabled}})
		return
	}

	var value map[string]any
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.systemConfig.Set(c.Request.Context(), key, value); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}
