package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listSourcesHandler handles GET /api/v1/sources.
func (s *Server) listSourcesHandler(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	sources, err := s.sources.ListSources(c.Request.Context(), activeOnly)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sources": toSourceResponses(sources),
		"total":   len(sources),
	})
}

// createSourceHandler handles POST /api/v1/sources.
// Returns 409 when the name+organization is too similar to an existing source.
func (s *Server) createSourceHandler(c *gin.Context) {
	var req CreateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source, err := s.sources.CreateSource(c.Request.Context(), req.toInput())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSourceResponse(source))
}

// getSourceHandler handles GET /api/v1/sources/:id.
func (s *Server) getSourceHandler(c *gin.Context) {
	source, err := s.sources.GetSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSourceResponse(source))
}

// updateSourceHandler handles PUT /api/v1/sources/:id.
func (s *Server) updateSourceHandler(c *gin.Context) {
	var req UpdateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source, err := s.sources.UpdateSource(c.Request.Context(), c.Param("id"), req.toInput())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSourceResponse(source))
}

// deleteSourceHandler handles DELETE /api/v1/sources/:id. Runs, opportunities,
// and configuration rows cascade.
func (s *Server) deleteSourceHandler(c *gin.Context) {
	if err := s.sources.DeleteSource(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
