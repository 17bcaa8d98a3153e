package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// processSourceHandler handles POST /api/v1/sources/:id/process.
// Enqueues a run and returns 202 immediately; a worker picks it up.
func (s *Server) processSourceHandler(c *gin.Context) {
	run, err := s.runs.EnqueueRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &EnqueuedRunResponse{
		RunID:    run.ID,
		SourceID: run.SourceID,
		Status:   string(run.Status),
		Message:  "Run enqueued for processing",
	})
}

// processNextHandler handles POST /api/v1/process.
// Enqueues a run for the active source that has waited longest since its
// last check.
func (s *Server) processNextHandler(c *gin.Context) {
	source, err := s.sources.NextDueSource(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	run, err := s.runs.EnqueueRun(c.Request.Context(), source.ID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &EnqueuedRunResponse{
		RunID:    run.ID,
		SourceID: run.SourceID,
		Status:   string(run.Status),
		Message:  "Run enqueued for processing",
	})
}
