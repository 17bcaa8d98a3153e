package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/grantstream-io/grantstream/pkg/services"
)

// listRunsHandler handles GET /api/v1/runs with optional source_id, status,
// limit, and offset query parameters.
func (s *Server) listRunsHandler(c *gin.Context) {
	filter := services.RunListFilter{
		SourceID: c.Query("source_id"),
		Status:   c.Query("status"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}

	runs, total, err := s.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": total,
	})
}

// getRunHandler handles GET /api/v1/runs/:id, returning the run with its
// stages, per-opportunity paths, and duplicate detection session.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRunDetailResponse(run))
}

// getRawResponseHandler handles GET /api/v1/raw-responses/:id.
func (s *Server) getRawResponseHandler(c *gin.Context) {
	raw, err := s.opportunities.GetRawResponse(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRawResponseBody(raw))
}

// listOpportunitiesHandler handles GET /api/v1/opportunities.
func (s *Server) listOpportunitiesHandler(c *gin.Context) {
	filter := services.OpportunityListFilter{
		SourceID:    c.Query("source_id"),
		FundingType: c.Query("funding_type"),
		Agency:      c.Query("agency"),
		Limit:       intQuery(c, "limit", 50),
		Offset:      intQuery(c, "offset", 0),
	}

	opportunities, total, err := s.opportunities.ListOpportunities(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"opportunities": opportunities,
		"total":         total,
	})
}

// getOpportunityHandler handles GET /api/v1/opportunities/:id.
func (s *Server) getOpportunityHandler(c *gin.Context) {
	opportunity, err := s.opportunities.GetOpportunity(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, opportunity)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
