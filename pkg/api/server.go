// Package api exposes the admin HTTP surface: source CRUD, run inspection,
// processing triggers, and the global reprocessing override.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/queue"
	"github.com/grantstream-io/grantstream/pkg/services"
)

// Server wires the service layer to the HTTP routes.
type Server struct {
	db            *database.Client
	sources       *services.SourceService
	runs          *services.RunService
	opportunities *services.OpportunityService
	systemConfig  *services.SystemConfigService
	pool          *queue.WorkerPool
}

// NewServer creates the API server. pool may be nil in batch-only deployments;
// the health endpoint then reports database health only.
func NewServer(
	db *database.Client,
	sources *services.SourceService,
	runs *services.RunService,
	opportunities *services.OpportunityService,
	systemConfig *services.SystemConfigService,
	pool *queue.WorkerPool,
) *Server {
	return &Server{
		db:            db,
		sources:       sources,
		runs:          runs,
		opportunities: opportunities,
		systemConfig:  systemConfig,
		pool:          pool,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sources", s.listSourcesHandler)
		v1.POST("/sources", s.createSourceHandler)
		v1.GET("/sources/:id", s.getSourceHandler)
		v1.PUT("/sources/:id", s.updateSourceHandler)
		v1.DELETE("/sources/:id", s.deleteSourceHandler)
		v1.POST("/sources/:id/process", s.processSourceHandler)

		v1.POST("/process", s.processNextHandler)

		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:id", s.getRunHandler)

		v1.GET("/opportunities", s.listOpportunitiesHandler)
		v1.GET("/opportunities/:id", s.getOpportunityHandler)
		v1.GET("/raw-responses/:id", s.getRawResponseHandler)

		v1.GET("/system-config/:key", s.getSystemConfigHandler)
		v1.PUT("/system-config/:key", s.setSystemConfigHandler)
	}

	return r
}
