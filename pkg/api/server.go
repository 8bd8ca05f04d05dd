// Package api exposes the analysis pipeline over HTTP and WebSocket.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/incidentops/triage/pkg/events"
	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/queue"
)

// availabilityTimeout bounds each backend probe during a health check.
const availabilityTimeout = 3 * time.Second

// Submitter is the queue surface used for async runs. Implemented by
// queue.WorkerPool.
type Submitter interface {
	Submit(req *models.AnalysisRequest) (string, error)
	CancelRun(analysisID string) bool
	Health() *queue.PoolHealth
}

// AnalysisStore answers queries over persisted runs. Implemented by
// history.Store.
type AnalysisStore interface {
	GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisResponse, error)
	QueryIncidents(ctx context.Context, req models.IncidentQueryRequest) (*models.IncidentQueryResponse, error)
}

// ImageAnalyzer runs the vision model on a single screenshot.
// Implemented by agent.ImageAgent.
type ImageAnalyzer interface {
	AnalyzeOne(ctx context.Context, img models.ImageAttachment, contextText string) (*models.ImageAnalysisResponse, error)
}

// AvailabilityChecker probes one backend for the health endpoint.
type AvailabilityChecker interface {
	Available(ctx context.Context) bool
}

// Options carries the server's collaborators. Executor is required;
// everything else degrades to a reduced surface when nil.
type Options struct {
	Executor     queue.Executor
	Pool         Submitter
	Store        AnalysisStore
	Images       ImageAnalyzer
	ConnManager  *events.ConnectionManager
	Availability map[string]AvailabilityChecker

	AllowedWSOrigins []string
	Logger           *slog.Logger
}

// Server wires HTTP handlers to the pipeline, queue, and history.
type Server struct {
	executor     queue.Executor
	pool         Submitter
	store        AnalysisStore
	images       ImageAnalyzer
	connManager  *events.ConnectionManager
	availability map[string]AvailabilityChecker
	wsOrigins    []string
	logger       *slog.Logger
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		executor:     opts.Executor,
		pool:         opts.Pool,
		store:        opts.Store,
		images:       opts.Images,
		connManager:  opts.ConnManager,
		availability: opts.Availability,
		wsOrigins:    opts.AllowedWSOrigins,
		logger:       logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))
	router.Use(securityHeaders())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/analyze", s.analyzeHandler)
		v1.GET("/analysis/:id", s.getAnalysisHandler)
		v1.POST("/analysis/:id/cancel", s.cancelAnalysisHandler)
		v1.GET("/incidents", s.queryIncidentsHandler)
		v1.POST("/images/analyze", s.analyzeImageHandler)
		v1.GET("/health", s.healthHandler)
	}
	router.GET("/ws", s.wsHandler)

	return router
}
