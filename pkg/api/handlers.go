package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/incidentops/triage/pkg/history"
	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/pipeline"
	"github.com/incidentops/triage/pkg/queue"
	"github.com/incidentops/triage/pkg/version"
)

// analyzeHandler handles POST /api/v1/analyze. Synchronous by default;
// async=true enqueues the run and returns its id immediately.
func (s *Server) analyzeHandler(c *gin.Context) {
	var req models.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		s.submitAsync(c, &req)
		return
	}

	analysisID := pipeline.NewAnalysisID()
	resp, err := s.executor.Execute(c.Request.Context(), analysisID, &req)
	if err != nil {
		s.logger.Error("Analysis failed", "analysis_id", analysisID, "error", err)
		writeError(c, http.StatusInternalServerError, "analysis failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// submitAsync enqueues the run on the worker pool.
func (s *Server) submitAsync(c *gin.Context, req *models.AnalysisRequest) {
	if s.pool == nil {
		writeError(c, http.StatusServiceUnavailable, "async processing not available")
		return
	}
	analysisID, err := s.pool.Submit(req)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(c, http.StatusTooManyRequests, "analysis queue full, retry later")
		return
	case errors.Is(err, queue.ErrDraining):
		writeError(c, http.StatusServiceUnavailable, "server shutting down")
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, "failed to queue analysis")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"analysis_id": analysisID,
		"status":      "queued",
	})
}

// getAnalysisHandler handles GET /api/v1/analysis/:id.
func (s *Server) getAnalysisHandler(c *gin.Context) {
	if s.store == nil {
		writeError(c, http.StatusServiceUnavailable, "history not available")
		return
	}
	analysisID := c.Param("id")
	resp, err := s.store.GetAnalysis(c.Request.Context(), analysisID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(c, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load analysis", "analysis_id", analysisID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// cancelAnalysisHandler handles POST /api/v1/analysis/:id/cancel.
func (s *Server) cancelAnalysisHandler(c *gin.Context) {
	if s.pool == nil {
		writeError(c, http.StatusServiceUnavailable, "async processing not available")
		return
	}
	analysisID := c.Param("id")
	if !s.pool.CancelRun(analysisID) {
		writeError(c, http.StatusNotFound, "no active run with that id")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analysis_id": analysisID,
		"status":      "cancelling",
	})
}

// queryIncidentsHandler handles GET /api/v1/incidents.
func (s *Server) queryIncidentsHandler(c *gin.Context) {
	if s.store == nil {
		writeError(c, http.StatusServiceUnavailable, "history not available")
		return
	}
	var req models.IncidentQueryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.store.QueryIncidents(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("Incident query failed", "query", req.Query, "error", err)
		writeError(c, http.StatusInternalServerError, "incident query failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// analyzeImageHandler handles POST /api/v1/images/analyze.
func (s *Server) analyzeImageHandler(c *gin.Context) {
	if s.images == nil {
		writeError(c, http.StatusServiceUnavailable, "vision model not available")
		return
	}
	var req models.ImageAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	img := models.ImageAttachment{Data: req.ImageData}
	if strings.ContainsAny(req.ImageData, "/\\") && !strings.HasPrefix(req.ImageData, "data:") {
		img = models.ImageAttachment{Path: req.ImageData}
	}

	contextText := "dashboard screenshot"
	if req.TimeWindow != "" {
		contextText += " covering " + req.TimeWindow
	}
	resp, err := s.images.AnalyzeOne(c.Request.Context(), img, contextText)
	if err != nil {
		s.logger.Error("Image analysis failed", "error", err)
		writeError(c, http.StatusInternalServerError, "image analysis failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// healthHandler handles GET /api/v1/health. Reports degraded rather
// than failing when a backend is down.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), availabilityTimeout)
	defer cancel()

	available := make(map[string]bool, len(s.availability))
	allUp := true
	for name, checker := range s.availability {
		up := checker.Available(ctx)
		available[name] = up
		allUp = allUp && up
	}

	status := "healthy"
	if !allUp {
		status = "degraded"
	}
	if s.pool != nil {
		if health := s.pool.Health(); !health.IsHealthy {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:          status,
		Timestamp:       time.Now().UTC(),
		Version:         version.Full(),
		ModelsAvailable: available,
	})
}

// wsHandler upgrades to WebSocket and delegates to ConnectionManager.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		writeError(c, http.StatusServiceUnavailable, "WebSocket not available")
		return
	}

	opts := &websocket.AcceptOptions{}
	for _, origin := range s.wsOrigins {
		if origin == "*" {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
