package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/incidentops/triage/pkg/masking"
	"github.com/incidentops/triage/pkg/models"
)

// persistTimeout bounds the post-run write of results to history. The
// run context may already be cancelled by then, so persistence gets its
// own deadline on a background context.
const persistTimeout = 10 * time.Second

// Runner is the pipeline entry point the executor drives.
type Runner interface {
	RunWithID(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error)
}

// Recorder persists completed analyses. Implemented by history.Store.
type Recorder interface {
	SaveResponse(ctx context.Context, query string, resp *models.AnalysisResponse) error
}

// AnalysisExecutor wraps the pipeline with credential masking and
// history persistence. Attached logs are masked before the pipeline
// sees them; result evidence is masked before it is persisted or
// returned to callers.
type AnalysisExecutor struct {
	runner Runner
	masker *masking.Service
	store  Recorder
	logger *slog.Logger
}

// NewAnalysisExecutor builds the executor. store may be nil, which
// disables persistence.
func NewAnalysisExecutor(runner Runner, masker *masking.Service, store Recorder, logger *slog.Logger) *AnalysisExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisExecutor{
		runner: runner,
		masker: masker,
		store:  store,
		logger: logger.With("component", "executor"),
	}
}

// Execute implements Executor.
func (e *AnalysisExecutor) Execute(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error) {
	if e.masker != nil {
		req.Logs = e.masker.MaskLogRecords(req.Logs)
	}

	resp, err := e.runner.RunWithID(ctx, analysisID, req)
	if err != nil {
		return nil, fmt.Errorf("run analysis %s: %w", analysisID, err)
	}

	e.maskResponse(resp)
	e.persist(req.Query, resp)
	return resp, nil
}

// maskResponse scrubs credentials from all evidence bundles and the
// root cause text before the response leaves the process.
func (e *AnalysisExecutor) maskResponse(resp *models.AnalysisResponse) {
	if e.masker == nil {
		return
	}
	resp.RootCause = e.masker.MaskString(resp.RootCause)
	if resp.Evidence != nil {
		resp.Evidence.Logs = e.masker.MaskEvidence(resp.Evidence.Logs)
		resp.Evidence.RAG = e.masker.MaskEvidence(resp.Evidence.RAG)
		resp.Evidence.Metrics = e.masker.MaskEvidence(resp.Evidence.Metrics)
		resp.Evidence.Dashboards = e.masker.MaskEvidence(resp.Evidence.Dashboards)
		resp.Evidence.Images = e.masker.MaskEvidence(resp.Evidence.Images)
		resp.Evidence.ToolEnrichment = e.masker.MaskEvidence(resp.Evidence.ToolEnrichment)
	}
}

// persist writes the completed run to history on a background context.
func (e *AnalysisExecutor) persist(query string, resp *models.AnalysisResponse) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveResponse(ctx, query, resp); err != nil {
		e.logger.Error("Failed to persist analysis",
			"analysis_id", resp.AnalysisID, "error", err)
	}
}
