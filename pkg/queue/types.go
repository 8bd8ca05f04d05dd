// Package queue runs queued analysis requests on a bounded worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/incidentops/triage/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull indicates the submission buffer is at capacity.
	ErrQueueFull = errors.New("analysis queue full")

	// ErrDraining indicates the pool is shutting down and no longer
	// accepts submissions.
	ErrDraining = errors.New("worker pool draining")
)

// Executor runs one analysis end to end. The executor owns masking and
// persistence; the worker only handles dequeueing, run registration,
// and health tracking.
type Executor interface {
	Execute(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error)
}

// job is one queued analysis waiting for a worker.
type job struct {
	analysisID string
	req        *models.AnalysisRequest
	enqueuedAt time.Time
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveRuns    int            `json:"active_runs"`
	MaxConcurrent int            `json:"max_concurrent"`
	QueueDepth    int            `json:"queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentAnalysisID string    `json:"current_analysis_id,omitempty"`
	RunsProcessed     int       `json:"runs_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
