// Package agent implements the evidence-collection layer: the planner
// that scopes a run, the five parallel collectors, and the bounded
// tool-calling enrichment loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/incidentops/triage/pkg/models"
)

// EvidenceAgent is one evidence collector. Collect reads only the
// snapshot and returns an additive patch; it never mutates shared state.
// A non-nil error marks the agent failed, but any evidence in the patch
// is still applied.
type EvidenceAgent interface {
	Name() models.EvidenceSource
	Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error)
}

// Execute runs one agent under its soft timeout and classifies the
// outcome into a history record. An agent that exceeds the timeout or is
// cancelled contributes whatever partial patch it returned; the run as a
// whole continues.
func Execute(ctx context.Context, agent EvidenceAgent, snap models.Snapshot, timeout time.Duration, logger *slog.Logger) (models.Patch, models.AgentRecord) {
	started := time.Now().UTC()
	rec := models.AgentRecord{
		Agent:     string(agent.Name()),
		Status:    models.StatusActive,
		StartedAt: started,
	}

	agentCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	patch, err := agent.Collect(agentCtx, snap)
	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	rec.EvidenceCount = len(patch.Evidence)
	rec.Iterations = patch.Iterations

	switch {
	case err == nil:
		rec.Status = models.StatusCompleted
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = models.StatusTimedOut
		rec.Error = err.Error()
		patch.Errors = append(patch.Errors, fmt.Sprintf("%s agent timed out after %s", agent.Name(), timeout))
	case errors.Is(err, context.Canceled):
		rec.Status = models.StatusCancelled
		rec.Error = err.Error()
	default:
		rec.Status = models.StatusFailed
		rec.Error = err.Error()
		patch.Errors = append(patch.Errors, fmt.Sprintf("%s agent: %v", agent.Name(), err))
	}

	logger.Info("Agent finished",
		"agent", agent.Name(),
		"status", rec.Status,
		"evidence", rec.EvidenceCount,
		"duration", completed.Sub(started).Round(time.Millisecond))
	return patch, rec
}

func newEvidenceID(source models.EvidenceSource) string {
	return fmt.Sprintf("%s-%s", source, uuid.NewString()[:8])
}

func clampConfidence(c, lo, hi float64) float64 {
	if c < lo {
		return lo
	}
	if c > hi {
		return hi
	}
	return c
}
