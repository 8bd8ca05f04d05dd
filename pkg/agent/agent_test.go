package agent

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

// scriptedLLM replays canned responses and records requests.
type scriptedLLM struct {
	responses []*llm.Response
	errs      []error
	requests  []llm.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return &llm.Response{Content: "{}", StopReason: llm.StopReasonEndTurn}, nil
}

func (s *scriptedLLM) Available(context.Context) bool { return true }

type blockingAgent struct {
	source models.EvidenceSource
}

func (a *blockingAgent) Name() models.EvidenceSource { return a.source }

func (a *blockingAgent) Collect(ctx context.Context, _ models.Snapshot) (models.Patch, error) {
	<-ctx.Done()
	return models.Patch{}, ctx.Err()
}

type staticAgent struct {
	source models.EvidenceSource
	patch  models.Patch
	err    error
}

func (a *staticAgent) Name() models.EvidenceSource { return a.source }

func (a *staticAgent) Collect(context.Context, models.Snapshot) (models.Patch, error) {
	return a.patch, a.err
}

func testSnapshot(query string) models.Snapshot {
	incidentTime := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	req := &models.AnalysisRequest{Query: query, Timestamp: incidentTime.Format(time.RFC3339)}
	planner := NewPlanner(nil, "", 0, slog.Default())
	return models.Snapshot{
		AnalysisID: "test-run",
		Query:      query,
		Plan:       planner.Plan(context.Background(), req, incidentTime),
	}
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	patch, rec := Execute(context.Background(), &blockingAgent{source: models.SourceMetrics},
		models.Snapshot{}, 20*time.Millisecond, slog.Default())

	assert.Equal(t, models.StatusTimedOut, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "timed out")
}

func TestExecuteClassifiesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, rec := Execute(ctx, &blockingAgent{source: models.SourceLog},
		models.Snapshot{}, time.Second, slog.Default())
	assert.Equal(t, models.StatusCancelled, rec.Status)
}

func TestExecuteClassifiesFailure(t *testing.T) {
	patch, rec := Execute(context.Background(),
		&staticAgent{source: models.SourceRAG, err: fmt.Errorf("index corrupt")},
		models.Snapshot{}, time.Second, slog.Default())

	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "index corrupt")
	require.Len(t, patch.Errors, 1)
}

func TestExecuteSuccessKeepsEvidence(t *testing.T) {
	want := models.Patch{Evidence: []models.Evidence{{ID: "ev-1", Source: models.SourceLog, Content: "x"}}}
	patch, rec := Execute(context.Background(),
		&staticAgent{source: models.SourceLog, patch: want},
		models.Snapshot{}, time.Second, slog.Default())

	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.EvidenceCount)
	assert.Equal(t, want.Evidence, patch.Evidence)
}
