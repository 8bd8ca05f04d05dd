package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/models"
)

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "run:run-abc123", RunChannel("run-abc123"))
}

func TestNewEnvelopeStageEvent(t *testing.T) {
	count := 3
	env := NewEnvelope(models.StageEvent{
		AnalysisID:    "run-1",
		Stage:         "evidence_collection",
		Node:          "metrics",
		Status:        models.StatusCompleted,
		EvidenceCount: &count,
	})

	assert.Equal(t, EventTypeStageCompleted, env.Type)
	assert.Equal(t, "run-1", env.AnalysisID)
	assert.Equal(t, "metrics", env.Node)
	require.NotNil(t, env.EvidenceCount)
	assert.Equal(t, 3, *env.EvidenceCount)
	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.Timestamp)
}

func TestNewEnvelopeTerminalEvent(t *testing.T) {
	env := NewEnvelope(models.StageEvent{
		AnalysisID: "run-2",
		Stage:      "decision",
		Node:       "decision_gate",
		Status:     models.StatusCompleted,
		Response:   &models.AnalysisResponse{AnalysisID: "run-2", Status: models.DecisionAnswer},
	})

	assert.Equal(t, EventTypeRunCompleted, env.Type)
	require.NotNil(t, env.Response)
	assert.Equal(t, models.DecisionAnswer, env.Response.Status)
}

func TestEnvelopeEventIDsAreUnique(t *testing.T) {
	a := NewEnvelope(models.StageEvent{AnalysisID: "run-3"})
	b := NewEnvelope(models.StageEvent{AnalysisID: "run-3"})
	assert.NotEqual(t, a.EventID, b.EventID)
}
