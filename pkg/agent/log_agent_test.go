package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/vector"
)

func TestLogAgentRanksRelevantLines(t *testing.T) {
	agent := NewLogAgent(vector.NewHashingEmbedder(), 20, nil)
	snap := testSnapshot("api gateway returning 500 errors")
	snap.Logs = []models.LogRecord{
		{Content: "GET /healthz 200 2ms", Level: "info", Service: "api-gateway"},
		{Content: "upstream returned 500 for POST /checkout", Level: "error", Service: "api-gateway", Timestamp: "2024-01-15T14:28:00Z"},
		{Content: "cache warmed in 120ms", Level: "info"},
	}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.NotEmpty(t, patch.Evidence)

	top := patch.Evidence[0]
	assert.Equal(t, models.SourceLog, top.Source)
	assert.Contains(t, top.Content, "500")
	assert.Equal(t, "api-gateway", top.Metadata["service"])
	require.NotNil(t, top.Timestamp)
	assert.Greater(t, top.Confidence, 0.5)
}

func TestLogAgentCapsEvidence(t *testing.T) {
	agent := NewLogAgent(vector.NewHashingEmbedder(), 2, nil)
	snap := testSnapshot("errors")
	for i := 0; i < 10; i++ {
		snap.Logs = append(snap.Logs, models.LogRecord{Content: "request failed with error", Level: "error"})
	}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(patch.Evidence), 2)
}

func TestLogAgentIncludesErrorLinesBeyondSearch(t *testing.T) {
	agent := NewLogAgent(vector.NewHashingEmbedder(), 20, nil)
	snap := testSnapshot("checkout latency regression")
	snap.Logs = []models.LogRecord{
		{Content: "panic: runtime error: invalid memory address", Level: "fatal"},
	}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.NotEmpty(t, patch.Evidence)
	assert.Contains(t, patch.Evidence[0].Content, "panic")
}

func TestLogAgentEmptyInput(t *testing.T) {
	agent := NewLogAgent(vector.NewHashingEmbedder(), 20, nil)
	snap := testSnapshot("anything")

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, patch.Evidence)
	assert.Empty(t, patch.Errors)
}
