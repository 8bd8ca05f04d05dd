package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

const inlinePNG = "data:image/png;base64,aGVsbG8="

func visionResponse(body string) *llm.Response {
	return &llm.Response{Content: body, StopReason: llm.StopReasonEndTurn}
}

func TestImageAgentBuildsEvidenceFromFindings(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{visionResponse(
		`{"metrics_observed": [{"name": "p99_latency", "observation": "spikes to 4s at 14:30"}],
		  "visual_anomalies": ["error rate steps up after 14:02"],
		  "confidence": 0.8}`)}}
	agent := NewImageAgent(client, "vision-model", 1024, nil)

	snap := testSnapshot("checkout latency")
	snap.Images = []models.ImageAttachment{{Data: inlinePNG}}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, patch.Evidence, 2)

	metric := patch.Evidence[0]
	assert.Equal(t, models.SourceImage, metric.Source)
	assert.Contains(t, metric.Content, "p99_latency")
	assert.Contains(t, metric.Content, "spikes to 4s")
	assert.InDelta(t, 0.8, metric.Confidence, 1e-9)

	anomaly := patch.Evidence[1]
	assert.Contains(t, anomaly.Content, "Visual anomaly")
	assert.Equal(t, "visual_anomaly", anomaly.Metadata["kind"])

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "vision-model", req.Model)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Images, 1)
	assert.Equal(t, "image/png", req.Messages[0].Images[0].MediaType)
	assert.Equal(t, "aGVsbG8=", req.Messages[0].Images[0].DataBase64)
}

func TestImageAgentIsolatesPerImageFailures(t *testing.T) {
	client := &scriptedLLM{
		errs: []error{errors.New("vision backend 529")},
		responses: []*llm.Response{nil, visionResponse(
			`{"metrics_observed": [], "visual_anomalies": ["flatline after 14:10"], "confidence": 0.6}`)},
	}
	agent := NewImageAgent(client, "vision-model", 1024, nil)

	snap := testSnapshot("dashboard looks wrong")
	snap.Images = []models.ImageAttachment{{Data: inlinePNG}, {Data: inlinePNG}}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, patch.Evidence, 1)
	assert.Contains(t, patch.Evidence[0].Content, "flatline")
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "inline image 1")
}

func TestImageAgentRejectsUnparseableResponse(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{visionResponse("the graph shows a spike")}}
	agent := NewImageAgent(client, "vision-model", 1024, nil)

	snap := testSnapshot("q")
	snap.Images = []models.ImageAttachment{{Data: inlinePNG}}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, patch.Evidence)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "unparseable")
}

func TestImageAgentWithoutImagesOrClient(t *testing.T) {
	agent := NewImageAgent(&scriptedLLM{}, "vision-model", 1024, nil)
	patch, err := agent.Collect(context.Background(), testSnapshot("q"))
	require.NoError(t, err)
	assert.Empty(t, patch.Evidence)

	noClient := NewImageAgent(nil, "vision-model", 1024, nil)
	snap := testSnapshot("q")
	snap.Images = []models.ImageAttachment{{Data: inlinePNG}}
	patch, err = noClient.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "vision model unavailable")
}

func TestAnalyzeOneReturnsStructuredFindings(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{visionResponse(
		`{"metrics_observed": [{"name": "error_rate", "observation": "climbing"}],
		  "visual_anomalies": [], "confidence": 0.95}`)}}
	agent := NewImageAgent(client, "vision-model", 1024, nil)

	resp, err := agent.AnalyzeOne(context.Background(),
		models.ImageAttachment{Data: inlinePNG}, "dashboard screenshot 14:00-15:00")
	require.NoError(t, err)
	require.Len(t, resp.MetricsObserved, 1)
	assert.Equal(t, "error_rate", resp.MetricsObserved[0]["name"])
	assert.NotNil(t, resp.VisualAnomalies)
	assert.Empty(t, resp.VisualAnomalies)
	// Vision reads are capped below certainty.
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
}

func TestLoadImagePayloadRejectsMalformedDataURI(t *testing.T) {
	_, err := loadImagePayload(models.ImageAttachment{Data: "data:image/png~nonsense"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed data URI")
}
