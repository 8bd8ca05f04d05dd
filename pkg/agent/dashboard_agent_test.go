package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/observability"
)

type stubDashboardClient struct {
	available   bool
	annotations []observability.Annotation
	annErr      error
	metas       map[string][]observability.DashboardMeta
	searchErr   error
}

func (s *stubDashboardClient) Search(ctx context.Context, query string, tags []string) ([]observability.DashboardMeta, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.metas[query], nil
}

func (s *stubDashboardClient) Dashboard(ctx context.Context, uid string) (*observability.Dashboard, error) {
	return &observability.Dashboard{UID: uid}, nil
}

func (s *stubDashboardClient) Annotations(ctx context.Context, start, end time.Time, tags []string) ([]observability.Annotation, error) {
	if s.annErr != nil {
		return nil, s.annErr
	}
	return s.annotations, nil
}

func (s *stubDashboardClient) Available(ctx context.Context) bool { return s.available }

func TestDashboardAgentScoresDeployMarkersHigh(t *testing.T) {
	ts := time.Date(2024, 1, 15, 14, 2, 0, 0, time.UTC)
	client := &stubDashboardClient{
		available: true,
		annotations: []observability.Annotation{
			{Time: ts.UnixMilli(), Text: "checkout-service v2.4.1 rollout", Tags: []string{"Deployment"}},
			{Time: ts.Add(5 * time.Minute).UnixMilli(), Text: "oncall note: errors climbing", Tags: []string{"note"}},
		},
	}
	agent := NewDashboardAgent(client, nil)

	patch, err := agent.Collect(context.Background(), testSnapshot("500 errors"))
	require.NoError(t, err)
	require.Len(t, patch.Evidence, 2)

	deploy := patch.Evidence[0]
	assert.Equal(t, models.SourceDashboard, deploy.Source)
	assert.InDelta(t, 0.9, deploy.Confidence, 1e-9)
	assert.Equal(t, "deployment_marker", deploy.Metadata["kind"])
	require.NotNil(t, deploy.Timestamp)
	assert.Equal(t, ts, *deploy.Timestamp)

	note := patch.Evidence[1]
	assert.InDelta(t, 0.6, note.Confidence, 1e-9)
	assert.Equal(t, "annotation", note.Metadata["kind"])
}

func TestDashboardAgentSearchesPerServiceAndDedupes(t *testing.T) {
	client := &stubDashboardClient{
		available: true,
		metas: map[string][]observability.DashboardMeta{
			"api-gateway": {
				{UID: "dash-api", Title: "API Gateway Overview"},
				{UID: "dash-shared", Title: "Service Health"},
			},
			"checkout": {
				{UID: "dash-shared", Title: "Service Health"},
			},
		},
	}
	agent := NewDashboardAgent(client, nil)

	snap := testSnapshot("errors")
	snap.Plan.AffectedServices = []string{"api-gateway", "checkout"}

	patch, err := agent.Collect(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, patch.Evidence, 2)

	uids := map[string]bool{}
	for _, ev := range patch.Evidence {
		assert.Equal(t, "dashboard", ev.Metadata["kind"])
		uids[ev.Metadata["uid"].(string)] = true
	}
	assert.True(t, uids["dash-api"])
	assert.True(t, uids["dash-shared"])
}

func TestDashboardAgentPartialFailure(t *testing.T) {
	client := &stubDashboardClient{
		available: true,
		annErr:    errors.New("annotations endpoint 502"),
		metas: map[string][]observability.DashboardMeta{
			"": {{UID: "dash-1", Title: "Overview"}},
		},
	}
	agent := NewDashboardAgent(client, nil)

	patch, err := agent.Collect(context.Background(), testSnapshot("errors"))
	require.NoError(t, err)
	assert.Len(t, patch.Evidence, 1)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "fetching annotations")
}

func TestDashboardAgentUnavailableBackend(t *testing.T) {
	agent := NewDashboardAgent(&stubDashboardClient{available: false}, nil)

	patch, err := agent.Collect(context.Background(), testSnapshot("errors"))
	require.NoError(t, err)
	assert.Empty(t, patch.Evidence)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "unavailable")

	nilAgent := NewDashboardAgent(nil, nil)
	patch, err = nilAgent.Collect(context.Background(), testSnapshot("errors"))
	require.NoError(t, err)
	assert.Len(t, patch.Errors, 1)
}
