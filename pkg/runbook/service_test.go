package runbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/models"
)

const sampleRunbook = `# High Error Rate

## Symptoms

- 5xx responses above 1%

## Mitigation

- Roll back the most recent deployment
- Scale out the affected service
`

func newTestService(t *testing.T, handler http.HandlerFunc, domains []string) (*Service, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc := NewService(config.RunbookConfig{
		CacheTTL:       "1m",
		CacheSize:      8,
		AllowedDomains: domains,
	}, "", nil)
	svc.OverrideHTTPClientForTest(server.Client())
	return svc, server
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	svc, server := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(sampleRunbook))
	}, nil)

	content, err := svc.Resolve(context.Background(), server.URL+"/runbooks/errors.md")
	require.NoError(t, err)
	assert.Contains(t, content, "High Error Rate")

	_, err = svc.Resolve(context.Background(), server.URL+"/runbooks/errors.md")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveRejectsDisallowedDomain(t *testing.T) {
	svc := NewService(config.RunbookConfig{
		AllowedDomains: []string{"github.com"},
	}, "", nil)

	_, err := svc.Resolve(context.Background(), "https://evil.example.com/runbook.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed list")
}

func TestResolveSurfacesHTTPErrors(t *testing.T) {
	svc, server := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	_, err := svc.Resolve(context.Background(), server.URL+"/missing.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func runbookEvidence(url string) models.Evidence {
	return models.Evidence{
		ID:      "rag-1",
		Source:  models.SourceRAG,
		Content: "Runbook guidance: high error rate playbook",
		Metadata: map[string]any{
			"kind":  "runbook",
			"title": "High Error Rate",
			"url":   url,
		},
	}
}

func TestActionsForFetchesFirstMitigationStep(t *testing.T) {
	svc, server := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRunbook))
	}, nil)

	actions := svc.ActionsFor(context.Background(), []models.Evidence{
		runbookEvidence(server.URL + "/errors.md"),
		{ID: "rag-2", Source: models.SourceRAG, Metadata: map[string]any{"kind": "historical_incident"}},
	}, 3)

	require.Len(t, actions, 1)
	assert.Contains(t, actions[0], `Follow runbook "High Error Rate"`)
	assert.Contains(t, actions[0], "Roll back the most recent deployment")
}

func TestActionsForKeepsURLOnFetchFailure(t *testing.T) {
	svc, server := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	actions := svc.ActionsFor(context.Background(), []models.Evidence{
		runbookEvidence(server.URL + "/errors.md"),
	}, 3)

	require.Len(t, actions, 1)
	assert.Contains(t, actions[0], "Consult runbook")
	assert.Contains(t, actions[0], server.URL)
}

func TestActionsForDeduplicatesAndCaps(t *testing.T) {
	svc, server := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRunbook))
	}, nil)

	evidence := []models.Evidence{
		runbookEvidence(server.URL + "/a.md"),
		runbookEvidence(server.URL + "/a.md"),
		runbookEvidence(server.URL + "/b.md"),
		runbookEvidence(server.URL + "/c.md"),
	}

	actions := svc.ActionsFor(context.Background(), evidence, 2)
	assert.Len(t, actions, 2)
}

func TestFirstStepFallsBackToFirstListItem(t *testing.T) {
	content := "# Playbook\n\nSome prose.\n\n- check the dashboard\n- page the oncall\n"
	assert.Equal(t, "check the dashboard", firstStep(content))

	assert.Equal(t, "", firstStep("# Playbook\n\nOnly prose here.\n"))
}
