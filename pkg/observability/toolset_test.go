package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/llm"
)

type fakeMetrics struct {
	instantSamples []Sample
	rangeSeries    []Series
	alerts         []Alert
	targets        []Target
	err            error
}

func (f *fakeMetrics) Instant(context.Context, string, time.Time) ([]Sample, error) {
	return f.instantSamples, f.err
}

func (f *fakeMetrics) Range(context.Context, string, QueryRange) ([]Series, error) {
	return f.rangeSeries, f.err
}

func (f *fakeMetrics) Alerts(context.Context) ([]Alert, error) { return f.alerts, f.err }

func (f *fakeMetrics) Targets(context.Context) ([]Target, error) { return f.targets, f.err }

func (f *fakeMetrics) ActiveJobs(context.Context, time.Time) ([]string, error) {
	return []string{"api-gateway"}, f.err
}

func (f *fakeMetrics) Available(context.Context) bool { return f.err == nil }

type fakeDashboards struct {
	metas       []DashboardMeta
	dashboard   *Dashboard
	annotations []Annotation
	err         error
}

func (f *fakeDashboards) Search(context.Context, string, []string) ([]DashboardMeta, error) {
	return f.metas, f.err
}

func (f *fakeDashboards) Dashboard(context.Context, string) (*Dashboard, error) {
	return f.dashboard, f.err
}

func (f *fakeDashboards) Annotations(context.Context, time.Time, time.Time, []string) ([]Annotation, error) {
	return f.annotations, f.err
}

func (f *fakeDashboards) Available(context.Context) bool { return f.err == nil }

func call(name string, args map[string]any) llm.ToolCall {
	input, _ := json.Marshal(args)
	return llm.ToolCall{ID: "call-1", Name: name, Input: input}
}

func TestExecuteMetricsRange(t *testing.T) {
	executor := NewToolExecutor(&fakeMetrics{
		rangeSeries: []Series{{
			Labels: map[string]string{"job": "api-gateway"},
			Points: []Point{
				{Time: time.Now(), Value: 1},
				{Time: time.Now(), Value: 5},
			},
		}},
	}, &fakeDashboards{}, nil)

	result := executor.Execute(context.Background(), call(ToolMetricsRange, map[string]any{
		"expr":  `rate(http_requests_total{status=~"5.."}[1m])`,
		"start": "2024-01-15T14:00:00Z",
		"end":   "2024-01-15T15:00:00Z",
		"step":  "30s",
	}))

	require.False(t, result.IsError, result.Content)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content), &parsed))
	assert.EqualValues(t, 1, parsed["count"])
}

func TestExecuteBackendErrorIsInBand(t *testing.T) {
	executor := NewToolExecutor(&fakeMetrics{err: fmt.Errorf("connection refused")},
		&fakeDashboards{}, nil)

	result := executor.Execute(context.Background(), call(ToolMetricsAlerts, map[string]any{}))

	assert.True(t, result.IsError)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Content), &parsed))
	assert.Equal(t, "error", parsed["status"])
	assert.Contains(t, parsed["error"], "connection refused")
}

func TestExecuteUnknownTool(t *testing.T) {
	executor := NewToolExecutor(&fakeMetrics{}, &fakeDashboards{}, nil)

	result := executor.Execute(context.Background(), call("metrics_delete_all", map[string]any{}))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "unknown tool")
}

func TestExecuteMalformedArguments(t *testing.T) {
	executor := NewToolExecutor(&fakeMetrics{}, &fakeDashboards{}, nil)

	result := executor.Execute(context.Background(), call(ToolMetricsRange, map[string]any{
		"expr":  "up",
		"start": "not-a-time",
		"end":   "2024-01-15T15:00:00Z",
		"step":  "30s",
	}))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "invalid start")
}

func TestExecuteDashboardTools(t *testing.T) {
	executor := NewToolExecutor(&fakeMetrics{}, &fakeDashboards{
		metas: []DashboardMeta{{UID: "abc", Title: "API Overview"}},
		dashboard: &Dashboard{
			UID:    "abc",
			Title:  "API Overview",
			Panels: []Panel{{ID: 1, Title: "5xx rate", Type: "timeseries"}},
		},
		annotations: []Annotation{{ID: 7, Time: 1705329000000, Text: "deploy v42", Tags: []string{"deployment"}}},
	}, nil)

	search := executor.Execute(context.Background(), call(ToolDashboardsSearch, map[string]any{"query": "api"}))
	require.False(t, search.IsError)
	assert.Contains(t, search.Content, "API Overview")

	get := executor.Execute(context.Background(), call(ToolDashboardGet, map[string]any{"uid": "abc"}))
	require.False(t, get.IsError)
	assert.Contains(t, get.Content, "5xx rate")

	ann := executor.Execute(context.Background(), call(ToolDashboardAnnotations, map[string]any{
		"start": "2024-01-15T14:00:00Z",
		"end":   "2024-01-15T15:00:00Z",
	}))
	require.False(t, ann.IsError)
	assert.Contains(t, ann.Content, "deploy v42")
}

func TestToolDefinitionsVocabulary(t *testing.T) {
	defs := ToolDefinitions()
	require.Len(t, defs, 7)

	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description)
		assert.Contains(t, def.InputSchema, "properties")
	}
	for _, want := range []string{
		ToolMetricsInstant, ToolMetricsRange, ToolMetricsAlerts, ToolMetricsTargets,
		ToolDashboardsSearch, ToolDashboardGet, ToolDashboardAnnotations,
	} {
		assert.True(t, names[want], want)
	}
}

func TestComputeStats(t *testing.T) {
	base := time.Now()
	stats := ComputeStats([]Point{
		{Time: base, Value: 2},
		{Time: base, Value: 4},
		{Time: base, Value: 6},
	})
	assert.Equal(t, 2.0, stats.Min)
	assert.Equal(t, 6.0, stats.Max)
	assert.Equal(t, 4.0, stats.Mean)
	assert.InDelta(t, 1.633, stats.Stddev, 0.001)

	assert.Equal(t, SeriesStats{}, ComputeStats(nil))
}

func TestAnnotationTimestamp(t *testing.T) {
	a := Annotation{Time: 1705329120000}
	assert.Equal(t, time.Date(2024, 1, 15, 14, 32, 0, 0, time.UTC), a.Timestamp())
}
