package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

// Tool names in the enrichment vocabulary. The set is fixed: the
// reasoning model gets these seven operations and nothing else.
const (
	ToolMetricsInstant       = "metrics_instant"
	ToolMetricsRange         = "metrics_range"
	ToolMetricsAlerts        = "metrics_alerts"
	ToolMetricsTargets       = "metrics_targets"
	ToolDashboardsSearch     = "dashboards_search"
	ToolDashboardGet         = "dashboard_get"
	ToolDashboardAnnotations = "dashboard_annotations"
)

// ToolDefinitions returns the seven-tool vocabulary handed to the
// reasoning model.
func ToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolMetricsInstant,
			Description: "Evaluate a PromQL expression at a single instant. Returns current samples with labels.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expr": map[string]any{"type": "string", "description": "PromQL expression, e.g. rate(http_requests_total{status=~\"5..\"}[5m])"},
					"time": map[string]any{"type": "string", "description": "Optional RFC3339 evaluation time; defaults to now"},
				},
				"required": []string{"expr"},
			},
		},
		{
			Name:        ToolMetricsRange,
			Description: "Evaluate a PromQL expression over a time range. Returns time series with per-series statistics.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expr":  map[string]any{"type": "string", "description": "PromQL expression"},
					"start": map[string]any{"type": "string", "description": "RFC3339 range start"},
					"end":   map[string]any{"type": "string", "description": "RFC3339 range end"},
					"step":  map[string]any{"type": "string", "description": "Resolution step, e.g. 30s or 1m"},
				},
				"required": []string{"expr", "start", "end", "step"},
			},
		},
		{
			Name:        ToolMetricsAlerts,
			Description: "List currently firing and pending alerts.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolMetricsTargets,
			Description: "List active scrape targets and their health.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolDashboardsSearch,
			Description: "Search dashboards by free-text query and/or tags. Returns dashboard metadata including UIDs.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Free-text search query"},
					"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
		},
		{
			Name:        ToolDashboardGet,
			Description: "Fetch one dashboard's full panel definitions by UID.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"uid": map[string]any{"type": "string", "description": "Dashboard UID from dashboards_search"},
				},
				"required": []string{"uid"},
			},
		},
		{
			Name:        ToolDashboardAnnotations,
			Description: "Fetch dashboard annotations (deploy markers, alerts) within a time window.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start": map[string]any{"type": "string", "description": "RFC3339 window start"},
					"end":   map[string]any{"type": "string", "description": "RFC3339 window end"},
					"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"start", "end"},
			},
		},
	}
}

// ToolExecutor dispatches enrichment tool calls to the observability
// backends. Execution failures are returned as in-band error results so
// the enrichment loop can report them to the model instead of aborting.
type ToolExecutor struct {
	metrics    MetricsQuerier
	dashboards DashboardClient
	logger     *slog.Logger
}

// NewToolExecutor builds the executor for one pair of backend clients.
func NewToolExecutor(metrics MetricsQuerier, dashboards DashboardClient, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		metrics:    metrics,
		dashboards: dashboards,
		logger:     logger.With("component", "tool_executor"),
	}
}

// Execute runs a single tool call. The returned result is always
// well-formed; failures set IsError with a structured payload.
func (e *ToolExecutor) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	content, err := e.dispatch(ctx, call)
	if err != nil {
		e.logger.Warn("Tool call failed", "tool", call.Name, "err", err)
		payload, _ := json.Marshal(map[string]string{
			"error":  err.Error(),
			"status": "error",
		})
		return llm.ToolResult{ToolCallID: call.ID, Content: string(payload), IsError: true}
	}
	return llm.ToolResult{ToolCallID: call.ID, Content: content}
}

func (e *ToolExecutor) dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case ToolMetricsInstant:
		return e.metricsInstant(ctx, call.Input)
	case ToolMetricsRange:
		return e.metricsRange(ctx, call.Input)
	case ToolMetricsAlerts:
		return marshalResult(ctx, func(ctx context.Context) (any, error) {
			alerts, err := e.metrics.Alerts(ctx)
			return map[string]any{"alerts": alerts, "count": len(alerts)}, err
		})
	case ToolMetricsTargets:
		return marshalResult(ctx, func(ctx context.Context) (any, error) {
			targets, err := e.metrics.Targets(ctx)
			return map[string]any{"targets": targets, "count": len(targets)}, err
		})
	case ToolDashboardsSearch:
		return e.dashboardsSearch(ctx, call.Input)
	case ToolDashboardGet:
		return e.dashboardGet(ctx, call.Input)
	case ToolDashboardAnnotations:
		return e.dashboardAnnotations(ctx, call.Input)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (e *ToolExecutor) metricsInstant(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Expr string `json:"expr"`
		Time string `json:"time"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Expr == "" {
		return "", fmt.Errorf("expr is required")
	}

	ts := time.Now().UTC()
	if args.Time != "" {
		parsed, err := models.ParseIncidentTime(args.Time)
		if err != nil {
			return "", fmt.Errorf("invalid time: %w", err)
		}
		ts = parsed
	}

	samples, err := e.metrics.Instant(ctx, args.Expr, ts)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"expr": args.Expr, "samples": samples, "count": len(samples)})
}

func (e *ToolExecutor) metricsRange(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Expr  string `json:"expr"`
		Start string `json:"start"`
		End   string `json:"end"`
		Step  string `json:"step"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	start, err := models.ParseIncidentTime(args.Start)
	if err != nil {
		return "", fmt.Errorf("invalid start: %w", err)
	}
	end, err := models.ParseIncidentTime(args.End)
	if err != nil {
		return "", fmt.Errorf("invalid end: %w", err)
	}
	step, err := time.ParseDuration(args.Step)
	if err != nil {
		return "", fmt.Errorf("invalid step: %w", err)
	}

	series, err := e.metrics.Range(ctx, args.Expr, QueryRange{Start: start, End: end, Step: step})
	if err != nil {
		return "", err
	}

	type seriesSummary struct {
		Labels map[string]string `json:"labels"`
		Stats  SeriesStats       `json:"stats"`
		Points []Point           `json:"points,omitempty"`
	}
	summaries := make([]seriesSummary, 0, len(series))
	for _, s := range series {
		summary := seriesSummary{Labels: s.Labels, Stats: ComputeStats(s.Points)}
		// Full point lists blow up conversation size; keep them only for
		// short series.
		if len(s.Points) <= 20 {
			summary.Points = s.Points
		}
		summaries = append(summaries, summary)
	}
	return marshal(map[string]any{"expr": args.Expr, "series": summaries, "count": len(summaries)})
}

func (e *ToolExecutor) dashboardsSearch(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Query string   `json:"query"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	dashboards, err := e.dashboards.Search(ctx, args.Query, args.Tags)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"dashboards": dashboards, "count": len(dashboards)})
}

func (e *ToolExecutor) dashboardGet(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.UID == "" {
		return "", fmt.Errorf("uid is required")
	}
	dash, err := e.dashboards.Dashboard(ctx, args.UID)
	if err != nil {
		return "", err
	}
	return marshal(dash)
}

func (e *ToolExecutor) dashboardAnnotations(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Start string   `json:"start"`
		End   string   `json:"end"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	start, err := models.ParseIncidentTime(args.Start)
	if err != nil {
		return "", fmt.Errorf("invalid start: %w", err)
	}
	end, err := models.ParseIncidentTime(args.End)
	if err != nil {
		return "", fmt.Errorf("invalid end: %w", err)
	}

	annotations, err := e.dashboards.Annotations(ctx, start, end, args.Tags)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"annotations": annotations, "count": len(annotations)})
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(data), nil
}

func marshalResult(ctx context.Context, fn func(context.Context) (any, error)) (string, error) {
	v, err := fn(ctx)
	if err != nil {
		return "", err
	}
	return marshal(v)
}
