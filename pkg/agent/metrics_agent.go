package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/observability"
)

// metricProbe is one PromQL template the metrics agent evaluates per
// service job.
type metricProbe struct {
	name string
	expr string
}

var metricProbes = []metricProbe{
	{"error_rate", `sum(rate(http_requests_total{job=%q,status=~"5.."}[5m]))`},
	{"request_rate", `sum(rate(http_requests_total{job=%q}[5m]))`},
	{"latency_p99", `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{job=%q}[5m])) by (le))`},
	{"cpu_usage", `rate(process_cpu_seconds_total{job=%q}[5m])`},
	{"memory_resident", `process_resident_memory_bytes{job=%q}`},
	{"up", `up{job=%q}`},
}

// MetricsAgent probes a metrics backend for anomalies around the
// incident window and collects firing alerts. When the plan names no
// services it discovers active jobs from the backend.
type MetricsAgent struct {
	querier observability.MetricsQuerier
	logger  *slog.Logger
}

// NewMetricsAgent builds the metrics collector.
func NewMetricsAgent(querier observability.MetricsQuerier, logger *slog.Logger) *MetricsAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsAgent{
		querier: querier,
		logger:  logger.With("component", "metrics_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *MetricsAgent) Name() models.EvidenceSource { return models.SourceMetrics }

// Collect implements EvidenceAgent.
func (a *MetricsAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if a.querier == nil || !a.querier.Available(ctx) {
		return models.Patch{Errors: []string{"metrics backend unavailable"}}, nil
	}

	window := snap.Plan.Window(models.SourceMetrics)
	var patch models.Patch

	jobs := snap.Plan.AffectedServices
	if len(jobs) == 0 {
		discovered, err := a.querier.ActiveJobs(ctx, snap.Plan.IncidentTime)
		if err != nil {
			return patch, fmt.Errorf("discovering active jobs: %w", err)
		}
		jobs = discovered
	}

	queryRange := observability.QueryRange{
		Start: window.Start,
		End:   window.End,
		Step:  time.Minute,
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return patch, err
		}
		for _, probe := range metricProbes {
			expr := fmt.Sprintf(probe.expr, job)
			series, err := a.querier.Range(ctx, expr, queryRange)
			if err != nil {
				patch.Errors = append(patch.Errors, fmt.Sprintf("range query %s/%s: %v", job, probe.name, err))
				continue
			}
			for _, s := range series {
				if anomaly, ok := detectAnomaly(s.Points); ok {
					patch.Evidence = append(patch.Evidence, a.anomalyEvidence(job, probe.name, expr, anomaly, snap.Plan.IncidentTime))
				}
			}
		}
	}

	alerts, err := a.querier.Alerts(ctx)
	if err != nil {
		patch.Errors = append(patch.Errors, fmt.Sprintf("fetching alerts: %v", err))
	} else {
		for _, alert := range alerts {
			patch.Evidence = append(patch.Evidence, a.alertEvidence(alert))
		}
	}
	return patch, nil
}

// anomaly describes one detected irregularity in a series.
type anomaly struct {
	kind   string // spike, drop_to_zero, step_change
	at     time.Time
	value  float64
	zScore float64
	stats  observability.SeriesStats
}

// detectAnomaly inspects a series for the strongest irregularity. Checks
// run in severity order: a drop to zero outranks a spike outranks a
// sustained step change.
func detectAnomaly(points []observability.Point) (anomaly, bool) {
	if len(points) < 4 {
		return anomaly{}, false
	}
	stats := observability.ComputeStats(points)

	last := points[len(points)-1]
	if last.Value == 0 && stats.Mean > 0 && stats.Max > 0 {
		zeroRun := 0
		for i := len(points) - 1; i >= 0 && points[i].Value == 0; i-- {
			zeroRun++
		}
		if zeroRun >= 2 && zeroRun < len(points) {
			return anomaly{kind: "drop_to_zero", at: last.Time, value: 0, stats: stats}, true
		}
	}

	if stats.Stddev > 0 {
		var worst anomaly
		for _, p := range points {
			z := (p.Value - stats.Mean) / stats.Stddev
			if math.Abs(z) > 2.5 && math.Abs(z) > math.Abs(worst.zScore) {
				worst = anomaly{kind: "spike", at: p.Time, value: p.Value, zScore: z, stats: stats}
			}
		}
		if worst.kind != "" {
			return worst, true
		}
	}

	half := len(points) / 2
	firstMean := observability.ComputeStats(points[:half]).Mean
	secondMean := observability.ComputeStats(points[half:]).Mean
	if firstMean > 0 && (secondMean >= firstMean*2 || secondMean <= firstMean/2) {
		return anomaly{kind: "step_change", at: points[half].Time, value: secondMean, stats: stats}, true
	}
	return anomaly{}, false
}

func (a *MetricsAgent) anomalyEvidence(job, metric, expr string, an anomaly, incidentTime time.Time) models.Evidence {
	var content string
	var confidence float64
	switch an.kind {
	case "drop_to_zero":
		content = fmt.Sprintf("Metric %s for %s dropped to zero (prior mean %.3f)", metric, job, an.stats.Mean)
		confidence = 0.75
	case "spike":
		content = fmt.Sprintf("Metric %s for %s spiked to %.3f (z-score %.1f, mean %.3f)", metric, job, an.value, an.zScore, an.stats.Mean)
		confidence = 0.7
	default:
		content = fmt.Sprintf("Metric %s for %s shifted to a new level around %.3f (prior mean %.3f)", metric, job, an.value, an.stats.Mean)
		confidence = 0.65
	}
	if delta := an.at.Sub(incidentTime); delta > -10*time.Minute && delta < 10*time.Minute {
		confidence += 0.1
	}

	ts := an.at
	return models.Evidence{
		ID:         newEvidenceID(models.SourceMetrics),
		Source:     models.SourceMetrics,
		Content:    content,
		Timestamp:  &ts,
		Confidence: clampConfidence(confidence, 0.1, 0.95),
		Metadata: map[string]any{
			"service": job,
			"metric":  metric,
			"query":   expr,
			"anomaly": an.kind,
			"value":   an.value,
		},
	}
}

func (a *MetricsAgent) alertEvidence(alert observability.Alert) models.Evidence {
	confidence := 0.6
	if alert.State == "firing" {
		confidence = 0.9
	}
	ts := alert.ActiveAt
	content := fmt.Sprintf("Alert %s is %s", alert.Name, alert.State)
	if summary := alert.Annotations["summary"]; summary != "" {
		content += ": " + summary
	}
	return models.Evidence{
		ID:         newEvidenceID(models.SourceMetrics),
		Source:     models.SourceMetrics,
		Content:    content,
		Timestamp:  &ts,
		Confidence: confidence,
		Metadata: map[string]any{
			"kind":   "alert",
			"alert":  alert.Name,
			"state":  alert.State,
			"labels": alert.Labels,
		},
	}
}
