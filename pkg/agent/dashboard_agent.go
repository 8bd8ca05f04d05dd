package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/observability"
)

// DashboardAgent pulls context from the dashboard backend: which
// dashboards cover the affected services, and what annotations (deploy
// markers, alert notes) landed inside the search window. Annotations
// near the incident are the strongest signal this agent produces.
type DashboardAgent struct {
	client observability.DashboardClient
	logger *slog.Logger
}

// NewDashboardAgent builds the dashboard collector.
func NewDashboardAgent(client observability.DashboardClient, logger *slog.Logger) *DashboardAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashboardAgent{
		client: client,
		logger: logger.With("component", "dashboard_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *DashboardAgent) Name() models.EvidenceSource { return models.SourceDashboard }

// Collect implements EvidenceAgent.
func (a *DashboardAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if a.client == nil || !a.client.Available(ctx) {
		return models.Patch{Errors: []string{"dashboard backend unavailable"}}, nil
	}

	window := snap.Plan.Window(models.SourceDashboard)
	var patch models.Patch

	annotations, err := a.client.Annotations(ctx, window.Start, window.End, nil)
	if err != nil {
		patch.Errors = append(patch.Errors, fmt.Sprintf("fetching annotations: %v", err))
	} else {
		for _, ann := range annotations {
			patch.Evidence = append(patch.Evidence, a.annotationEvidence(ann))
		}
	}

	queries := snap.Plan.AffectedServices
	if len(queries) == 0 {
		queries = []string{""}
	}
	seen := make(map[string]bool)
	for _, q := range queries {
		metas, err := a.client.Search(ctx, q, nil)
		if err != nil {
			patch.Errors = append(patch.Errors, fmt.Sprintf("dashboard search %q: %v", q, err))
			continue
		}
		for _, meta := range metas {
			if seen[meta.UID] {
				continue
			}
			seen[meta.UID] = true
			patch.Evidence = append(patch.Evidence, a.dashboardEvidence(meta, q))
		}
	}
	return patch, nil
}

var deploymentAnnotationTags = []string{"deployment", "deploy", "release", "rollout"}

func (a *DashboardAgent) annotationEvidence(ann observability.Annotation) models.Evidence {
	ts := ann.Timestamp()
	confidence := 0.6
	kind := "annotation"
	for _, tag := range ann.Tags {
		for _, deployTag := range deploymentAnnotationTags {
			if strings.EqualFold(tag, deployTag) {
				// Deploy markers are operator-recorded facts, not inferences.
				confidence = 0.9
				kind = "deployment_marker"
			}
		}
	}
	return models.Evidence{
		ID:         newEvidenceID(models.SourceDashboard),
		Source:     models.SourceDashboard,
		Content:    fmt.Sprintf("Dashboard annotation at %s: %s", ts.Format("15:04:05"), ann.Text),
		Timestamp:  &ts,
		Confidence: confidence,
		Metadata: map[string]any{
			"kind": kind,
			"tags": ann.Tags,
		},
	}
}

func (a *DashboardAgent) dashboardEvidence(meta observability.DashboardMeta, query string) models.Evidence {
	metadata := map[string]any{
		"kind": "dashboard",
		"uid":  meta.UID,
	}
	if query != "" {
		metadata["service"] = query
	}
	if meta.URL != "" {
		metadata["url"] = meta.URL
	}
	return models.Evidence{
		ID:         newEvidenceID(models.SourceDashboard),
		Source:     models.SourceDashboard,
		Content:    fmt.Sprintf("Relevant dashboard: %s", meta.Title),
		Confidence: 0.4,
		Metadata:   metadata,
	}
}
