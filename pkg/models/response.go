package models

import "time"

// EvidenceBundle groups a response's evidence by source kind, mirroring
// the shape external clients consume.
type EvidenceBundle struct {
	Logs           []Evidence `json:"logs"`
	RAG            []Evidence `json:"rag"`
	Metrics        []Evidence `json:"metrics"`
	Dashboards     []Evidence `json:"dashboards"`
	Images         []Evidence `json:"images"`
	ToolEnrichment []Evidence `json:"tool_enrichment"`
}

// BundleEvidence builds an EvidenceBundle from the per-source map, with
// empty (not nil) slices so JSON consumers always see arrays.
func BundleEvidence(bySource map[EvidenceSource][]Evidence) EvidenceBundle {
	get := func(src EvidenceSource) []Evidence {
		if items := bySource[src]; items != nil {
			return items
		}
		return []Evidence{}
	}
	return EvidenceBundle{
		Logs:           get(SourceLog),
		RAG:            get(SourceRAG),
		Metrics:        get(SourceMetrics),
		Dashboards:     get(SourceDashboard),
		Images:         get(SourceImage),
		ToolEnrichment: get(SourceToolEnrichment),
	}
}

// AlternativeHypothesis is a non-winning hypothesis surfaced alongside an
// answer.
type AlternativeHypothesis struct {
	Hypothesis    string `json:"hypothesis"`
	WhyLessLikely string `json:"why_less_likely"`
}

// AnalysisResponse is the structured final verdict for one run.
type AnalysisResponse struct {
	AnalysisID             string                  `json:"analysis_id"`
	Status                 Decision                `json:"status"`
	Confidence             float64                 `json:"confidence"`
	RootCause              string                  `json:"root_cause,omitempty"`
	Evidence               *EvidenceBundle         `json:"evidence,omitempty"`
	Timeline               []TimelineEvent         `json:"timeline,omitempty"`
	RecommendedActions     []string                `json:"recommended_actions,omitempty"`
	AlternativeHypotheses  []AlternativeHypothesis `json:"alternative_hypotheses,omitempty"`
	MissingEvidence        []string                `json:"missing_evidence,omitempty"`
	ProcessingTimeMillis   int64                   `json:"processing_time_ms"`
	AgentHistory           []AgentRecord           `json:"agent_history"`
	Errors                 []string                `json:"errors,omitempty"`
	CreatedAt              time.Time               `json:"created_at"`
	CompletedAt            *time.Time              `json:"completed_at,omitempty"`
}

// ImageAnalysisRequest asks for vision analysis of a single screenshot.
type ImageAnalysisRequest struct {
	ImageData  string `json:"image_data" binding:"required"`
	TimeWindow string `json:"time_window,omitempty"`
}

// ImageAnalysisResponse reports what the vision model observed in one
// screenshot.
type ImageAnalysisResponse struct {
	ImagePath       string           `json:"image_path"`
	MetricsObserved []map[string]any `json:"metrics_observed"`
	VisualAnomalies []string         `json:"visual_anomalies"`
	Confidence      float64          `json:"confidence"`
}

// IncidentQueryRequest searches the stored run history.
type IncidentQueryRequest struct {
	Query         string  `json:"query" form:"query" binding:"required"`
	Limit         int     `json:"limit" form:"limit"`
	MinConfidence float64 `json:"min_confidence" form:"min_confidence"`
}

// IncidentSummary is one stored run in a history query result.
type IncidentSummary struct {
	AnalysisID string    `json:"analysis_id"`
	Query      string    `json:"query"`
	RootCause  string    `json:"root_cause,omitempty"`
	Decision   Decision  `json:"decision"`
	Confidence float64   `json:"confidence"`
	Similarity float64   `json:"similarity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IncidentQueryResponse lists matching historical incidents.
type IncidentQueryResponse struct {
	TotalResults int               `json:"total_results"`
	Incidents    []IncidentSummary `json:"incidents"`
	SearchQuery  string            `json:"search_query"`
}

// HealthResponse reports service status and backend availability.
type HealthResponse struct {
	Status          string          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
	Version         string          `json:"version"`
	ModelsAvailable map[string]bool `json:"models_available"`
}
