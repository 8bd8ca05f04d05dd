package models

// StageEvent is published after every pipeline node finishes. A terminal
// event (Stage == "decision") carries the full response.
type StageEvent struct {
	AnalysisID    string            `json:"analysis_id"`
	Stage         string            `json:"stage"`
	Node          string            `json:"node"`
	Status        ExecutionStatus   `json:"status"`
	EvidenceCount *int              `json:"evidence_count,omitempty"`
	Confidence    *float64          `json:"confidence,omitempty"`
	Error         string            `json:"error,omitempty"`
	Response      *AnalysisResponse `json:"response,omitempty"`
}
