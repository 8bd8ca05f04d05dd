package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/incidentops/triage/pkg/models"
)

// Envelope is the wire form of a stage event. It wraps the pipeline's
// StageEvent with an event type, a unique event id, and a timestamp so
// clients can deduplicate and order what they receive.
type Envelope struct {
	Type          string                   `json:"type"`
	EventID       string                   `json:"event_id"`
	AnalysisID    string                   `json:"analysis_id"`
	Stage         string                   `json:"stage"`
	Node          string                   `json:"node"`
	Status        models.ExecutionStatus   `json:"status"`
	EvidenceCount *int                     `json:"evidence_count,omitempty"`
	Confidence    *float64                 `json:"confidence,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Response      *models.AnalysisResponse `json:"response,omitempty"`
	Timestamp     string                   `json:"timestamp"` // RFC3339Nano
}

// NewEnvelope wraps a stage event for publication. Terminal events are
// recognized by the presence of the full response.
func NewEnvelope(ev models.StageEvent) Envelope {
	eventType := EventTypeStageCompleted
	if ev.Response != nil {
		eventType = EventTypeRunCompleted
	}
	return Envelope{
		Type:          eventType,
		EventID:       uuid.NewString(),
		AnalysisID:    ev.AnalysisID,
		Stage:         ev.Stage,
		Node:          ev.Node,
		Status:        ev.Status,
		EvidenceCount: ev.EvidenceCount,
		Confidence:    ev.Confidence,
		Error:         ev.Error,
		Response:      ev.Response,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}
