package models

import (
	"time"
)

// ExecutionStatus tracks a pipeline stage's lifecycle.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusActive    ExecutionStatus = "active"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Decision is the final verdict kind produced by the decision gate.
type Decision string

const (
	DecisionAnswer          Decision = "answer"
	DecisionRefuse          Decision = "refuse"
	DecisionRequestMoreData Decision = "request_more_data"
)

// AgentRecord is one entry in a run's chronological agent history.
type AgentRecord struct {
	Agent         string          `json:"agent"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	EvidenceCount int             `json:"evidence_count,omitempty"`
	Iterations    int             `json:"iterations,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Patch is the additive result an evidence agent returns. The orchestrator
// applies patches serially at stage boundaries; agents never touch the
// shared state directly.
type Patch struct {
	Evidence   []Evidence `json:"evidence"`
	Errors     []string   `json:"errors,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
}

// Snapshot is the read-only view handed to evidence agents: the plan plus
// the request's raw attachments. Agents must not retain or mutate it.
type Snapshot struct {
	AnalysisID string
	Query      string
	Plan       *Plan
	Logs       []LogRecord
	Images     []ImageAttachment
	Evidence   []Evidence
}

// RunState is the orchestrator-owned record for one analysis run. It is
// mutated only by the orchestrator at stage boundaries and becomes
// read-only once the decision gate emits the final response.
type RunState struct {
	AnalysisID string           `json:"analysis_id"`
	Request    *AnalysisRequest `json:"request"`
	CreatedAt  time.Time        `json:"created_at"`

	Plan *Plan `json:"plan,omitempty"`

	EvidenceBySource map[EvidenceSource][]Evidence `json:"evidence"`

	Timeline     []TimelineEvent `json:"timeline,omitempty"`
	Correlations []Correlation   `json:"correlations,omitempty"`
	TimelineGaps []TimelineGap   `json:"timeline_gaps,omitempty"`

	Hypotheses          []Hypothesis         `json:"hypotheses,omitempty"`
	VerificationResults []VerificationResult `json:"verification_results,omitempty"`

	OverallConfidence float64           `json:"overall_confidence"`
	Decision          Decision          `json:"decision,omitempty"`
	FinalResponse     *AnalysisResponse `json:"final_response,omitempty"`

	AgentHistory []AgentRecord `json:"agent_history"`
	Errors       []string      `json:"errors,omitempty"`
}

// NewRunState initializes a run for the given request.
func NewRunState(analysisID string, req *AnalysisRequest, now time.Time) *RunState {
	return &RunState{
		AnalysisID:       analysisID,
		Request:          req,
		CreatedAt:        now,
		EvidenceBySource: make(map[EvidenceSource][]Evidence),
	}
}

// ApplyPatch appends an agent's evidence and errors to the state.
func (s *RunState) ApplyPatch(source EvidenceSource, p Patch) {
	if len(p.Evidence) > 0 {
		s.EvidenceBySource[source] = append(s.EvidenceBySource[source], p.Evidence...)
	}
	s.Errors = append(s.Errors, p.Errors...)
}

// AllEvidence returns every evidence item across sources in canonical
// source order. The slice is freshly allocated on each call.
func (s *RunState) AllEvidence() []Evidence {
	var out []Evidence
	for _, src := range AllEvidenceSources {
		out = append(out, s.EvidenceBySource[src]...)
	}
	return out
}

// EvidenceCount returns the total number of collected items.
func (s *RunState) EvidenceCount() int {
	n := 0
	for _, items := range s.EvidenceBySource {
		n += len(items)
	}
	return n
}

// FindEvidence looks an item up by ID.
func (s *RunState) FindEvidence(id string) (Evidence, bool) {
	for _, items := range s.EvidenceBySource {
		for _, ev := range items {
			if ev.ID == id {
				return ev, true
			}
		}
	}
	return Evidence{}, false
}

// Snapshot builds the read-only view for evidence agents. Evidence is
// copied so a later patch application cannot alias into an agent still
// holding the snapshot.
func (s *RunState) Snapshot() Snapshot {
	snap := Snapshot{
		AnalysisID: s.AnalysisID,
		Query:      s.Request.Query,
		Plan:       s.Plan,
		Evidence:   s.AllEvidence(),
	}
	if s.Request != nil {
		snap.Logs = s.Request.Logs
		snap.Images = s.Request.Images()
	}
	return snap
}

// RecordAgent appends a history entry.
func (s *RunState) RecordAgent(rec AgentRecord) {
	s.AgentHistory = append(s.AgentHistory, rec)
}
