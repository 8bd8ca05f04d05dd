// Package pipeline owns the analysis run: planning, the parallel
// evidence fan-out, the sequential analysis stages, and the final
// decision. All RunState mutation happens here, at stage boundaries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/incidentops/triage/pkg/agent"
	"github.com/incidentops/triage/pkg/hypothesis"
	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/timeline"
	"github.com/incidentops/triage/pkg/verifier"
)

// Stage names as they appear in published events.
const (
	StagePlanning     = "planning"
	StageCollection   = "evidence_collection"
	StageTimeline     = "timeline_correlation"
	StageHypotheses   = "hypothesis_generation"
	StageEnrichment   = "tool_enrichment"
	StageVerification = "verification"
	StageDecision     = "decision"
)

// Notifier receives stage-completion events. Implementations must be
// safe for concurrent use; publishing must never block a run for long.
type Notifier interface {
	Publish(ctx context.Context, event models.StageEvent)
}

// noopNotifier drops events when no transport is wired.
type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, models.StageEvent) {}

// ActionSource contributes operator actions from matched runbooks when a
// run answers. Implemented by the runbook service.
type ActionSource interface {
	ActionsFor(ctx context.Context, evidence []models.Evidence, max int) []string
}

// maxActions caps the merged rule-library plus runbook action list.
const maxActions = 5

// Options wires an Orchestrator. Planner, Correlator, Generator,
// Verifier, and Gate are required; Enrichment and Notifier are optional.
type Options struct {
	Planner    *agent.Planner
	Agents     []agent.EvidenceAgent
	Enrichment agent.EvidenceAgent
	Correlator *timeline.Correlator
	Generator  *hypothesis.Generator
	Verifier   *verifier.Verifier
	Gate       *verifier.Gate

	Notifier Notifier
	Actions  ActionSource

	ConfidenceThreshold float64
	AgentTimeout        time.Duration
	RunTimeout          time.Duration

	Logger *slog.Logger
}

// Orchestrator drives one analysis request through the full pipeline.
// It is safe for concurrent use; each Run owns its RunState exclusively.
type Orchestrator struct {
	planner    *agent.Planner
	agents     []agent.EvidenceAgent
	enrichment agent.EvidenceAgent
	correlator *timeline.Correlator
	generator  *hypothesis.Generator
	verifier   *verifier.Verifier
	gate       *verifier.Gate
	notifier   Notifier
	actions    ActionSource

	confidenceThreshold float64
	agentTimeout        time.Duration
	runTimeout          time.Duration

	logger *slog.Logger
}

// NewOrchestrator builds an orchestrator from Options, applying the
// standard defaults for unset thresholds and timeouts.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 30 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 120 * time.Second
	}
	return &Orchestrator{
		planner:             opts.Planner,
		agents:              opts.Agents,
		enrichment:          opts.Enrichment,
		correlator:          opts.Correlator,
		generator:           opts.Generator,
		verifier:            opts.Verifier,
		gate:                opts.Gate,
		notifier:            notifier,
		actions:             opts.Actions,
		confidenceThreshold: opts.ConfidenceThreshold,
		agentTimeout:        opts.AgentTimeout,
		runTimeout:          opts.RunTimeout,
		logger:              logger.With("component", "orchestrator"),
	}
}

// NewAnalysisID returns a fresh run identifier.
func NewAnalysisID() string {
	return "run-" + uuid.NewString()[:8]
}

// Run executes one analysis end to end and always returns a response:
// run-level failures degrade into a refuse verdict rather than an error.
// The returned error is non-nil only for invalid requests.
func (o *Orchestrator) Run(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResponse, error) {
	return o.RunWithID(ctx, NewAnalysisID(), req)
}

// RunWithID executes one analysis under a caller-supplied run identifier.
// Queued runs generate the id at submission time so clients can follow
// progress before the pipeline starts.
func (o *Orchestrator) RunWithID(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis request: %w", err)
	}

	started := time.Now().UTC()
	state := models.NewRunState(analysisID, req, started)

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	logger := o.logger.With("analysis_id", analysisID)
	logger.Info("Analysis run started", "query", req.Query)

	resp := o.run(runCtx, state, started, logger)
	state.FinalResponse = resp

	logger.Info("Analysis run finished",
		"decision", resp.Status,
		"confidence", resp.Confidence,
		"evidence", state.EvidenceCount(),
		"duration_ms", resp.ProcessingTimeMillis)
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, state *models.RunState, started time.Time, logger *slog.Logger) *models.AnalysisResponse {
	// Planning. The planner never fails; it degrades to deterministic
	// extraction on its own.
	state.Plan = o.planner.Plan(ctx, state.Request, started)
	o.emit(ctx, state, StagePlanning, "planner", models.StatusCompleted, nil, nil, "")

	if aborted := o.checkDeadline(ctx, state, started); aborted != nil {
		return aborted
	}

	// Evidence fan-out. Agents run concurrently against the same
	// snapshot; patches are applied serially once all have returned.
	o.collect(ctx, state)
	for _, rec := range state.AgentHistory {
		count := rec.EvidenceCount
		o.emit(ctx, state, StageCollection, rec.Agent, rec.Status, &count, nil, rec.Error)
	}

	if aborted := o.checkDeadline(ctx, state, started); aborted != nil {
		return aborted
	}

	// Sequential analysis stages.
	o.correlate(state)
	o.emit(ctx, state, StageTimeline, "correlator", models.StatusCompleted, intPtr(len(state.Timeline)), nil, "")

	state.Hypotheses = o.generator.Generate(ctx, state.Request.Query, state.Plan, state.AllEvidence(), state.Correlations)
	enriched := false
	if hypothesis.NeedsRegeneration(state.Hypotheses) && o.enrichment != nil {
		o.enrich(ctx, state)
		enriched = true
		o.correlate(state)
		state.Hypotheses = o.generator.Generate(ctx, state.Request.Query, state.Plan, state.AllEvidence(), state.Correlations)
	}
	o.emit(ctx, state, StageHypotheses, "generator", models.StatusCompleted, intPtr(len(state.Hypotheses)), nil, "")

	if aborted := o.checkDeadline(ctx, state, started); aborted != nil {
		return aborted
	}

	state.VerificationResults, state.OverallConfidence = o.verifier.Verify(
		state.Hypotheses, state.AllEvidence(), state.Correlations, state.TimelineGaps)

	// Low confidence buys one enrichment pass followed by a re-score of
	// the same hypotheses against the enlarged evidence set.
	if state.OverallConfidence < o.confidenceThreshold && !enriched && o.enrichment != nil {
		o.enrich(ctx, state)
		o.correlate(state)
		state.VerificationResults, state.OverallConfidence = o.verifier.Verify(
			state.Hypotheses, state.AllEvidence(), state.Correlations, state.TimelineGaps)
	}
	o.emit(ctx, state, StageVerification, "verifier", models.StatusCompleted, nil, &state.OverallConfidence, "")

	if aborted := o.checkDeadline(ctx, state, started); aborted != nil {
		return aborted
	}

	outcome := o.gate.Decide(state.Hypotheses, state.VerificationResults, state.OverallConfidence, state.TimelineGaps)
	if outcome.Decision == models.DecisionAnswer && o.actions != nil {
		outcome.Actions = mergeActions(outcome.Actions, o.actions.ActionsFor(ctx, state.AllEvidence(), maxActions))
	}
	state.Decision = outcome.Decision
	resp := o.buildResponse(state, outcome, started)
	o.emitTerminal(ctx, state, resp)
	return resp
}

// collect fans the required evidence agents out concurrently and applies
// their patches serially at the barrier, in declared agent order so the
// evidence layout is deterministic.
func (o *Orchestrator) collect(ctx context.Context, state *models.RunState) {
	snap := state.Snapshot()

	type result struct {
		source models.EvidenceSource
		patch  models.Patch
		record models.AgentRecord
	}

	active := make([]agent.EvidenceAgent, 0, len(o.agents))
	for _, a := range o.agents {
		if state.Plan.Requires(a.Name()) {
			active = append(active, a)
		}
	}

	results := make([]result, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range active {
		g.Go(func() error {
			patch, rec := agent.Execute(gctx, a, snap, o.agentTimeout, o.logger)
			results[i] = result{source: a.Name(), patch: patch, record: rec}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		state.ApplyPatch(r.source, r.patch)
		state.RecordAgent(r.record)
	}
}

// enrich runs the tool-calling loop once and folds its findings into the
// state. Enrichment is always single-threaded within a run.
func (o *Orchestrator) enrich(ctx context.Context, state *models.RunState) {
	snap := state.Snapshot()
	patch, rec := agent.Execute(ctx, o.enrichment, snap, 0, o.logger)
	state.ApplyPatch(o.enrichment.Name(), patch)
	state.RecordAgent(rec)
	count := rec.EvidenceCount
	o.emit(ctx, state, StageEnrichment, rec.Agent, rec.Status, &count, nil, rec.Error)
}

func (o *Orchestrator) correlate(state *models.RunState) {
	res := o.correlator.Correlate(state.AllEvidence(), state.Plan)
	state.Timeline = res.Timeline
	state.Correlations = res.Correlations
	state.TimelineGaps = res.Gaps
}

// checkDeadline converts an expired run deadline into a refuse response.
// A nil return means the run may continue.
func (o *Orchestrator) checkDeadline(ctx context.Context, state *models.RunState, started time.Time) *models.AnalysisResponse {
	if ctx.Err() == nil {
		return nil
	}
	reason := "timeout"
	if ctx.Err() == context.Canceled {
		reason = "cancelled"
	}
	state.Errors = append(state.Errors, fmt.Sprintf("analysis aborted: %s after %s", reason, time.Since(started).Round(time.Millisecond)))
	state.Decision = models.DecisionRefuse

	resp := o.buildResponse(state, verifier.Outcome{
		Decision:   models.DecisionRefuse,
		Confidence: state.OverallConfidence,
	}, started)
	o.emitTerminal(ctx, state, resp)
	return resp
}

func (o *Orchestrator) buildResponse(state *models.RunState, outcome verifier.Outcome, started time.Time) *models.AnalysisResponse {
	completed := time.Now().UTC()
	bundle := models.BundleEvidence(state.EvidenceBySource)
	return &models.AnalysisResponse{
		AnalysisID:            state.AnalysisID,
		Status:                outcome.Decision,
		Confidence:            outcome.Confidence,
		RootCause:             outcome.RootCause,
		Evidence:              &bundle,
		Timeline:              state.Timeline,
		RecommendedActions:    outcome.Actions,
		AlternativeHypotheses: outcome.Alternatives,
		MissingEvidence:       outcome.MissingEvidence,
		ProcessingTimeMillis:  completed.Sub(started).Milliseconds(),
		AgentHistory:          state.AgentHistory,
		Errors:                state.Errors,
		CreatedAt:             state.CreatedAt,
		CompletedAt:           &completed,
	}
}

func (o *Orchestrator) emit(ctx context.Context, state *models.RunState, stage, node string, status models.ExecutionStatus, evidenceCount *int, confidence *float64, errMsg string) {
	o.notifier.Publish(ctx, models.StageEvent{
		AnalysisID:    state.AnalysisID,
		Stage:         stage,
		Node:          node,
		Status:        status,
		EvidenceCount: evidenceCount,
		Confidence:    confidence,
		Error:         errMsg,
	})
}

func (o *Orchestrator) emitTerminal(ctx context.Context, state *models.RunState, resp *models.AnalysisResponse) {
	o.notifier.Publish(ctx, models.StageEvent{
		AnalysisID: state.AnalysisID,
		Stage:      StageDecision,
		Node:       "decision_gate",
		Status:     models.StatusCompleted,
		Confidence: &resp.Confidence,
		Response:   resp,
	})
}

// mergeActions appends runbook-derived actions after the rule-library
// ones, dropping duplicates and capping the combined list.
func mergeActions(ruleActions, runbookActions []string) []string {
	seen := make(map[string]bool, len(ruleActions))
	out := make([]string, 0, len(ruleActions)+len(runbookActions))
	for _, a := range ruleActions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range runbookActions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if len(out) > maxActions {
		out = out[:maxActions]
	}
	return out
}

func intPtr(v int) *int { return &v }
