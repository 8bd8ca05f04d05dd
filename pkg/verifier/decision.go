package verifier

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/incidentops/triage/pkg/models"
)

const (
	// moreDataFloor is the confidence below which the gate refuses
	// outright instead of asking for more data.
	moreDataFloor = 0.5

	maxActions      = 5
	maxAlternatives = 2
)

// Outcome is the decision gate's verdict for one run.
type Outcome struct {
	Decision        models.Decision
	Confidence      float64
	RootCause       string
	Actions         []string
	Alternatives    []models.AlternativeHypothesis
	MissingEvidence []string
}

// Gate applies the final answer/refuse/request-more-data policy. It
// holds no model access: once verification scores exist, the decision is
// pure arithmetic.
type Gate struct {
	confidenceThreshold float64
	logger              *slog.Logger
}

// NewGate builds the decision gate.
func NewGate(confidenceThreshold float64, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.7
	}
	return &Gate{
		confidenceThreshold: confidenceThreshold,
		logger:              logger.With("component", "decision_gate"),
	}
}

// Decide maps verification results onto the final outcome. Answering
// requires both the confidence bar and at least one SUPPORTED verdict;
// middling confidence with identifiable gaps asks for more data;
// everything else is a refusal.
func (g *Gate) Decide(hypotheses []models.Hypothesis, results []models.VerificationResult, overall float64, gaps []models.TimelineGap) Outcome {
	best, bestHyp := bestResult(hypotheses, results)

	outcome := Outcome{
		Confidence:      overall,
		MissingEvidence: missingEvidence(bestHyp, gaps),
	}

	switch {
	case overall >= g.confidenceThreshold && best != nil && best.Verdict == models.VerdictSupported:
		outcome.Decision = models.DecisionAnswer
		outcome.RootCause = bestHyp.RootCause
		outcome.Actions = recommendActions(bestHyp.RootCause)
		outcome.Alternatives = alternatives(hypotheses, results, bestHyp.ID)
	case overall >= moreDataFloor && len(outcome.MissingEvidence) > 0:
		outcome.Decision = models.DecisionRequestMoreData
		if bestHyp != nil {
			outcome.RootCause = bestHyp.RootCause
			outcome.Alternatives = alternatives(hypotheses, results, bestHyp.ID)
		}
	default:
		outcome.Decision = models.DecisionRefuse
	}

	g.logger.Info("Decision made",
		"decision", outcome.Decision,
		"confidence", overall,
		"missing_evidence", len(outcome.MissingEvidence))
	return outcome
}

// bestResult picks the strongest verification result, preferring
// SUPPORTED verdicts over raw confidence.
func bestResult(hypotheses []models.Hypothesis, results []models.VerificationResult) (*models.VerificationResult, *models.Hypothesis) {
	byID := make(map[string]*models.Hypothesis, len(hypotheses))
	for i := range hypotheses {
		byID[hypotheses[i].ID] = &hypotheses[i]
	}

	var best *models.VerificationResult
	for i := range results {
		r := &results[i]
		if best == nil {
			best = r
			continue
		}
		bestSupported := best.Verdict == models.VerdictSupported
		rSupported := r.Verdict == models.VerdictSupported
		if rSupported != bestSupported {
			if rSupported {
				best = r
			}
			continue
		}
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, byID[best.HypothesisID]
}

// actionRule maps root-cause vocabulary to operator actions.
type actionRule struct {
	keywords []string
	actions  []string
}

var actionRules = []actionRule{
	{
		keywords: []string{"deploy", "release", "rollout", "regression", "version"},
		actions: []string{
			"Roll back the most recent deployment",
			"Review the deployment diff for the affected service",
			"Inspect logs from the newly deployed revision",
		},
	},
	{
		keywords: []string{"memory", "leak", "oom", "heap"},
		actions: []string{
			"Capture a heap dump from an affected instance",
			"Review garbage collection metrics for pressure",
		},
	},
	{
		keywords: []string{"connection", "pool", "exhausted"},
		actions: []string{
			"Review connection pool configuration and limits",
			"Check downstream connection limits and open-connection counts",
		},
	},
	{
		keywords: []string{"cpu", "throttl", "load"},
		actions: []string{
			"Capture a thread dump or CPU profile from an affected instance",
			"Check CPU throttling and limits on the affected workload",
		},
	},
	{
		keywords: []string{"traffic", "spike", "capacity", "scale"},
		actions: []string{
			"Scale out the affected service",
			"Compare current request rate against baseline",
		},
	},
}

var genericActions = []string{
	"Correlate the incident window against recent changes",
	"Collect additional logs and metrics for the affected services",
}

// recommendActions derives operator actions from the root-cause text.
// Multiple rule hits concatenate in rule order, capped at maxActions.
func recommendActions(rootCause string) []string {
	lower := strings.ToLower(rootCause)
	var out []string
	for _, rule := range actionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, rule.actions...)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, genericActions...)
	}
	if len(out) > maxActions {
		out = out[:maxActions]
	}
	return out
}

// alternatives lists the runner-up hypotheses with a short explanation
// of why each lost.
func alternatives(hypotheses []models.Hypothesis, results []models.VerificationResult, bestID string) []models.AlternativeHypothesis {
	confidence := make(map[string]float64, len(results))
	verdict := make(map[string]models.Verdict, len(results))
	for _, r := range results {
		confidence[r.HypothesisID] = r.Confidence
		verdict[r.HypothesisID] = r.Verdict
	}

	candidates := make([]models.Hypothesis, 0, len(hypotheses))
	for _, h := range hypotheses {
		if h.ID == bestID || verdict[h.ID] == models.VerdictContradicted {
			continue
		}
		candidates = append(candidates, h)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return confidence[candidates[i].ID] > confidence[candidates[j].ID]
	})
	if len(candidates) > maxAlternatives {
		candidates = candidates[:maxAlternatives]
	}

	out := make([]models.AlternativeHypothesis, 0, len(candidates))
	for _, h := range candidates {
		reason := fmt.Sprintf("lower verified confidence (%.2f)", confidence[h.ID])
		if verdict[h.ID] == models.VerdictInsufficientEvidence {
			reason = fmt.Sprintf("insufficient corroborating evidence (confidence %.2f)", confidence[h.ID])
		}
		out = append(out, models.AlternativeHypothesis{
			Hypothesis:    h.RootCause,
			WhyLessLikely: reason,
		})
	}
	return out
}

// missingEvidence lists what would have raised confidence: timeline
// gaps plus whatever the leading hypothesis still needs. With no leading
// hypothesis at all, the hypotheses themselves are what is missing.
func missingEvidence(best *models.Hypothesis, gaps []models.TimelineGap) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	if best == nil {
		add("hypotheses")
	}
	for _, gap := range gaps {
		add(gap.Description)
	}
	if best != nil {
		for _, req := range best.RequiredEvidence {
			add(req)
		}
	}
	return out
}
