package verifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/models"
)

func gateFixtures() ([]models.Hypothesis, []models.VerificationResult) {
	hypotheses := []models.Hypothesis{
		{ID: "hyp-1", RootCause: "A recent deployment introduced a regression",
			RequiredEvidence: []string{"deployment diff"}},
		{ID: "hyp-2", RootCause: "A traffic spike exceeded provisioned capacity"},
	}
	results := []models.VerificationResult{
		{HypothesisID: "hyp-1", Verdict: models.VerdictSupported, Confidence: 0.82, IndependentSources: 3},
		{HypothesisID: "hyp-2", Verdict: models.VerdictInsufficientEvidence, Confidence: 0.35, IndependentSources: 1},
	}
	return hypotheses, results
}

func TestDecideAnswer(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses, results := gateFixtures()

	outcome := gate.Decide(hypotheses, results, 0.82, nil)

	assert.Equal(t, models.DecisionAnswer, outcome.Decision)
	assert.Equal(t, hypotheses[0].RootCause, outcome.RootCause)
	assert.NotEmpty(t, outcome.Actions)
	assert.Contains(t, outcome.Actions[0], "Roll back")
	require.Len(t, outcome.Alternatives, 1)
	assert.Equal(t, hypotheses[1].RootCause, outcome.Alternatives[0].Hypothesis)
}

func TestDecideRequiresSupportedVerdict(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses, results := gateFixtures()
	results[0].Verdict = models.VerdictInsufficientEvidence

	outcome := gate.Decide(hypotheses, results, 0.82, []models.TimelineGap{
		{Description: "metrics agent produced no evidence"},
	})

	assert.NotEqual(t, models.DecisionAnswer, outcome.Decision)
}

func TestDecideRequestMoreData(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses, results := gateFixtures()
	results[0].Verdict = models.VerdictInsufficientEvidence
	results[0].Confidence = 0.6

	outcome := gate.Decide(hypotheses, results, 0.6, []models.TimelineGap{
		{Description: "no evidence for 12m0s between events"},
	})

	assert.Equal(t, models.DecisionRequestMoreData, outcome.Decision)
	assert.Contains(t, outcome.MissingEvidence, "no evidence for 12m0s between events")
	assert.Contains(t, outcome.MissingEvidence, "deployment diff")
}

func TestDecideRefuseLowConfidence(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses, results := gateFixtures()
	results[0].Verdict = models.VerdictInsufficientEvidence
	results[0].Confidence = 0.3

	outcome := gate.Decide(hypotheses, results, 0.3, []models.TimelineGap{
		{Description: "log agent produced no evidence"},
	})

	assert.Equal(t, models.DecisionRefuse, outcome.Decision)
}

func TestDecideRefuseWithoutGaps(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses := []models.Hypothesis{{ID: "hyp-1", RootCause: "unclear"}}
	results := []models.VerificationResult{
		{HypothesisID: "hyp-1", Verdict: models.VerdictInsufficientEvidence, Confidence: 0.6},
	}

	outcome := gate.Decide(hypotheses, results, 0.6, nil)
	assert.Equal(t, models.DecisionRefuse, outcome.Decision)
}

func TestDecideRefuseWithoutHypotheses(t *testing.T) {
	gate := NewGate(0.7, nil)

	outcome := gate.Decide(nil, nil, 0, nil)

	assert.Equal(t, models.DecisionRefuse, outcome.Decision)
	assert.Zero(t, outcome.Confidence)
	assert.Contains(t, outcome.MissingEvidence, "hypotheses")
}

func TestDecideExcludesContradictedAlternatives(t *testing.T) {
	gate := NewGate(0.7, nil)
	hypotheses, results := gateFixtures()
	hypotheses = append(hypotheses, models.Hypothesis{ID: "hyp-3", RootCause: "disproven theory"})
	results = append(results, models.VerificationResult{
		HypothesisID: "hyp-3", Verdict: models.VerdictContradicted, Confidence: 0.1,
	})

	outcome := gate.Decide(hypotheses, results, 0.82, nil)

	require.Equal(t, models.DecisionAnswer, outcome.Decision)
	for _, alt := range outcome.Alternatives {
		assert.NotEqual(t, "disproven theory", alt.Hypothesis)
	}
}

func TestRecommendActionsByRootCause(t *testing.T) {
	cases := map[string]string{
		"A recent deployment introduced a regression":   "Roll back",
		"A memory leak is exhausting available memory":  "heap dump",
		"Database connection pool exhausted":            "connection pool",
		"CPU throttling under sustained load":           "CPU profile",
		"A traffic spike exceeded provisioned capacity": "Scale out",
	}
	for rootCause, want := range cases {
		actions := recommendActions(rootCause)
		require.NotEmpty(t, actions, rootCause)
		assert.LessOrEqual(t, len(actions), maxActions)
		joined := strings.ToLower(strings.Join(actions, " | "))
		assert.Contains(t, joined, strings.ToLower(want), rootCause)
	}

	generic := recommendActions("something nobody has seen before")
	assert.Equal(t, genericActions, generic)
}
