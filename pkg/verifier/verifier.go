// Package verifier weighs each hypothesis against the collected
// evidence and decides what the run may claim. Scoring is deliberately
// deterministic: the model proposes, arithmetic disposes.
package verifier

import (
	"log/slog"
	"strings"

	"github.com/incidentops/triage/pkg/models"
)

// Confidence calibration constants.
const (
	baseThreeSources = 0.85
	baseTwoSources   = 0.70
	baseOneSource    = 0.40
	baseNoSources    = 0.20

	contradictionPenalty = 0.4
	historicalBonus      = 0.10
	imageBonus           = 0.05

	supportedFloor   = 0.5
	contradictedCeil = 0.4
	minMatchingTerms = 2
)

// Verifier scores hypotheses against evidence.
type Verifier struct {
	minEvidenceSources int
	logger             *slog.Logger
}

// NewVerifier builds a verifier. minEvidenceSources is how many distinct
// source kinds must corroborate a hypothesis before it can be SUPPORTED.
func NewVerifier(minEvidenceSources int, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if minEvidenceSources <= 0 {
		minEvidenceSources = 2
	}
	return &Verifier{
		minEvidenceSources: minEvidenceSources,
		logger:             logger.With("component", "verifier"),
	}
}

// Verify scores every hypothesis and returns the results in input order
// together with the overall confidence: the best SUPPORTED score, or the
// best score of any verdict when nothing is SUPPORTED.
func (v *Verifier) Verify(hypotheses []models.Hypothesis, evidence []models.Evidence, correlations []models.Correlation, gaps []models.TimelineGap) ([]models.VerificationResult, float64) {
	results := make([]models.VerificationResult, 0, len(hypotheses))
	for _, h := range hypotheses {
		results = append(results, v.verifyOne(h, evidence, correlations, gaps))
	}

	var overall, bestAny float64
	supported := false
	for _, r := range results {
		if r.Confidence > bestAny {
			bestAny = r.Confidence
		}
		if r.Verdict == models.VerdictSupported {
			supported = true
			if r.Confidence > overall {
				overall = r.Confidence
			}
		}
	}
	if !supported {
		overall = bestAny
	}

	v.logger.Info("Verification complete",
		"hypotheses", len(results),
		"overall_confidence", overall)
	return results, overall
}

func (v *Verifier) verifyOne(h models.Hypothesis, evidence []models.Evidence, correlations []models.Correlation, gaps []models.TimelineGap) models.VerificationResult {
	supporting := supportingEvidence(h, evidence)
	contradictions := findContradictions(h, evidence)

	sources := make(map[models.EvidenceSource]bool)
	var confSum float64
	hasHistorical, hasImage := false, false
	var summaries []string
	for _, ev := range supporting {
		sources[ev.Source] = true
		confSum += ev.Confidence
		if ev.Source == models.SourceRAG {
			hasHistorical = true
		}
		if ev.Source == models.SourceImage {
			hasImage = true
		}
		summaries = append(summaries, ev.Content)
	}

	confidence := baseConfidence(len(sources))
	if len(supporting) > 0 {
		// Weak supporting items drag the base down; strong ones cannot
		// push it past the ladder.
		avg := confSum / float64(len(supporting))
		if avg < confidence {
			confidence = (confidence + avg) / 2
		}
	}
	if len(contradictions) > 0 {
		confidence *= 1 - contradictionPenalty
	}
	confidence *= timelineConsistency(h, supporting, correlations, gaps)
	if hasHistorical {
		confidence += historicalBonus
	}
	if hasImage {
		confidence += imageBonus
	}
	confidence = clamp01(confidence)

	verdict := models.VerdictInsufficientEvidence
	switch {
	case len(sources) >= v.minEvidenceSources && len(contradictions) == 0 && confidence >= supportedFloor:
		verdict = models.VerdictSupported
	case len(contradictions) > 0 && confidence < contradictedCeil:
		verdict = models.VerdictContradicted
	}

	return models.VerificationResult{
		HypothesisID:       h.ID,
		Verdict:            verdict,
		Confidence:         confidence,
		EvidenceSummary:    summarize(summaries),
		IndependentSources: len(sources),
		Contradictions:     contradictions,
		Reasoning:          reasoning(h, len(sources), len(contradictions), confidence),
	}
}

func baseConfidence(sources int) float64 {
	switch {
	case sources >= 3:
		return baseThreeSources
	case sources == 2:
		return baseTwoSources
	case sources == 1:
		return baseOneSource
	default:
		return baseNoSources
	}
}

// supportingEvidence finds evidence backing a hypothesis: explicit ID
// references from the generator, plus content sharing enough key terms
// with the claimed root cause.
func supportingEvidence(h models.Hypothesis, evidence []models.Evidence) []models.Evidence {
	referenced := make(map[string]bool, len(h.SupportingEvidence))
	for _, id := range h.SupportingEvidence {
		referenced[id] = true
	}
	terms := keyTerms(h.RootCause)

	var out []models.Evidence
	for _, ev := range evidence {
		if referenced[ev.ID] || matchCount(terms, ev.Content) >= minMatchingTerms {
			out = append(out, ev)
		}
	}
	return out
}

// findContradictions matches refutation conditions against evidence
// content. A refuter only fires when every one of its key terms appears
// in a single evidence item; partial overlap is not a contradiction.
func findContradictions(h models.Hypothesis, evidence []models.Evidence) []string {
	var out []string
	for _, refuter := range h.WouldRefute {
		terms := keyTerms(refuter)
		if len(terms) == 0 {
			continue
		}
		for _, ev := range evidence {
			if matchCount(terms, ev.Content) == len(terms) {
				out = append(out, refuter)
				break
			}
		}
	}
	return out
}

// timelineConsistency scales confidence by how well the timeline backs
// the hypothesis, bounded to [0.6, 1.0] so ordering evidence can damp a
// claim but never sink it alone.
func timelineConsistency(h models.Hypothesis, supporting []models.Evidence, correlations []models.Correlation, gaps []models.TimelineGap) float64 {
	supportingIDs := make(map[string]bool, len(supporting))
	timestamped := false
	for _, ev := range supporting {
		supportingIDs[ev.ID] = true
		if ev.Timestamp != nil {
			timestamped = true
		}
	}

	consistency := 0.8
	for _, corr := range correlations {
		touches := false
		for _, id := range corr.EvidenceIDs {
			if supportingIDs[id] {
				touches = true
			}
		}
		if !touches {
			continue
		}
		switch corr.Strength {
		case models.StrengthStrong:
			consistency = 1.0
		case models.StrengthMedium:
			if consistency < 0.9 {
				consistency = 0.9
			}
		}
	}
	if len(supporting) > 0 && !timestamped {
		consistency -= 0.1
	}
	if len(gaps) > 2 {
		consistency -= 0.1
	}

	if consistency < 0.6 {
		return 0.6
	}
	if consistency > 1.0 {
		return 1.0
	}
	return consistency
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "in": true, "on": true, "at": true, "to": true, "of": true,
	"and": true, "or": true, "not": true, "no": true, "with": true, "for": true,
	"by": true, "from": true, "this": true, "that": true, "has": true, "have": true,
	"its": true, "it": true, "be": true, "been": true, "do": true, "does": true,
	"recent": true, "recently": true,
}

func keyTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func matchCount(terms []string, content string) int {
	content = strings.ToLower(content)
	n := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			n++
		}
	}
	return n
}

func summarize(summaries []string) string {
	const maxItems = 5
	if len(summaries) > maxItems {
		summaries = summaries[:maxItems]
	}
	return strings.Join(summaries, "; ")
}

func reasoning(h models.Hypothesis, sources, contradictions int, confidence float64) string {
	var b strings.Builder
	switch sources {
	case 0:
		b.WriteString("No independent evidence source supports this hypothesis")
	case 1:
		b.WriteString("A single evidence source supports this hypothesis")
	default:
		b.WriteString(strings.TrimSpace(strings.Join([]string{
			numberWord(sources), "independent evidence sources corroborate this hypothesis"}, " ")))
	}
	if contradictions > 0 {
		b.WriteString("; contradicting evidence was found")
	}
	if confidence >= supportedFloor && contradictions == 0 && sources >= 2 {
		b.WriteString("; the timeline is consistent with the claimed cause")
	}
	b.WriteString(".")
	return b.String()
}

func numberWord(n int) string {
	switch n {
	case 2:
		return "Two"
	case 3:
		return "Three"
	case 4:
		return "Four"
	default:
		return "Several"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
