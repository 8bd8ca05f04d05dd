// Package hypothesis generates candidate root causes from collected
// evidence: model-first with a deterministic pattern library as
// fallback, so a run always has something to verify.
package hypothesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

const (
	// minPlausibility filters candidates not worth verifying.
	minPlausibility = 0.4
	// minViable is the bar a hypothesis must clear to count toward the
	// two viable hypotheses that let the run skip enrichment and
	// regeneration.
	minViable = 0.5
	// unknownPlausibility scores the padding hypothesis.
	unknownPlausibility = 0.3
	// nearDuplicateOverlap is the token-set Jaccard similarity above
	// which two root causes count as restatements of each other.
	nearDuplicateOverlap = 0.8
)

// Generator produces ranked hypotheses for one run.
type Generator struct {
	client        llm.Client
	model         string
	maxTokens     int
	maxHypotheses int
	logger        *slog.Logger
}

// NewGenerator builds a generator. A nil client disables the model path.
func NewGenerator(client llm.Client, model string, maxTokens, maxHypotheses int, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHypotheses <= 0 {
		maxHypotheses = 5
	}
	return &Generator{
		client:        client,
		model:         model,
		maxTokens:     maxTokens,
		maxHypotheses: maxHypotheses,
		logger:        logger.With("component", "hypothesis"),
	}
}

const generatorSystemPrompt = `You are an SRE generating root-cause hypotheses for an incident.
Base each hypothesis strictly on the evidence provided.
Respond with a single JSON object:
{"hypotheses": [{"root_cause": "...", "plausibility": 0.0,
  "supporting_evidence": ["evidence IDs"], "required_evidence": ["what would confirm this"],
  "would_refute": ["what observation would rule this out"]}]}`

// Generate returns ranked hypotheses: filtered above the plausibility
// floor, padded to at least two, sorted best first, capped.
func (g *Generator) Generate(ctx context.Context, query string, plan *models.Plan, evidence []models.Evidence, correlations []models.Correlation) []models.Hypothesis {
	hypotheses := g.fromModel(ctx, query, evidence, correlations)
	if len(hypotheses) == 0 {
		hypotheses = g.fromLibrary(plan, evidence)
	}
	hypotheses = dedupe(hypotheses)

	filtered := hypotheses[:0]
	for _, h := range hypotheses {
		if h.Plausibility > minPlausibility {
			filtered = append(filtered, h)
		}
	}
	hypotheses = filtered

	for len(hypotheses) < 2 {
		hypotheses = append(hypotheses, models.Hypothesis{
			ID:               newHypothesisID(),
			RootCause:        "Root cause not yet determined from available evidence",
			Plausibility:     unknownPlausibility,
			RequiredEvidence: []string{"additional logs or metrics around the incident time"},
		})
	}

	sort.SliceStable(hypotheses, func(i, j int) bool {
		return hypotheses[i].Plausibility > hypotheses[j].Plausibility
	})
	if len(hypotheses) > g.maxHypotheses {
		hypotheses = hypotheses[:g.maxHypotheses]
	}
	return hypotheses
}

// NeedsRegeneration reports whether fewer than two freshly generated
// hypotheses are viable, which triggers one enrichment-and-regenerate
// round before verification.
func NeedsRegeneration(hypotheses []models.Hypothesis) bool {
	viable := 0
	for _, h := range hypotheses {
		if h.Plausibility >= minViable {
			viable++
		}
	}
	return viable < 2
}

func (g *Generator) fromModel(ctx context.Context, query string, evidence []models.Evidence, correlations []models.Correlation) []models.Hypothesis {
	if g.client == nil {
		return nil
	}

	resp, err := g.client.Chat(ctx, llm.ChatRequest{
		Model:     g.model,
		System:    generatorSystemPrompt,
		MaxTokens: g.maxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: buildPrompt(query, evidence, correlations),
		}},
	})
	if err != nil {
		g.logger.Warn("Hypothesis model call failed, using pattern library", "err", err)
		return nil
	}

	var parsed struct {
		Hypotheses []struct {
			RootCause          string   `json:"root_cause"`
			Plausibility       float64  `json:"plausibility"`
			SupportingEvidence []string `json:"supporting_evidence"`
			RequiredEvidence   []string `json:"required_evidence"`
			WouldRefute        []string `json:"would_refute"`
		} `json:"hypotheses"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &parsed); err != nil {
		g.logger.Warn("Hypothesis response unparseable, using pattern library", "err", err)
		return nil
	}

	out := make([]models.Hypothesis, 0, len(parsed.Hypotheses))
	for _, h := range parsed.Hypotheses {
		if strings.TrimSpace(h.RootCause) == "" {
			continue
		}
		out = append(out, models.Hypothesis{
			ID:                 newHypothesisID(),
			RootCause:          h.RootCause,
			Plausibility:       clamp01(h.Plausibility),
			SupportingEvidence: h.SupportingEvidence,
			RequiredEvidence:   h.RequiredEvidence,
			WouldRefute:        h.WouldRefute,
		})
	}
	return out
}

func buildPrompt(query string, evidence []models.Evidence, correlations []models.Correlation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n\nEvidence:\n", query)
	for _, ev := range evidence {
		fmt.Fprintf(&b, "- [%s] (id %s, conf %.2f) %s\n", ev.Source, ev.ID, ev.Confidence, ev.Content)
	}
	if len(correlations) > 0 {
		b.WriteString("\nCorrelations:\n")
		for _, corr := range correlations {
			fmt.Fprintf(&b, "- [%s] %s\n", corr.Strength, corr.Description)
		}
	}
	return b.String()
}

// pattern is one library entry: a recognizable incident shape with its
// base plausibility when triggered.
type pattern struct {
	rootCause    string
	plausibility float64
	symptoms     []string
	keywords     []string
	required     []string
	wouldRefute  []string
}

var patternLibrary = []pattern{
	{
		rootCause:    "A recent deployment introduced a regression",
		plausibility: 0.85,
		symptoms:     []string{models.SymptomDeployment},
		keywords:     []string{"deploy", "release", "rollout", "version"},
		required:     []string{"deployment diff", "logs from the deployed revision"},
		wouldRefute:  []string{"errors began before the deployment", "no deployment in the incident window"},
	},
	{
		rootCause:    "A memory leak is exhausting available memory",
		plausibility: 0.80,
		symptoms:     []string{models.SymptomMemory},
		keywords:     []string{"oom", "memory", "heap", "leak"},
		required:     []string{"heap profile", "memory usage trend over days"},
		wouldRefute:  []string{"memory usage is flat", "restarts do not clear the symptom"},
	},
	{
		rootCause:    "A traffic spike exceeded provisioned capacity",
		plausibility: 0.60,
		symptoms:     []string{models.SymptomLatency},
		keywords:     []string{"traffic", "request rate", "spike", "load", "throttl"},
		required:     []string{"request rate compared to baseline", "autoscaler activity"},
		wouldRefute:  []string{"request rate is at baseline"},
	},
	{
		rootCause:    "An external dependency is failing or degraded",
		plausibility: 0.50,
		symptoms:     []string{models.SymptomDependency, models.SymptomNetwork},
		keywords:     []string{"upstream", "downstream", "dependency", "connection refused", "dns", "tls"},
		required:     []string{"dependency health status", "error breakdown by upstream"},
		wouldRefute:  []string{"all dependencies report healthy"},
	},
	{
		rootCause:    "A configuration change altered runtime behavior",
		plausibility: 0.45,
		symptoms:     []string{},
		keywords:     []string{"config", "flag", "setting", "toggle"},
		required:     []string{"configuration change audit log"},
		wouldRefute:  []string{"no configuration changes in the incident window"},
	},
}

// fromLibrary matches the pattern library against plan symptoms and
// evidence content.
func (g *Generator) fromLibrary(plan *models.Plan, evidence []models.Evidence) []models.Hypothesis {
	var contents []string
	for _, ev := range evidence {
		contents = append(contents, strings.ToLower(ev.Content))
	}
	symptoms := make(map[string]bool)
	if plan != nil {
		for _, s := range plan.Symptoms {
			symptoms[s] = true
		}
	}

	var out []models.Hypothesis
	for _, p := range patternLibrary {
		triggered := false
		var supporting []string
		for _, s := range p.symptoms {
			if symptoms[s] {
				triggered = true
			}
		}
		for i, content := range contents {
			for _, kw := range p.keywords {
				if strings.Contains(content, kw) {
					triggered = true
					supporting = append(supporting, evidence[i].ID)
					break
				}
			}
		}
		if !triggered {
			continue
		}
		out = append(out, models.Hypothesis{
			ID:                 newHypothesisID(),
			RootCause:          p.rootCause,
			Plausibility:       p.plausibility,
			SupportingEvidence: supporting,
			RequiredEvidence:   p.required,
			WouldRefute:        p.wouldRefute,
		})
	}
	return out
}

// dedupe drops hypotheses that restate a root cause already kept. The
// model sometimes returns the same cause phrased two ways; the earlier
// entry wins since the model ranks its own output.
func dedupe(hypotheses []models.Hypothesis) []models.Hypothesis {
	out := hypotheses[:0]
	var kept []map[string]bool
	for _, h := range hypotheses {
		tokens := rootCauseTokens(h.RootCause)
		dup := false
		for _, prev := range kept {
			if tokenOverlap(tokens, prev) >= nearDuplicateOverlap {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, tokens)
		out = append(out, h)
	}
	return out
}

func rootCauseTokens(s string) map[string]bool {
	normalized := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return ' '
	}, strings.ToLower(s))

	tokens := make(map[string]bool)
	for _, f := range strings.Fields(normalized) {
		if len(f) > 2 {
			tokens[f] = true
		}
	}
	return tokens
}

// tokenOverlap is the Jaccard similarity of two token sets.
func tokenOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	return float64(intersection) / float64(len(a)+len(b)-intersection)
}

func newHypothesisID() string {
	return "hyp-" + uuid.NewString()[:8]
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
