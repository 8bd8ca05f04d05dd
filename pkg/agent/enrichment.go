package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/observability"
)

// EnrichmentAgent runs the bounded tool-calling loop: the reasoning
// model investigates with the observability tool vocabulary until it
// concludes, the iteration cap is hit, or the wall-clock budget expires.
// Tool failures flow back to the model in-band; only conversation-level
// failures abort the loop.
type EnrichmentAgent struct {
	client        llm.Client
	model         string
	maxTokens     int
	executor      *observability.ToolExecutor
	maxIterations int
	budget        time.Duration
	logger        *slog.Logger
}

// NewEnrichmentAgent builds the enrichment loop.
func NewEnrichmentAgent(client llm.Client, model string, maxTokens int, executor *observability.ToolExecutor, maxIterations int, budget time.Duration, logger *slog.Logger) *EnrichmentAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &EnrichmentAgent{
		client:        client,
		model:         model,
		maxTokens:     maxTokens,
		executor:      executor,
		maxIterations: maxIterations,
		budget:        budget,
		logger:        logger.With("component", "enrichment_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *EnrichmentAgent) Name() models.EvidenceSource { return models.SourceToolEnrichment }

const enrichmentSystemPrompt = `You are an SRE investigating an incident with live observability tools.
Query metrics, alerts, targets, dashboards and annotations to fill evidence gaps.
Investigate step by step; stop as soon as you have enough.
When done, respond WITHOUT tool calls, with a single JSON object:
{"findings": [{"content": "one concrete observation", "confidence": 0.0}]}`

// Collect implements EvidenceAgent.
func (a *EnrichmentAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if a.client == nil {
		return models.Patch{}, nil
	}
	if a.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.budget)
		defer cancel()
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: a.initialPrompt(snap)}}
	tools := observability.ToolDefinitions()

	var patch models.Patch
	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		patch.Iterations = iteration

		resp, err := a.client.Chat(ctx, llm.ChatRequest{
			Model:     a.model,
			System:    enrichmentSystemPrompt,
			MaxTokens: a.maxTokens,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return patch, ctx.Err()
			}
			a.logger.Warn("Enrichment turn failed, retrying", "iteration", iteration, "err", err)
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("The previous request failed (%v). Continue the investigation, or conclude with your findings JSON.", err),
			})
			continue
		}

		if len(resp.ToolCalls) == 0 {
			patch.Evidence = a.parseFindings(resp.Content)
			return patch, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, a.executor.Execute(ctx, call))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	// Iteration cap reached: one last call without tools forces a
	// conclusion from whatever was gathered.
	evidence, err := a.forceConclusion(ctx, messages)
	if err != nil {
		return patch, fmt.Errorf("forcing conclusion after %d iterations: %w", a.maxIterations, err)
	}
	patch.Evidence = evidence
	return patch, nil
}

func (a *EnrichmentAgent) forceConclusion(ctx context.Context, messages []llm.Message) ([]models.Evidence, error) {
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Investigation budget exhausted. Conclude now with your findings JSON based on the evidence gathered so far.",
	})
	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:     a.model,
		System:    enrichmentSystemPrompt,
		MaxTokens: a.maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}
	return a.parseFindings(resp.Content), nil
}

func (a *EnrichmentAgent) initialPrompt(snap models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", snap.Query)
	fmt.Fprintf(&b, "Incident time: %s\n", snap.Plan.IncidentTime.Format(time.RFC3339))
	window := snap.Plan.Window(models.SourceToolEnrichment)
	fmt.Fprintf(&b, "Investigation window: %s to %s\n", window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	if len(snap.Plan.AffectedServices) > 0 {
		fmt.Fprintf(&b, "Affected services: %s\n", strings.Join(snap.Plan.AffectedServices, ", "))
	}
	if len(snap.Plan.Symptoms) > 0 {
		fmt.Fprintf(&b, "Symptoms: %s\n", strings.Join(snap.Plan.Symptoms, ", "))
	}
	if len(snap.Evidence) > 0 {
		b.WriteString("\nEvidence already collected:\n")
		for _, ev := range snap.Evidence {
			fmt.Fprintf(&b, "- [%s, conf %.2f] %s\n", ev.Source, ev.Confidence, truncate(ev.Content, 200))
		}
		b.WriteString("\nFocus on gaps: corroborate or refute what is above rather than repeating it.\n")
	}
	return b.String()
}

// parseFindings turns the model's conclusion into evidence. Confidence
// is clamped to [0.3, 0.95]: enrichment findings are model inferences,
// never certainties, but a conclusion the model committed to is worth
// more than noise.
func (a *EnrichmentAgent) parseFindings(content string) []models.Evidence {
	var parsed struct {
		Findings []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
		} `json:"findings"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &parsed); err == nil && len(parsed.Findings) > 0 {
		out := make([]models.Evidence, 0, len(parsed.Findings))
		for _, f := range parsed.Findings {
			if strings.TrimSpace(f.Content) == "" {
				continue
			}
			out = append(out, models.Evidence{
				ID:         newEvidenceID(models.SourceToolEnrichment),
				Source:     models.SourceToolEnrichment,
				Content:    f.Content,
				Confidence: clampConfidence(f.Confidence, 0.3, 0.95),
				Metadata:   map[string]any{"kind": "tool_finding"},
			})
		}
		return out
	}

	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}
	return []models.Evidence{{
		ID:         newEvidenceID(models.SourceToolEnrichment),
		Source:     models.SourceToolEnrichment,
		Content:    text,
		Confidence: 0.5,
		Metadata:   map[string]any{"kind": "tool_finding", "unstructured": true},
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
