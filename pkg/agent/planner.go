package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

// Window half-widths per evidence source, applied around the incident
// time when building a plan.
const (
	logWindowRadius        = 15 * time.Minute
	metricsWindowRadius    = 30 * time.Minute
	enrichmentWindowRadius = 35 * time.Minute
)

// Planner turns an analysis request into a search plan. It asks the
// reasoning model first and falls back to deterministic keyword
// extraction whenever the model is unavailable or returns something
// unusable, so planning never fails a run.
type Planner struct {
	client    llm.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewPlanner builds a planner. A nil client disables the model path and
// every plan comes from the deterministic fallback.
func NewPlanner(client llm.Client, model string, maxTokens int, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "planner"),
	}
}

const plannerSystemPrompt = `You are an incident analysis planner. Given an incident query, extract:
- affected_services: service names mentioned or implied
- symptoms: from [latency, error, crash, memory, cpu, network, deployment, dependency]
- priority: high, medium, or low
Respond with a single JSON object:
{"affected_services": [...], "symptoms": [...], "priority": "..."}`

// Plan builds the search plan for one request.
func (p *Planner) Plan(ctx context.Context, req *models.AnalysisRequest, now time.Time) *models.Plan {
	incidentTime := req.IncidentTime(now)
	plan := p.fallbackPlan(req, incidentTime)

	if p.client == nil {
		return plan
	}

	resp, err := p.client.Chat(ctx, llm.ChatRequest{
		Model:     p.model,
		System:    plannerSystemPrompt,
		MaxTokens: p.maxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Incident query: %s\nIncident time: %s", req.Query, incidentTime.Format(time.RFC3339)),
		}},
	})
	if err != nil {
		p.logger.Warn("Planner model call failed, using fallback plan", "err", err)
		return plan
	}

	var parsed struct {
		AffectedServices []string `json:"affected_services"`
		Symptoms         []string `json:"symptoms"`
		Priority         string   `json:"priority"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &parsed); err != nil {
		p.logger.Warn("Planner response unparseable, using fallback plan", "err", err)
		return plan
	}

	// Merge: the model refines services, symptoms and priority; windows
	// and required agents stay deterministic.
	if len(parsed.AffectedServices) > 0 {
		plan.AffectedServices = mergeUnique(plan.AffectedServices, parsed.AffectedServices)
	}
	if symptoms := filterKnownSymptoms(parsed.Symptoms); len(symptoms) > 0 {
		plan.Symptoms = mergeUnique(plan.Symptoms, symptoms)
	}
	switch models.Priority(parsed.Priority) {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
		plan.Priority = models.Priority(parsed.Priority)
	}
	return plan
}

// fallbackPlan extracts what it can from the query text alone.
func (p *Planner) fallbackPlan(req *models.AnalysisRequest, incidentTime time.Time) *models.Plan {
	query := strings.ToLower(req.Query)

	plan := &models.Plan{
		IncidentTime:     incidentTime,
		AffectedServices: extractServices(req),
		Symptoms:         extractSymptoms(query),
		Priority:         classifyPriority(query),
		SearchWindows: map[models.EvidenceSource]models.SearchWindow{
			models.SourceLog: {
				Start: incidentTime.Add(-logWindowRadius),
				End:   incidentTime.Add(logWindowRadius),
			},
			models.SourceMetrics: {
				Start: incidentTime.Add(-metricsWindowRadius),
				End:   incidentTime.Add(metricsWindowRadius),
			},
			models.SourceDashboard: {
				Start: incidentTime.Add(-metricsWindowRadius),
				End:   incidentTime.Add(metricsWindowRadius),
			},
			models.SourceToolEnrichment: {
				Start: incidentTime.Add(-enrichmentWindowRadius),
				End:   incidentTime.Add(enrichmentWindowRadius),
			},
		},
	}

	plan.RequiredAgents = []models.EvidenceSource{models.SourceRAG, models.SourceMetrics, models.SourceDashboard}
	if len(req.Logs) > 0 || len(req.LogFilesBase64) > 0 {
		plan.RequiredAgents = append([]models.EvidenceSource{models.SourceLog}, plan.RequiredAgents...)
	}
	if len(req.DashboardImages) > 0 {
		plan.RequiredAgents = append(plan.RequiredAgents, models.SourceImage)
	}
	return plan
}

var serviceTokenRe = regexp.MustCompile(`\b[a-z0-9]+(?:-[a-z0-9]+)+\b`)

var serviceSuffixes = []string{"-service", "-api", "-gateway", "-db", "-worker", "-proxy", "-cache", "-queue"}

func extractServices(req *models.AnalysisRequest) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, s := range req.Services {
		add(s)
	}
	for _, token := range serviceTokenRe.FindAllString(strings.ToLower(req.Query), -1) {
		for _, suffix := range serviceSuffixes {
			if strings.HasSuffix(token, suffix) {
				add(token)
				break
			}
		}
		// Hyphenated two-part names like api-gateway read as services
		// even without a recognized suffix.
		if strings.Count(token, "-") == 1 && !seen[token] {
			add(token)
		}
	}
	for _, log := range req.Logs {
		add(log.Service)
	}
	return out
}

var symptomKeywords = map[string][]string{
	models.SymptomLatency:    {"latency", "slow", "timeout", "p99", "p95", "response time"},
	models.SymptomError:      {"error", "5xx", "500", "502", "503", "fail", "exception"},
	models.SymptomCrash:      {"crash", "panic", "restart", "crashloop", "killed"},
	models.SymptomMemory:     {"memory", "oom", "heap", "leak"},
	models.SymptomCPU:        {"cpu", "throttl", "load"},
	models.SymptomNetwork:    {"network", "dns", "connection", "tls", "handshake"},
	models.SymptomDeployment: {"deploy", "release", "rollout", "version", "upgrade"},
	models.SymptomDependency: {"dependency", "upstream", "downstream", "third-party", "external"},
}

// symptomOrder keeps fallback symptom lists deterministic.
var symptomOrder = []string{
	models.SymptomLatency, models.SymptomError, models.SymptomCrash, models.SymptomMemory,
	models.SymptomCPU, models.SymptomNetwork, models.SymptomDeployment, models.SymptomDependency,
}

func extractSymptoms(query string) []string {
	var out []string
	for _, symptom := range symptomOrder {
		for _, kw := range symptomKeywords[symptom] {
			if strings.Contains(query, kw) {
				out = append(out, symptom)
				break
			}
		}
	}
	return out
}

var highPriorityKeywords = []string{"outage", "down", "critical", "all users", "production", "data loss", "sev1", "p1"}
var lowPriorityKeywords = []string{"minor", "occasionally", "intermittent", "slightly", "cosmetic"}

func classifyPriority(query string) models.Priority {
	for _, kw := range highPriorityKeywords {
		if strings.Contains(query, kw) {
			return models.PriorityHigh
		}
	}
	for _, kw := range lowPriorityKeywords {
		if strings.Contains(query, kw) {
			return models.PriorityLow
		}
	}
	return models.PriorityMedium
}

func filterKnownSymptoms(symptoms []string) []string {
	var out []string
	for _, s := range symptoms {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, ok := symptomKeywords[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
