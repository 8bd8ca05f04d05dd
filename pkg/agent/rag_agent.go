package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/vector"
)

// RAGAgent retrieves similar historical incidents and relevant runbook
// sections from the shared knowledge index. Runbook matches use a lower
// similarity floor than incidents since runbooks are written generically.
type RAGAgent struct {
	index                 vector.Index
	topK                  int
	minIncidentSimilarity float64
	minRunbookSimilarity  float64
	logger                *slog.Logger
}

// NewRAGAgent builds the retrieval collector over the given index.
func NewRAGAgent(index vector.Index, topK int, minIncidentSim, minRunbookSim float64, logger *slog.Logger) *RAGAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = 5
	}
	return &RAGAgent{
		index:                 index,
		topK:                  topK,
		minIncidentSimilarity: minIncidentSim,
		minRunbookSimilarity:  minRunbookSim,
		logger:                logger.With("component", "rag_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *RAGAgent) Name() models.EvidenceSource { return models.SourceRAG }

// Collect implements EvidenceAgent.
func (a *RAGAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if a.index == nil {
		return models.Patch{}, nil
	}

	var patch models.Patch

	incidents, err := a.index.Search(ctx, vector.CorpusIncidents, snap.Query, a.topK, a.minIncidentSimilarity)
	if err != nil {
		return patch, fmt.Errorf("searching incident corpus: %w", err)
	}
	for _, res := range incidents {
		patch.Evidence = append(patch.Evidence, a.incidentEvidence(res))
	}

	runbooks, err := a.index.Search(ctx, vector.CorpusRunbooks, snap.Query, a.topK, a.minRunbookSimilarity)
	if err != nil {
		return patch, fmt.Errorf("searching runbook corpus: %w", err)
	}
	for _, res := range runbooks {
		patch.Evidence = append(patch.Evidence, a.runbookEvidence(res))
	}
	return patch, nil
}

func (a *RAGAgent) incidentEvidence(res vector.SearchResult) models.Evidence {
	metadata := map[string]any{
		"kind":        "historical_incident",
		"document_id": res.Document.ID,
		"similarity":  res.Similarity,
	}
	var lines []string
	lines = append(lines, "Similar historical incident: "+res.Document.Text)
	if rootCause, ok := res.Document.Payload["root_cause"].(string); ok && rootCause != "" {
		metadata["root_cause"] = rootCause
		lines = append(lines, "Resolved root cause: "+rootCause)
	}
	if resolution, ok := res.Document.Payload["resolution"].(string); ok && resolution != "" {
		metadata["resolution"] = resolution
		lines = append(lines, "Resolution: "+resolution)
	}

	return models.Evidence{
		ID:      newEvidenceID(models.SourceRAG),
		Source:  models.SourceRAG,
		Content: strings.Join(lines, "\n"),
		// Similarity is already the match quality; past incidents never
		// prove the current one, so cap below direct observations.
		Confidence: clampConfidence(res.Similarity*0.9, 0.1, 0.85),
		Metadata:   metadata,
	}
}

func (a *RAGAgent) runbookEvidence(res vector.SearchResult) models.Evidence {
	metadata := map[string]any{
		"kind":        "runbook",
		"document_id": res.Document.ID,
		"similarity":  res.Similarity,
	}
	if title, ok := res.Document.Payload["title"].(string); ok && title != "" {
		metadata["title"] = title
	}
	if url, ok := res.Document.Payload["url"].(string); ok && url != "" {
		metadata["url"] = url
	}

	return models.Evidence{
		ID:         newEvidenceID(models.SourceRAG),
		Source:     models.SourceRAG,
		Content:    "Runbook guidance: " + res.Document.Text,
		Confidence: clampConfidence(res.Similarity*0.8, 0.1, 0.75),
		Metadata:   metadata,
	}
}
