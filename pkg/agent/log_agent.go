package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/vector"
)

// LogAgent ranks attached log records against the incident query. Each
// run gets its own ephemeral index so one request's logs never leak into
// another's search space.
type LogAgent struct {
	embedder    vector.Embedder
	maxEvidence int
	logger      *slog.Logger
}

// NewLogAgent builds the log collector. maxEvidence caps how many log
// lines become evidence per run.
func NewLogAgent(embedder vector.Embedder, maxEvidence int, logger *slog.Logger) *LogAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEvidence <= 0 {
		maxEvidence = 20
	}
	return &LogAgent{
		embedder:    embedder,
		maxEvidence: maxEvidence,
		logger:      logger.With("component", "log_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *LogAgent) Name() models.EvidenceSource { return models.SourceLog }

// Collect implements EvidenceAgent.
func (a *LogAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if len(snap.Logs) == 0 {
		return models.Patch{}, nil
	}

	idx := vector.NewInMemoryIndex(a.embedder)
	docs := make([]vector.Document, 0, len(snap.Logs))
	for i, record := range snap.Logs {
		if strings.TrimSpace(record.Content) == "" {
			continue
		}
		docs = append(docs, vector.Document{
			ID:   fmt.Sprintf("log-%d", i),
			Text: record.Content,
			Payload: map[string]any{
				"index": i,
			},
		})
	}
	if len(docs) == 0 {
		return models.Patch{}, nil
	}
	if err := idx.Add(ctx, vector.CorpusLogs, docs...); err != nil {
		return models.Patch{}, fmt.Errorf("indexing logs: %w", err)
	}

	results, err := idx.Search(ctx, vector.CorpusLogs, snap.Query, a.maxEvidence, 0)
	if err != nil {
		return models.Patch{}, fmt.Errorf("searching logs: %w", err)
	}

	window := snap.Plan.Window(models.SourceLog)
	picked := make(map[int]bool)
	var patch models.Patch
	for _, res := range results {
		i := res.Document.Payload["index"].(int)
		picked[i] = true
		patch.Evidence = append(patch.Evidence, a.toEvidence(snap.Logs[i], res.Similarity, window))
	}

	// Error-level lines matter even when lexically far from the query.
	for i, record := range snap.Logs {
		if len(patch.Evidence) >= a.maxEvidence {
			break
		}
		if picked[i] || !isErrorLevel(record.Level) {
			continue
		}
		patch.Evidence = append(patch.Evidence, a.toEvidence(record, 0, window))
	}
	return patch, nil
}

func (a *LogAgent) toEvidence(record models.LogRecord, similarity float64, window models.SearchWindow) models.Evidence {
	confidence := 0.3 + 0.4*similarity
	if isErrorLevel(record.Level) {
		confidence += 0.15
	} else if strings.EqualFold(record.Level, "warn") || strings.EqualFold(record.Level, "warning") {
		confidence += 0.05
	}

	var ts *time.Time
	if record.Timestamp != "" {
		if parsed, err := models.ParseIncidentTime(record.Timestamp); err == nil {
			ts = &parsed
			if window.Contains(parsed) {
				confidence += 0.1
			}
		}
	}

	metadata := map[string]any{}
	if record.Service != "" {
		metadata["service"] = record.Service
	}
	if record.Level != "" {
		metadata["level"] = record.Level
	}
	if record.Source != "" {
		metadata["source"] = record.Source
	}
	if similarity > 0 {
		metadata["similarity"] = similarity
	}

	return models.Evidence{
		ID:         newEvidenceID(models.SourceLog),
		Source:     models.SourceLog,
		Content:    record.Content,
		Timestamp:  ts,
		Confidence: clampConfidence(confidence, 0.1, 0.95),
		Metadata:   metadata,
	}
}

func isErrorLevel(level string) bool {
	switch strings.ToLower(level) {
	case "error", "err", "fatal", "critical", "panic":
		return true
	}
	return false
}
