package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/models"
)

// ImageAgent reads dashboard screenshots with the vision model and turns
// observed metrics and visual anomalies into evidence. A single failed
// image does not fail the agent; its error is recorded in the patch.
type ImageAgent struct {
	client    llm.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewImageAgent builds the screenshot collector.
func NewImageAgent(client llm.Client, model string, maxTokens int, logger *slog.Logger) *ImageAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageAgent{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "image_agent"),
	}
}

// Name implements EvidenceAgent.
func (a *ImageAgent) Name() models.EvidenceSource { return models.SourceImage }

const imageSystemPrompt = `You are an SRE reading a dashboard screenshot during incident triage.
Identify the metrics shown and any visual anomalies (spikes, drops, flatlines, gaps).
Respond with a single JSON object:
{"metrics_observed": [{"name": "...", "observation": "..."}], "visual_anomalies": ["..."], "confidence": 0.0}`

// Collect implements EvidenceAgent.
func (a *ImageAgent) Collect(ctx context.Context, snap models.Snapshot) (models.Patch, error) {
	if len(snap.Images) == 0 {
		return models.Patch{}, nil
	}
	if a.client == nil {
		return models.Patch{Errors: []string{"vision model unavailable, skipping screenshots"}}, nil
	}

	var patch models.Patch
	for i, img := range snap.Images {
		if err := ctx.Err(); err != nil {
			return patch, err
		}
		label := img.Path
		if label == "" {
			label = fmt.Sprintf("inline image %d", i+1)
		}
		evidence, err := a.analyzeImage(ctx, img, label, snap.Query)
		if err != nil {
			patch.Errors = append(patch.Errors, fmt.Sprintf("analyzing %s: %v", label, err))
			continue
		}
		patch.Evidence = append(patch.Evidence, evidence...)
	}
	return patch, nil
}

// ImageFindings is the vision model's structured read of one screenshot.
type ImageFindings struct {
	MetricsObserved []struct {
		Name        string `json:"name"`
		Observation string `json:"observation"`
	} `json:"metrics_observed"`
	VisualAnomalies []string `json:"visual_anomalies"`
	Confidence      float64  `json:"confidence"`
}

// AnalyzeOne runs the vision model on a single screenshot outside a
// pipeline run, for the standalone image-analysis endpoint.
func (a *ImageAgent) AnalyzeOne(ctx context.Context, img models.ImageAttachment, contextText string) (*models.ImageAnalysisResponse, error) {
	if a.client == nil {
		return nil, fmt.Errorf("vision model unavailable")
	}
	findings, err := a.readImage(ctx, img, contextText)
	if err != nil {
		return nil, err
	}

	observed := make([]map[string]any, 0, len(findings.MetricsObserved))
	for _, m := range findings.MetricsObserved {
		observed = append(observed, map[string]any{
			"name":        m.Name,
			"observation": m.Observation,
		})
	}
	anomalies := findings.VisualAnomalies
	if anomalies == nil {
		anomalies = []string{}
	}
	return &models.ImageAnalysisResponse{
		ImagePath:       img.Path,
		MetricsObserved: observed,
		VisualAnomalies: anomalies,
		Confidence:      clampConfidence(findings.Confidence, 0.2, 0.9),
	}, nil
}

func (a *ImageAgent) analyzeImage(ctx context.Context, img models.ImageAttachment, label, query string) ([]models.Evidence, error) {
	findings, err := a.readImage(ctx, img, query)
	if err != nil {
		return nil, err
	}
	confidence := clampConfidence(findings.Confidence, 0.2, 0.9)

	var out []models.Evidence
	for _, metric := range findings.MetricsObserved {
		if metric.Observation == "" {
			continue
		}
		out = append(out, models.Evidence{
			ID:         newEvidenceID(models.SourceImage),
			Source:     models.SourceImage,
			Content:    fmt.Sprintf("Screenshot %s shows %s: %s", label, metric.Name, metric.Observation),
			Confidence: confidence,
			Metadata:   map[string]any{"image": label, "metric": metric.Name},
		})
	}
	for _, an := range findings.VisualAnomalies {
		out = append(out, models.Evidence{
			ID:         newEvidenceID(models.SourceImage),
			Source:     models.SourceImage,
			Content:    fmt.Sprintf("Visual anomaly in %s: %s", label, an),
			Confidence: confidence,
			Metadata:   map[string]any{"image": label, "kind": "visual_anomaly"},
		})
	}
	return out, nil
}

// readImage sends one screenshot to the vision model and parses its
// structured findings.
func (a *ImageAgent) readImage(ctx context.Context, img models.ImageAttachment, query string) (*ImageFindings, error) {
	payload, err := loadImagePayload(img)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:     a.model,
		System:    imageSystemPrompt,
		MaxTokens: a.maxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Incident context: " + query,
			Images:  []llm.ImagePayload{payload},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision call: %w", err)
	}

	var findings ImageFindings
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &findings); err != nil {
		return nil, fmt.Errorf("unparseable vision response: %w", err)
	}
	return &findings, nil
}

// loadImagePayload normalizes an attachment into a base64 payload for
// the vision model.
func loadImagePayload(img models.ImageAttachment) (llm.ImagePayload, error) {
	if img.Data != "" {
		data := img.Data
		mediaType := "image/png"
		if rest, ok := strings.CutPrefix(data, "data:"); ok {
			mt, b64, found := strings.Cut(rest, ";base64,")
			if !found {
				return llm.ImagePayload{}, fmt.Errorf("malformed data URI")
			}
			mediaType, data = mt, b64
		}
		return llm.ImagePayload{MediaType: mediaType, DataBase64: data}, nil
	}

	raw, err := os.ReadFile(img.Path)
	if err != nil {
		return llm.ImagePayload{}, fmt.Errorf("reading image: %w", err)
	}
	mediaType := "image/png"
	switch strings.ToLower(filepath.Ext(img.Path)) {
	case ".jpg", ".jpeg":
		mediaType = "image/jpeg"
	case ".webp":
		mediaType = "image/webp"
	case ".gif":
		mediaType = "image/gif"
	}
	return llm.ImagePayload{
		MediaType:  mediaType,
		DataBase64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}
