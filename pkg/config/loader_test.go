package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize("", "")
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Pipeline.ConfidenceThreshold)
	assert.Equal(t, 2, cfg.Pipeline.MinEvidenceSources)
	assert.Equal(t, 5, cfg.Pipeline.MaxHypotheses)
	assert.Equal(t, 10, cfg.Pipeline.MaxToolIterations)
	assert.Equal(t, 30, cfg.Pipeline.AgentTimeoutSeconds)
	assert.Equal(t, 120, cfg.Pipeline.RunTimeoutSeconds)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentRuns)
}

func TestInitializeBaseAndOverrideFiles(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "triage.yaml", `
metrics:
  url: http://prom.internal:9090
pipeline:
  confidence_threshold: 0.8
`)
	override := writeFile(t, dir, "triage.override.yaml", `
pipeline:
  confidence_threshold: 0.65
`)

	cfg, err := Initialize(base, override)
	require.NoError(t, err)

	assert.Equal(t, "http://prom.internal:9090", cfg.Metrics.URL)
	assert.Equal(t, 0.65, cfg.Pipeline.ConfidenceThreshold, "override file wins over base")
	assert.Equal(t, 5, cfg.Pipeline.MaxHypotheses, "unset values keep defaults")
}

func TestInitializeEnvOverrides(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("METRICS_URL", "http://prom.env:9090")
	t.Setenv("MAX_TOOL_ITERATIONS", "4")

	cfg, err := Initialize("", "")
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Pipeline.ConfidenceThreshold)
	assert.Equal(t, "http://prom.env:9090", cfg.Metrics.URL)
	assert.Equal(t, 4, cfg.Pipeline.MaxToolIterations)
}

func TestInitializeMalformedEnvIgnored(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "very high")

	cfg, err := Initialize("", "")
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Pipeline.ConfidenceThreshold)
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.ConfidenceThreshold = 1.5
	cfg.Pipeline.MinEvidenceSources = 0
	cfg.Metrics.URL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_threshold")
	assert.Contains(t, err.Error(), "min_evidence_sources")
	assert.Contains(t, err.Error(), "metrics.url")
}

func TestValidateRunTimeoutMustExceedAgentTimeout(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.RunTimeoutSeconds = cfg.Pipeline.AgentTimeoutSeconds

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_timeout_seconds")
}
