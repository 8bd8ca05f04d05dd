package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the fully resolved service configuration.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Vector    VectorConfig    `yaml:"vector"`
	Runbooks  RunbookConfig   `yaml:"runbooks"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
	Masking   MaskingConfig   `yaml:"masking"`

	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// PipelineConfig tunes the analysis pipeline's thresholds and budgets.
type PipelineConfig struct {
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	MinEvidenceSources    int     `yaml:"min_evidence_sources"`
	MaxHypotheses         int     `yaml:"max_hypotheses"`
	MaxToolIterations     int     `yaml:"max_tool_iterations"`
	AgentTimeoutSeconds   int     `yaml:"agent_timeout_seconds"`
	RunTimeoutSeconds     int     `yaml:"run_timeout_seconds"`
	ToolLoopBudgetSeconds int     `yaml:"tool_loop_budget_seconds"`
	MaxLogEvidence        int     `yaml:"max_log_evidence"`
}

// AgentTimeout returns the per-agent soft timeout.
func (p PipelineConfig) AgentTimeout() time.Duration {
	return time.Duration(p.AgentTimeoutSeconds) * time.Second
}

// RunTimeout returns the per-run hard deadline.
func (p PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(p.RunTimeoutSeconds) * time.Second
}

// ToolLoopBudget returns the wall-clock budget for one enrichment loop.
func (p PipelineConfig) ToolLoopBudget() time.Duration {
	return time.Duration(p.ToolLoopBudgetSeconds) * time.Second
}

// LLMConfig selects models and credentials for the reasoning backend.
type LLMConfig struct {
	PrimaryModel   string `yaml:"primary_model"`
	VisionModel    string `yaml:"vision_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// APIKey reads the configured credential from the environment.
func (l LLMConfig) APIKey() string {
	return os.Getenv(l.APIKeyEnv)
}

// MetricsConfig points at the Prometheus-compatible backend.
type MetricsConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout for metric queries.
func (m MetricsConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// DashboardConfig points at the Grafana-compatible backend.
type DashboardConfig struct {
	URL            string `yaml:"url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// APIKey reads the bearer token from the environment.
func (d DashboardConfig) APIKey() string {
	return os.Getenv(d.APIKeyEnv)
}

// Timeout returns the per-request timeout for dashboard queries.
func (d DashboardConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// VectorConfig tunes the similarity index used for historical incidents,
// runbook sections, and indexed log lines.
type VectorConfig struct {
	IndexPath             string  `yaml:"index_path"`
	TopK                  int     `yaml:"top_k"`
	MinIncidentSimilarity float64 `yaml:"min_incident_similarity"`
	MinRunbookSimilarity  float64 `yaml:"min_runbook_similarity"`
}

// RunbookConfig controls runbook fetching for recommended actions.
type RunbookConfig struct {
	BaseURL        string   `yaml:"base_url"`
	CacheTTL       string   `yaml:"cache_ttl"`
	CacheSize      int      `yaml:"cache_size"`
	AllowedDomains []string `yaml:"allowed_domains"`
}

// CacheTTLDuration parses the cache TTL, falling back to one minute.
func (r RunbookConfig) CacheTTLDuration() time.Duration {
	if r.CacheTTL == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(r.CacheTTL)
	if err != nil {
		return time.Minute
	}
	return d
}

// QueueConfig bounds concurrent analysis runs.
type QueueConfig struct {
	MaxConcurrentRuns      int `yaml:"max_concurrent_runs"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// ShutdownTimeout returns the graceful drain deadline.
func (q QueueConfig) ShutdownTimeout() time.Duration {
	return time.Duration(q.ShutdownTimeoutSeconds) * time.Second
}

// RetentionConfig controls how long completed runs are kept.
type RetentionConfig struct {
	HistoryRetentionDays   int `yaml:"history_retention_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	EventTTLMinutes        int `yaml:"event_ttl_minutes"`
}

// CleanupInterval returns how often the retention sweeper runs.
func (r RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalMinutes) * time.Minute
}

// EventTTL returns how long stage events are kept for WebSocket
// catchup. Events are only useful while a run is in flight, so this is
// much shorter than analysis retention.
func (r RetentionConfig) EventTTL() time.Duration {
	return time.Duration(r.EventTTLMinutes) * time.Minute
}

// MaskingConfig controls credential masking of evidence content, tool
// results, and attached logs before they are logged or persisted.
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns"`
}

// MaskingPattern is one operator-supplied masking rule.
type MaskingPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Default returns the built-in configuration; loading merges files and
// environment overrides on top of it.
func Default() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8000,
		LogLevel: "info",
		Pipeline: PipelineConfig{
			ConfidenceThreshold:   0.7,
			MinEvidenceSources:    2,
			MaxHypotheses:         5,
			MaxToolIterations:     10,
			AgentTimeoutSeconds:   30,
			RunTimeoutSeconds:     120,
			ToolLoopBudgetSeconds: 60,
			MaxLogEvidence:        20,
		},
		LLM: LLMConfig{
			PrimaryModel:   "claude-sonnet-4-20250514",
			VisionModel:    "claude-sonnet-4-20250514",
			EmbeddingModel: "BAAI/bge-large-en-v1.5",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			MaxTokens:      4096,
		},
		Metrics: MetricsConfig{
			URL:            "http://localhost:9090",
			TimeoutSeconds: 10,
		},
		Dashboard: DashboardConfig{
			URL:            "http://localhost:3000",
			APIKeyEnv:      "DASHBOARD_API_KEY",
			TimeoutSeconds: 10,
		},
		Vector: VectorConfig{
			IndexPath:             "./data/index",
			TopK:                  5,
			MinIncidentSimilarity: 0.5,
			MinRunbookSimilarity:  0.4,
		},
		Runbooks: RunbookConfig{
			CacheTTL:       "1m",
			CacheSize:      128,
			AllowedDomains: []string{"github.com", "raw.githubusercontent.com"},
		},
		Queue: QueueConfig{
			MaxConcurrentRuns:      3,
			ShutdownTimeoutSeconds: 30,
		},
		Retention: RetentionConfig{
			HistoryRetentionDays:   90,
			CleanupIntervalMinutes: 360,
			EventTTLMinutes:        60,
		},
		Masking: MaskingConfig{
			Enabled: true,
		},
	}
}

// Validate checks the resolved configuration, aggregating every problem
// into one error so operators see the full list at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		problems = append(problems, "pipeline.confidence_threshold must be in [0,1]")
	}
	if c.Pipeline.MinEvidenceSources < 1 {
		problems = append(problems, "pipeline.min_evidence_sources must be >= 1")
	}
	if c.Pipeline.MaxHypotheses < 2 {
		problems = append(problems, "pipeline.max_hypotheses must be >= 2")
	}
	if c.Pipeline.MaxToolIterations < 1 {
		problems = append(problems, "pipeline.max_tool_iterations must be >= 1")
	}
	if c.Pipeline.AgentTimeoutSeconds <= 0 {
		problems = append(problems, "pipeline.agent_timeout_seconds must be > 0")
	}
	if c.Pipeline.RunTimeoutSeconds <= c.Pipeline.AgentTimeoutSeconds {
		problems = append(problems, "pipeline.run_timeout_seconds must exceed the agent timeout")
	}
	if c.Queue.MaxConcurrentRuns < 1 {
		problems = append(problems, "queue.max_concurrent_runs must be >= 1")
	}
	if c.Vector.MinIncidentSimilarity < 0 || c.Vector.MinIncidentSimilarity > 1 {
		problems = append(problems, "vector.min_incident_similarity must be in [0,1]")
	}
	if c.Metrics.URL == "" {
		problems = append(problems, "metrics.url is required")
	}
	if c.Dashboard.URL == "" {
		problems = append(problems, "dashboard.url is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
