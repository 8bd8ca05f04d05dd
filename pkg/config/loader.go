package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
//
// Precedence, lowest to highest:
//  1. Built-in defaults
//  2. Base YAML file (configPath, optional)
//  3. Override YAML file (overridePath, optional)
//  4. Flat environment variables (CONFIDENCE_THRESHOLD, METRICS_URL, ...)
//
// A .env file in the working directory is loaded first so container and
// local runs resolve the same variables.
func Initialize(configPath, overridePath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("No .env file loaded", "err", err)
	}

	cfg := Default()

	for _, path := range []string{configPath, overridePath} {
		if path == "" {
			continue
		}
		layer, err := loadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if layer == nil {
			continue
		}
		if err := mergo.Merge(cfg, layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"metrics_url", cfg.Metrics.URL,
		"dashboard_url", cfg.Dashboard.URL,
		"primary_model", cfg.LLM.PrimaryModel,
		"confidence_threshold", cfg.Pipeline.ConfidenceThreshold)

	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides maps the flat, documented environment variables onto
// the config tree. Unset and malformed values leave the current value in
// place.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Host, "HOST")
	setInt(&cfg.Port, "PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setFloat(&cfg.Pipeline.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
	setInt(&cfg.Pipeline.MinEvidenceSources, "MIN_EVIDENCE_SOURCES")
	setInt(&cfg.Pipeline.MaxHypotheses, "MAX_HYPOTHESES")
	setInt(&cfg.Pipeline.MaxToolIterations, "MAX_TOOL_ITERATIONS")
	setInt(&cfg.Pipeline.AgentTimeoutSeconds, "AGENT_TIMEOUT_SECONDS")
	setInt(&cfg.Pipeline.RunTimeoutSeconds, "RUN_TIMEOUT_SECONDS")

	setString(&cfg.LLM.PrimaryModel, "LLM_PRIMARY_MODEL")
	setString(&cfg.LLM.VisionModel, "VISION_MODEL")
	setString(&cfg.LLM.EmbeddingModel, "EMBEDDING_MODEL")

	setString(&cfg.Metrics.URL, "METRICS_URL")
	setString(&cfg.Dashboard.URL, "DASHBOARD_URL")
	setString(&cfg.Vector.IndexPath, "VECTOR_INDEX_PATH")

	setInt(&cfg.Queue.MaxConcurrentRuns, "MAX_CONCURRENT_RUNS")
	setInt(&cfg.Retention.HistoryRetentionDays, "HISTORY_RETENTION_DAYS")

	// DASHBOARD_API_KEY is read at request time through APIKeyEnv; honor a
	// custom variable name when configured.
	setString(&cfg.Dashboard.APIKeyEnv, "DASHBOARD_API_KEY_ENV")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring malformed integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring malformed float environment override", "key", key, "value", v)
		return
	}
	*dst = f
}
