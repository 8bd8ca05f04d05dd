// Package masking redacts credential-shaped strings from evidence
// content, tool results, and attached logs before they are logged or
// persisted.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/models"
)

// CompiledPattern is one ready-to-apply masking rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover the credential shapes that show up in log lines
// and tool output. Order matters: more specific patterns run first so a
// generic key=value rule does not swallow a structured token.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "anthropic_api_key",
		pattern:     `sk-ant-[A-Za-z0-9_-]{10,}`,
		replacement: "[MASKED_API_KEY]",
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)bearer\s+[A-Za-z0-9._\-+/=]{8,}`,
		replacement: "Bearer [MASKED_TOKEN]",
	},
	{
		name:        "basic_auth_url",
		pattern:     `([a-z][a-z0-9+.-]*://[^:/\s]+):[^@/\s]+@`,
		replacement: "$1:[MASKED_PASSWORD]@",
	},
	{
		name:        "password_assignment",
		pattern:     `(?i)(password|passwd|pwd|secret|token|api[_-]?key)(["']?\s*[:=]\s*["']?)[^\s"',;]+`,
		replacement: "$1$2[MASKED]",
	},
	{
		name:        "certificate_block",
		pattern:     `-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`,
		replacement: "[MASKED_CERTIFICATE]",
	},
	{
		name:        "aws_access_key",
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: "[MASKED_AWS_KEY]",
	},
}

// Service applies masking rules. Built once at startup; safe for
// concurrent use since compiled patterns are never mutated afterwards.
type Service struct {
	enabled  bool
	patterns []*CompiledPattern
	logger   *slog.Logger
}

// NewService compiles the built-in rules plus any operator-supplied
// custom patterns. Invalid custom patterns are logged and skipped.
func NewService(cfg config.MaskingConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "masking")

	s := &Service{enabled: cfg.Enabled, logger: logger}
	for _, p := range builtinPatterns {
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for _, p := range cfg.CustomPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			logger.Error("Skipping invalid custom masking pattern",
				"pattern", p.Name, "err", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.Name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}

	logger.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"patterns", len(s.patterns))
	return s
}

// MaskString applies every rule to one string.
func (s *Service) MaskString(in string) string {
	if !s.enabled || in == "" {
		return in
	}
	out := in
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// MaskEvidence redacts evidence content in place and returns the slice.
// Metadata values are left alone: they are structured fields the agents
// produce, not raw backend output.
func (s *Service) MaskEvidence(items []models.Evidence) []models.Evidence {
	if !s.enabled {
		return items
	}
	for i := range items {
		items[i].Content = s.MaskString(items[i].Content)
	}
	return items
}

// MaskLogRecords redacts attached log lines before they enter the
// pipeline.
func (s *Service) MaskLogRecords(records []models.LogRecord) []models.LogRecord {
	if !s.enabled {
		return records
	}
	for i := range records {
		records[i].Content = s.MaskString(records[i].Content)
	}
	return records
}
