// Package runbook fetches and caches operational runbooks so matched
// sections can back the recommended actions in an answer.
package runbook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/models"
)

// Service resolves runbook URLs referenced by retrieval evidence into
// concrete operator actions. Fetches go through a TTL-bounded LRU so a
// burst of runs against the same incident does not hammer the host.
type Service struct {
	fetcher        *Fetcher
	cache          *expirable.LRU[string, string]
	allowedDomains []string
	logger         *slog.Logger
}

// NewService builds the runbook service. token may be empty.
func NewService(cfg config.RunbookConfig, token string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 128
	}
	return &Service{
		fetcher:        NewFetcher(token),
		cache:          expirable.NewLRU[string, string](size, nil, cfg.CacheTTLDuration()),
		allowedDomains: cfg.AllowedDomains,
		logger:         logger.With("component", "runbook"),
	}
}

// OverrideHTTPClientForTest replaces the fetcher's HTTP client.
func (s *Service) OverrideHTTPClientForTest(client *http.Client) {
	s.fetcher.httpClient = client
}

// Resolve returns the content behind a runbook URL, consulting the
// cache first. The URL must pass the domain allowlist.
func (s *Service) Resolve(ctx context.Context, rawURL string) (string, error) {
	if err := ValidateURL(rawURL, s.allowedDomains); err != nil {
		return "", fmt.Errorf("rejecting runbook URL: %w", err)
	}

	key := ConvertToRawURL(rawURL)
	if content, ok := s.cache.Get(key); ok {
		return content, nil
	}

	content, err := s.fetcher.Download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	s.cache.Add(key, content)
	return content, nil
}

// ActionsFor turns runbook-backed retrieval evidence into up to max
// operator actions. Unreachable runbooks are still referenced by URL;
// losing the fetch must not lose the pointer.
func (s *Service) ActionsFor(ctx context.Context, evidence []models.Evidence, max int) []string {
	if max <= 0 {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, ev := range evidence {
		if len(out) >= max {
			break
		}
		if kind, _ := ev.Metadata["kind"].(string); kind != "runbook" {
			continue
		}
		url, _ := ev.Metadata["url"].(string)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true

		title, _ := ev.Metadata["title"].(string)
		if title == "" {
			title = "matched runbook"
		}

		content, err := s.Resolve(ctx, url)
		if err != nil {
			s.logger.Warn("Runbook fetch failed, referencing by URL only",
				"url", url, "err", err)
			out = append(out, fmt.Sprintf("Consult runbook %q: %s", title, url))
			continue
		}
		action := fmt.Sprintf("Follow runbook %q (%s)", title, url)
		if step := firstStep(content); step != "" {
			action += ": " + step
		}
		out = append(out, action)
	}
	return out
}

// firstStep pulls the first actionable line out of runbook markdown:
// the first list item under a mitigation-like heading, or the first
// list item anywhere.
func firstStep(content string) string {
	lines := strings.Split(content, "\n")
	inMitigation := false
	var firstItem string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(trimmed)
			inMitigation = strings.Contains(heading, "mitigat") ||
				strings.Contains(heading, "remediat") ||
				strings.Contains(heading, "resolution") ||
				strings.Contains(heading, "steps")
			continue
		}
		item, ok := strings.CutPrefix(trimmed, "- ")
		if !ok {
			if item, ok = strings.CutPrefix(trimmed, "* "); !ok {
				continue
			}
		}
		if inMitigation {
			return item
		}
		if firstItem == "" {
			firstItem = item
		}
	}
	return firstItem
}
