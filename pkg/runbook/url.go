package runbook

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// githubBlobTreePattern matches GitHub blob or tree URLs:
// https://github.com/{owner}/{repo}/{blob|tree}/{ref}/{path...}
var githubBlobTreePattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/(blob|tree)/([^/]+)(?:/(.*))?$`)

// ConvertToRawURL converts a GitHub blob URL to a raw content URL.
// Returns the URL unchanged if already raw or not a recognized GitHub
// URL.
func ConvertToRawURL(githubURL string) string {
	parsed, err := url.Parse(githubURL)
	if err != nil {
		return githubURL
	}
	if parsed.Host == "raw.githubusercontent.com" {
		return githubURL
	}
	if parsed.Host != "github.com" && parsed.Host != "www.github.com" {
		return githubURL
	}

	matches := githubBlobTreePattern.FindStringSubmatch(parsed.Path)
	if matches == nil {
		return githubURL
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/refs/heads/%s/%s",
		matches[1], matches[2], matches[4], matches[5])
}

// ValidateURL checks that a runbook URL uses an allowed scheme and, when
// an allowlist is configured, an allowed domain.
func ValidateURL(rawURL string, allowedDomains []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid scheme %q: only http and https allowed", parsed.Scheme)
	}
	if len(allowedDomains) > 0 {
		host := strings.ToLower(parsed.Hostname())
		for _, domain := range allowedDomains {
			if host == domain || host == "www."+domain {
				return nil
			}
		}
		return fmt.Errorf("domain %q not in allowed list", host)
	}
	return nil
}
