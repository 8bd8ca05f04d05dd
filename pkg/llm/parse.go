package llm

import (
	"strings"
)

// ExtractJSON pulls a JSON object or array out of model text. Models
// frequently wrap JSON in markdown fences or surround it with prose, so
// this tries, in order: a ```json fence, any ``` fence, and the outermost
// brace/bracket pair. Returns "" when no candidate is found; callers
// treat that as malformed output and fall back.
func ExtractJSON(text string) string {
	if fenced := extractFenced(text, "```json"); fenced != "" {
		return fenced
	}
	if fenced := extractFenced(text, "```"); fenced != "" {
		if strings.HasPrefix(fenced, "{") || strings.HasPrefix(fenced, "[") {
			return fenced
		}
	}

	best, bestStart := "", -1
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(text, pair[0])
		end := strings.LastIndexByte(text, pair[1])
		if start >= 0 && end > start && (bestStart < 0 || start < bestStart) {
			best, bestStart = strings.TrimSpace(text[start:end+1]), start
		}
	}
	return best
}

func extractFenced(text, fence string) string {
	start := strings.Index(text, fence)
	if start < 0 {
		return ""
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
