package models

import (
	"fmt"
	"strings"
	"time"
)

// LogRecord is one raw log entry attached to an analysis request.
// Fields beyond Content are optional hints; Extra carries anything the
// caller included that has no dedicated field.
type LogRecord struct {
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Service   string         `json:"service,omitempty"`
	Level     string         `json:"level,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogFileAttachment is a base64-encoded log file uploaded with a request.
type LogFileAttachment struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

// ImageAttachment is one dashboard screenshot, either a server-side path
// or inline base64 data.
type ImageAttachment struct {
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"`
}

// AnalysisRequest is the normalized inbound request for one run.
type AnalysisRequest struct {
	Query           string              `json:"query" binding:"required"`
	Timestamp       string              `json:"timestamp,omitempty"`
	DashboardImages []string            `json:"dashboard_images,omitempty"`
	LogFilesBase64  []LogFileAttachment `json:"log_files_base64,omitempty"`
	Logs            []LogRecord         `json:"logs,omitempty"`
	Services        []string            `json:"services,omitempty"`
	TimeWindow      string              `json:"time_window,omitempty"`
	Async           bool                `json:"async,omitempty"`
}

// Validate checks the request before the pipeline starts. Violations are
// input errors and never reach the pipeline.
func (r *AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if r.Timestamp != "" {
		if _, err := ParseIncidentTime(r.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", r.Timestamp, err)
		}
	}
	return nil
}

// IncidentTime returns the request timestamp in UTC, or now when absent.
func (r *AnalysisRequest) IncidentTime(now time.Time) time.Time {
	if r.Timestamp == "" {
		return now.UTC()
	}
	t, err := ParseIncidentTime(r.Timestamp)
	if err != nil {
		return now.UTC()
	}
	return t
}

// Images collects the attached screenshots, classifying each entry as a
// path or inline base64 payload.
func (r *AnalysisRequest) Images() []ImageAttachment {
	out := make([]ImageAttachment, 0, len(r.DashboardImages))
	for _, img := range r.DashboardImages {
		if looksLikeBase64Image(img) {
			out = append(out, ImageAttachment{Data: img})
		} else {
			out = append(out, ImageAttachment{Path: img})
		}
	}
	return out
}

func looksLikeBase64Image(s string) bool {
	if strings.HasPrefix(s, "data:image/") {
		return true
	}
	// Paths are short and contain separators or an image extension.
	if strings.ContainsAny(s, "/\\") || len(s) < 128 {
		return false
	}
	return true
}

// incidentTimeLayouts are the accepted request timestamp formats, tried in
// order.
var incidentTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseIncidentTime parses a request timestamp and normalizes it to UTC.
func ParseIncidentTime(s string) (time.Time, error) {
	for _, layout := range incidentTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}
