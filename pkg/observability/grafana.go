package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DashboardMeta is one dashboard in a search response.
type DashboardMeta struct {
	UID         string   `json:"uid"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	FolderTitle string   `json:"folderTitle"`
	URL         string   `json:"url"`
}

// Panel is one panel inside a dashboard definition.
type Panel struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Dashboard is a fetched dashboard definition.
type Dashboard struct {
	UID    string   `json:"uid"`
	Title  string   `json:"title"`
	Tags   []string `json:"tags"`
	Panels []Panel  `json:"panels"`
}

// Annotation is one dashboard annotation.
type Annotation struct {
	ID      int64    `json:"id"`
	Time    int64    `json:"time"`
	TimeEnd int64    `json:"timeEnd,omitempty"`
	Text    string   `json:"text"`
	Tags    []string `json:"tags"`
}

// Timestamp converts the annotation's epoch-milliseconds to a time.
func (a Annotation) Timestamp() time.Time {
	return time.UnixMilli(a.Time).UTC()
}

// DashboardClient is the Grafana-side interface the dashboard agent and
// the enrichment toolset consume. Implementations must be safe for
// concurrent use.
type DashboardClient interface {
	Search(ctx context.Context, query string, tags []string) ([]DashboardMeta, error)
	Dashboard(ctx context.Context, uid string) (*Dashboard, error)
	Annotations(ctx context.Context, start, end time.Time, tags []string) ([]Annotation, error)
	Available(ctx context.Context) bool
}

// GrafanaClient implements DashboardClient against a Grafana-compatible
// HTTP JSON API with bearer-token authentication. Dashboard fetches are
// cached since panel definitions change rarely within a run's lifetime.
type GrafanaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *expirable.LRU[string, *Dashboard]
}

// NewGrafanaClient builds a client with a pooled transport.
func NewGrafanaClient(baseURL, apiKey string, timeout time.Duration) *GrafanaClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &GrafanaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		cache: expirable.NewLRU[string, *Dashboard](64, nil, 5*time.Minute),
	}
}

// Search implements DashboardClient.Search via /api/search.
func (c *GrafanaClient) Search(ctx context.Context, query string, tags []string) ([]DashboardMeta, error) {
	params := url.Values{"type": {"dash-db"}}
	if query != "" {
		params.Set("query", query)
	}
	for _, tag := range tags {
		params.Add("tag", tag)
	}

	var results []DashboardMeta
	if err := c.getJSON(ctx, "/api/search?"+params.Encode(), &results); err != nil {
		return nil, fmt.Errorf("dashboard search: %w", err)
	}
	return results, nil
}

// Dashboard implements DashboardClient.Dashboard via /api/dashboards/uid.
func (c *GrafanaClient) Dashboard(ctx context.Context, uid string) (*Dashboard, error) {
	if cached, ok := c.cache.Get(uid); ok {
		return cached, nil
	}

	var payload struct {
		Dashboard struct {
			UID    string   `json:"uid"`
			Title  string   `json:"title"`
			Tags   []string `json:"tags"`
			Panels []Panel  `json:"panels"`
		} `json:"dashboard"`
	}
	if err := c.getJSON(ctx, "/api/dashboards/uid/"+url.PathEscape(uid), &payload); err != nil {
		return nil, fmt.Errorf("fetching dashboard %s: %w", uid, err)
	}

	dash := &Dashboard{
		UID:    payload.Dashboard.UID,
		Title:  payload.Dashboard.Title,
		Tags:   payload.Dashboard.Tags,
		Panels: payload.Dashboard.Panels,
	}
	c.cache.Add(uid, dash)
	return dash, nil
}

// Annotations implements DashboardClient.Annotations via /api/annotations.
func (c *GrafanaClient) Annotations(ctx context.Context, start, end time.Time, tags []string) ([]Annotation, error) {
	params := url.Values{
		"from": {strconv.FormatInt(start.UnixMilli(), 10)},
		"to":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	for _, tag := range tags {
		params.Add("tags", tag)
	}

	var annotations []Annotation
	if err := c.getJSON(ctx, "/api/annotations?"+params.Encode(), &annotations); err != nil {
		return nil, fmt.Errorf("fetching annotations: %w", err)
	}
	return annotations, nil
}

// Available implements DashboardClient.Available.
func (c *GrafanaClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var health map[string]any
	return c.getJSON(ctx, "/api/health", &health) == nil
}

func (c *GrafanaClient) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
