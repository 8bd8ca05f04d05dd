package observability

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Point is one sample in a time series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Sample is one instant-query result.
type Sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
	Time   time.Time         `json:"time"`
}

// Series is one range-query result stream.
type Series struct {
	Labels map[string]string `json:"labels"`
	Points []Point           `json:"points"`
}

// Alert is a currently firing or pending alert.
type Alert struct {
	Name        string            `json:"name"`
	State       string            `json:"state"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	ActiveAt    time.Time         `json:"active_at"`
	Value       string            `json:"value"`
}

// Target is one active scrape target.
type Target struct {
	Job       string `json:"job"`
	Instance  string `json:"instance"`
	Health    string `json:"health"`
	ScrapeURL string `json:"scrape_url"`
	LastError string `json:"last_error,omitempty"`
}

// QueryRange bounds a range query.
type QueryRange struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// MetricsQuerier is the Prometheus-side interface the metrics agent and
// the enrichment toolset consume. Implementations must be safe for
// concurrent use.
type MetricsQuerier interface {
	Instant(ctx context.Context, expr string, ts time.Time) ([]Sample, error)
	Range(ctx context.Context, expr string, r QueryRange) ([]Series, error)
	Alerts(ctx context.Context) ([]Alert, error)
	Targets(ctx context.Context) ([]Target, error)
	// ActiveJobs enumerates jobs with at least one up target, used for
	// auto-discovery when a plan names no jobs.
	ActiveJobs(ctx context.Context, ts time.Time) ([]string, error)
	Available(ctx context.Context) bool
}

// PromClient implements MetricsQuerier against a Prometheus-compatible
// HTTP API.
type PromClient struct {
	api     v1.API
	timeout time.Duration
}

// NewPromClient builds a client for the given base URL.
func NewPromClient(baseURL string, timeout time.Duration) (*PromClient, error) {
	client, err := api.NewClient(api.Config{
		Address:      baseURL,
		RoundTripper: http.DefaultTransport,
	})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	return &PromClient{api: v1.NewAPI(client), timeout: timeout}, nil
}

// Instant implements MetricsQuerier.Instant.
func (c *PromClient) Instant(ctx context.Context, expr string, ts time.Time) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, _, err := c.api.Query(ctx, expr, ts)
	if err != nil {
		return nil, fmt.Errorf("instant query %q: %w", expr, err)
	}

	vec, ok := value.(model.Vector)
	if !ok {
		if scalar, ok := value.(*model.Scalar); ok {
			return []Sample{{Value: float64(scalar.Value), Time: scalar.Timestamp.Time()}}, nil
		}
		return nil, nil
	}
	samples := make([]Sample, 0, len(vec))
	for _, s := range vec {
		samples = append(samples, Sample{
			Labels: labelMap(s.Metric),
			Value:  float64(s.Value),
			Time:   s.Timestamp.Time(),
		})
	}
	return samples, nil
}

// Range implements MetricsQuerier.Range.
func (c *PromClient) Range(ctx context.Context, expr string, r QueryRange) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, _, err := c.api.QueryRange(ctx, expr, v1.Range{Start: r.Start, End: r.End, Step: r.Step})
	if err != nil {
		return nil, fmt.Errorf("range query %q: %w", expr, err)
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, nil
	}
	series := make([]Series, 0, len(matrix))
	for _, stream := range matrix {
		points := make([]Point, 0, len(stream.Values))
		for _, pair := range stream.Values {
			points = append(points, Point{Time: pair.Timestamp.Time(), Value: float64(pair.Value)})
		}
		series = append(series, Series{Labels: labelMap(stream.Metric), Points: points})
	}
	return series, nil
}

// Alerts implements MetricsQuerier.Alerts.
func (c *PromClient) Alerts(ctx context.Context) ([]Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.api.Alerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching alerts: %w", err)
	}
	alerts := make([]Alert, 0, len(result.Alerts))
	for _, a := range result.Alerts {
		labels := labelMap(model.Metric(a.Labels))
		alerts = append(alerts, Alert{
			Name:        labels["alertname"],
			State:       string(a.State),
			Labels:      labels,
			Annotations: labelMap(model.Metric(a.Annotations)),
			ActiveAt:    a.ActiveAt,
			Value:       a.Value,
		})
	}
	return alerts, nil
}

// Targets implements MetricsQuerier.Targets.
func (c *PromClient) Targets(ctx context.Context) ([]Target, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.api.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching targets: %w", err)
	}
	targets := make([]Target, 0, len(result.Active))
	for _, t := range result.Active {
		targets = append(targets, Target{
			Job:       string(t.Labels["job"]),
			Instance:  string(t.Labels["instance"]),
			Health:    string(t.Health),
			ScrapeURL: t.ScrapeURL,
			LastError: t.LastError,
		})
	}
	return targets, nil
}

// ActiveJobs implements MetricsQuerier.ActiveJobs via the up indicator.
func (c *PromClient) ActiveJobs(ctx context.Context, ts time.Time) ([]string, error) {
	samples, err := c.Instant(ctx, "up", ts)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var jobs []string
	for _, s := range samples {
		job := s.Labels["job"]
		if job == "" || seen[job] || s.Value == 0 {
			continue
		}
		seen[job] = true
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	return jobs, nil
}

// Available implements MetricsQuerier.Available.
func (c *PromClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err := c.api.Query(ctx, "vector(1)", time.Now())
	return err == nil
}

func labelMap(m model.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}

// SeriesStats summarizes one series for evidence content.
type SeriesStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
}

// ComputeStats calculates summary statistics over a series' points.
func ComputeStats(points []Point) SeriesStats {
	if len(points) == 0 {
		return SeriesStats{}
	}
	stats := SeriesStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, p := range points {
		if p.Value < stats.Min {
			stats.Min = p.Value
		}
		if p.Value > stats.Max {
			stats.Max = p.Value
		}
		sum += p.Value
	}
	stats.Mean = sum / float64(len(points))

	var variance float64
	for _, p := range points {
		d := p.Value - stats.Mean
		variance += d * d
	}
	stats.Stddev = math.Sqrt(variance / float64(len(points)))
	return stats
}
