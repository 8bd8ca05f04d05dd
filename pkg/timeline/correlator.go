// Package timeline orders collected evidence into a single incident
// timeline and finds cross-source correlations and coverage gaps.
package timeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/incidentops/triage/pkg/models"
)

const (
	// correlationWindow is how close events must be to correlate at all.
	correlationWindow = 2 * time.Minute
	// causalWindow is how close a causal pair must be to count as a
	// likely cause rather than a coincidence.
	causalWindow = 5 * time.Minute
	// gapThreshold is the silent interval worth flagging.
	gapThreshold = 5 * time.Minute
)

// Result is the correlator's full output for one run.
type Result struct {
	Timeline     []models.TimelineEvent
	Correlations []models.Correlation
	Gaps         []models.TimelineGap
}

// Correlator builds timelines from evidence. It is stateless and safe
// for concurrent use.
type Correlator struct {
	logger *slog.Logger
}

// NewCorrelator builds a correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger.With("component", "timeline")}
}

// Correlate orders timestamped evidence, pairs co-occurring events from
// distinct sources, and flags silent intervals. Evidence without a
// timestamp contributes nothing to the timeline but is not an error.
func (c *Correlator) Correlate(evidence []models.Evidence, plan *models.Plan) Result {
	var result Result

	for _, ev := range evidence {
		if ev.Timestamp == nil {
			continue
		}
		result.Timeline = append(result.Timeline, models.TimelineEvent{
			Time:       *ev.Timestamp,
			Event:      ev.Content,
			Source:     ev.Source,
			Confidence: ev.Confidence,
			EvidenceID: ev.ID,
			EventType:  classifyEvent(ev),
		})
	}
	sort.SliceStable(result.Timeline, func(i, j int) bool {
		return result.Timeline[i].Time.Before(result.Timeline[j].Time)
	})

	result.Correlations = c.correlate(result.Timeline)
	result.Gaps = c.findGaps(result.Timeline, evidence, plan)

	c.logger.Info("Timeline built",
		"events", len(result.Timeline),
		"correlations", len(result.Correlations),
		"gaps", len(result.Gaps))
	return result
}

// causalPairs lists event-type sequences where the first plausibly
// causes the second.
var causalPairs = map[[2]string]bool{
	{models.EventTypeDeployment, models.EventTypeError}:         true,
	{models.EventTypeDeployment, models.EventTypeMetricAnomaly}: true,
	{models.EventTypeConfiguration, models.EventTypeError}:      true,
	{models.EventTypeCapacity, models.EventTypePerformance}:     true,
}

// correlate slides over the ordered timeline pairing events from
// distinct sources within the correlation window, then adds causal
// sequences over the wider causal window.
func (c *Correlator) correlate(timeline []models.TimelineEvent) []models.Correlation {
	var out []models.Correlation
	seen := make(map[string]bool)

	record := func(a, b models.TimelineEvent, strength, description string) {
		key := a.EvidenceID + "|" + b.EvidenceID
		if seen[key] || a.EvidenceID == b.EvidenceID {
			return
		}
		seen[key] = true
		out = append(out, models.Correlation{
			Description: description,
			Strength:    strength,
			Sources:     []models.EvidenceSource{a.Source, b.Source},
			EventTimes:  []time.Time{a.Time, b.Time},
			EvidenceIDs: []string{a.EvidenceID, b.EvidenceID},
		})
	}

	for i, a := range timeline {
		for _, b := range timeline[i+1:] {
			gap := b.Time.Sub(a.Time)
			if gap > causalWindow {
				break
			}
			causal := causalPairs[[2]string{a.EventType, b.EventType}]

			if gap <= correlationWindow && a.Source != b.Source {
				strength := strengthFor(gap)
				if causal && strength == models.StrengthMedium {
					strength = models.StrengthStrong
				}
				record(a, b, strength, fmt.Sprintf(
					"%s evidence and %s evidence co-occur within %s",
					a.Source, b.Source, gap.Round(time.Second)))
				continue
			}
			if causal {
				record(a, b, models.StrengthMedium, fmt.Sprintf(
					"%s event precedes %s by %s",
					a.EventType, b.EventType, gap.Round(time.Second)))
			}
		}
	}
	return out
}

func strengthFor(gap time.Duration) string {
	switch {
	case gap < time.Minute:
		return models.StrengthStrong
	case gap < 3*time.Minute:
		return models.StrengthMedium
	default:
		return models.StrengthWeak
	}
}

// findGaps flags long silent intervals between consecutive events and
// required sources that produced no evidence at all.
func (c *Correlator) findGaps(timeline []models.TimelineEvent, evidence []models.Evidence, plan *models.Plan) []models.TimelineGap {
	var gaps []models.TimelineGap

	for i := 1; i < len(timeline); i++ {
		prev, cur := timeline[i-1], timeline[i]
		if gap := cur.Time.Sub(prev.Time); gap > gapThreshold {
			start, end := prev.Time, cur.Time
			gaps = append(gaps, models.TimelineGap{
				Start:       &start,
				End:         &end,
				Description: fmt.Sprintf("no evidence for %s between events", gap.Round(time.Second)),
			})
		}
	}

	if plan == nil {
		return gaps
	}
	produced := make(map[models.EvidenceSource]bool)
	for _, ev := range evidence {
		produced[ev.Source] = true
	}
	for _, src := range plan.RequiredAgents {
		if produced[src] {
			continue
		}
		source := src
		desc, ok := missingSourceGaps[src]
		if !ok {
			desc = fmt.Sprintf("%s agent produced no evidence", src)
		}
		gaps = append(gaps, models.TimelineGap{
			Source:      &source,
			Description: desc,
		})
	}
	return gaps
}

// missingSourceGaps names the absence of the sources investigators ask
// about first. Other silent sources get a generic description.
var missingSourceGaps = map[models.EvidenceSource]string{
	models.SourceLog:       "no application logs provided",
	models.SourceDashboard: "no dashboard metrics provided",
	models.SourceRAG:       "no historical incidents",
}

// eventTypeKeywords classify evidence content when metadata carries no
// explicit hint. Order matters: the first matching class wins.
var eventTypeChecks = []struct {
	eventType string
	keywords  []string
}{
	{models.EventTypeDeployment, []string{"deploy", "release", "rollout", "version", "upgrade"}},
	{models.EventTypeConfiguration, []string{"config", "flag", "setting", "toggle"}},
	{models.EventTypeCapacity, []string{"memory", "oom", "cpu", "disk", "pool exhaust", "exhausted", "capacity", "quota"}},
	{models.EventTypeMetricAnomaly, []string{"spike", "anomaly", "dropped to zero", "threshold", "alert"}},
	{models.EventTypeError, []string{"error", "5xx", "500", "fail", "exception", "panic", "crash"}},
	{models.EventTypePerformance, []string{"latency", "slow", "timeout", "p99", "degraded"}},
}

func classifyEvent(ev models.Evidence) string {
	if kind, ok := ev.Metadata["kind"].(string); ok && kind == "deployment_marker" {
		return models.EventTypeDeployment
	}
	if _, ok := ev.Metadata["anomaly"]; ok {
		return models.EventTypeMetricAnomaly
	}

	content := strings.ToLower(ev.Content)
	for _, check := range eventTypeChecks {
		for _, kw := range check.keywords {
			if strings.Contains(content, kw) {
				return check.eventType
			}
		}
	}
	return models.EventTypeGeneric
}
