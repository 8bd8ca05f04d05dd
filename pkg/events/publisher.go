package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentops/triage/pkg/models"
)

// Publisher persists stage events and broadcasts them via PostgreSQL
// NOTIFY. The INSERT and the pg_notify run in one transaction, so a
// notification never fires for an event that was not stored.
//
// Publish satisfies the pipeline's notifier contract: it never blocks a
// run on delivery problems. Failures are logged and the run continues.
type Publisher struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPublisher creates a Publisher backed by the given pool.
func NewPublisher(pool *pgxpool.Pool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		pool:   pool,
		logger: logger.With("component", "events"),
	}
}

// Publish stores and broadcasts a stage event on the run's channel.
// Terminal events additionally get a transient copy on the global runs
// channel for list views.
func (p *Publisher) Publish(ctx context.Context, ev models.StageEvent) {
	env := NewEnvelope(ev)

	payloadJSON, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("Failed to marshal stage event",
			"analysis_id", env.AnalysisID, "stage", env.Stage, "error", err)
		return
	}

	if err := p.persistAndNotify(ctx, env.AnalysisID, RunChannel(env.AnalysisID), payloadJSON); err != nil {
		p.logger.Warn("Failed to publish stage event",
			"analysis_id", env.AnalysisID, "stage", env.Stage, "error", err)
		return
	}

	if env.Type == EventTypeRunCompleted {
		if err := p.notifyOnly(ctx, GlobalRunsChannel, payloadJSON); err != nil {
			p.logger.Warn("Failed to publish terminal event to global channel",
				"analysis_id", env.AnalysisID, "error", err)
		}
	}
}

// persistAndNotify persists a pre-marshaled event and broadcasts via
// NOTIFY in a single transaction. pg_notify is transactional, so the
// notification is held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, analysisID, channel string, payloadJSON []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (analysis_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		analysisID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without
// persisting it.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for
// NOTIFY delivery and applies truncation if the result exceeds
// PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload string as-is if it is at most 7900
// bytes, a margin under PostgreSQL's 8000-byte NOTIFY limit, otherwise a minimal truncation
// envelope with only routing fields. Terminal events with large
// responses routinely exceed the limit; the client fetches the full
// event over REST using the routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload extracts only the routing fields the client
// needs to fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type       string `json:"type"`
		EventID    string `json:"event_id"`
		AnalysisID string `json:"analysis_id"`
		DBEventID  *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":        routing.Type,
		"event_id":    routing.EventID,
		"analysis_id": routing.AnalysisID,
		"truncated":   true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
