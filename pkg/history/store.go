package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentops/triage/pkg/events"
	"github.com/incidentops/triage/pkg/models"
)

// ErrNotFound is returned when no stored analysis matches the id.
var ErrNotFound = errors.New("analysis not found")

// defaultQueryLimit bounds incident searches that omit a limit.
const defaultQueryLimit = 10

// Store persists analysis runs and stage events. It also implements
// the events catchup query, so reconnecting WebSocket clients can
// replay what they missed.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger.With("component", "history"),
	}
}

// Pool exposes the underlying pool for components that publish through
// the same database, like the event publisher.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveResponse stores a completed analysis. The full response is kept
// as JSONB; query, status, root cause, and confidence are lifted into
// columns for search and retention.
func (s *Store) SaveResponse(ctx context.Context, query string, resp *models.AnalysisResponse) error {
	responseJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal analysis response: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, query, status, root_cause, confidence, response, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     root_cause = EXCLUDED.root_cause,
		     confidence = EXCLUDED.confidence,
		     response = EXCLUDED.response,
		     completed_at = EXCLUDED.completed_at`,
		resp.AnalysisID, query, string(resp.Status), resp.RootCause,
		resp.Confidence, responseJSON, resp.CreatedAt, resp.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("persist analysis %s: %w", resp.AnalysisID, err)
	}
	return nil
}

// GetAnalysis returns the stored response for one run.
func (s *Store) GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisResponse, error) {
	var responseJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT response FROM analyses WHERE id = $1 AND deleted_at IS NULL`,
		analysisID,
	).Scan(&responseJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", analysisID, err)
	}

	var resp models.AnalysisResponse
	if err := json.Unmarshal(responseJSON, &resp); err != nil {
		return nil, fmt.Errorf("decode stored analysis %s: %w", analysisID, err)
	}
	return &resp, nil
}

// QueryIncidents full-text searches stored runs by query text and root
// cause, ranked by relevance.
func (s *Store) QueryIncidents(ctx context.Context, req models.IncidentQueryRequest) (*models.IncidentQueryResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, query, root_cause, status, confidence, created_at,
		        ts_rank(to_tsvector('english', query || ' ' || root_cause),
		                plainto_tsquery('english', $1)) AS rank
		 FROM analyses
		 WHERE deleted_at IS NULL
		   AND to_tsvector('english', query || ' ' || root_cause) @@ plainto_tsquery('english', $1)
		   AND confidence >= $2
		 ORDER BY rank DESC, created_at DESC
		 LIMIT $3`,
		req.Query, req.MinConfidence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search incidents: %w", err)
	}
	defer rows.Close()

	incidents := []models.IncidentSummary{}
	for rows.Next() {
		var (
			inc    models.IncidentSummary
			status string
			rank   float64
		)
		if err := rows.Scan(&inc.AnalysisID, &inc.Query, &inc.RootCause, &status,
			&inc.Confidence, &inc.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan incident row: %w", err)
		}
		inc.Decision = models.Decision(status)
		inc.Similarity = rank
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident rows: %w", err)
	}

	return &models.IncidentQueryResponse{
		TotalResults: len(incidents),
		Incidents:    incidents,
		SearchQuery:  req.Query,
	}, nil
}

// RecentAnalyses returns the newest completed runs, newest first. Used
// to seed the similar-incident index on startup.
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]models.IncidentSummary, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, query, root_cause, status, confidence, created_at
		 FROM analyses
		 WHERE deleted_at IS NULL AND root_cause <> ''
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent analyses: %w", err)
	}
	defer rows.Close()

	var out []models.IncidentSummary
	for rows.Next() {
		var (
			inc    models.IncidentSummary
			status string
		)
		if err := rows.Scan(&inc.AnalysisID, &inc.Query, &inc.RootCause, &status,
			&inc.Confidence, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent analysis row: %w", err)
		}
		inc.Decision = models.Decision(status)
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent analysis rows: %w", err)
	}
	return out, nil
}

// GetCatchupEvents returns stored events on a channel with id greater
// than sinceID, oldest first. Implements events.CatchupQuerier.
func (s *Store) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload FROM events
		 WHERE channel = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		channel, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query catchup events: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var (
			evt         events.CatchupEvent
			payloadJSON []byte
		)
		if err := rows.Scan(&evt.ID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", evt.ID, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// SoftDeleteOldAnalyses marks runs older than the retention window as
// deleted. Idempotent and safe to run from multiple pods.
func (s *Store) SoftDeleteOldAnalyses(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET deleted_at = now()
		 WHERE created_at < $1 AND deleted_at IS NULL`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("soft-delete old analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupOldEvents removes stage events past their TTL. Events only
// matter for catchup during a run, so the TTL is much shorter than
// analysis retention.
func (s *Store) CleanupOldEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}
