package history

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/incidentops/triage/pkg/events"
	"github.com/incidentops/triage/pkg/models"
)

// A single container backs every integration test in the package. Set
// CI_DATABASE_URL to point at an external instance instead (CI runs do
// this to avoid docker-in-docker).
var (
	containerOnce sync.Once
	containerErr  error
	sharedConnStr string
)

func connString(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := tcpostgres.Run(ctx, "postgres:17-alpine",
			tcpostgres.WithDatabase("triage_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

func integrationStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()
	store, err := Connect(ctx, Config{URL: connString(t), Database: "triage_test"}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	// Tests share one database. Start each from a clean slate.
	_, err = store.Pool().Exec(ctx, "TRUNCATE analyses, events")
	require.NoError(t, err)
	return store
}

func storedResponse(id, rootCause string, confidence float64, createdAt time.Time) *models.AnalysisResponse {
	completed := createdAt.Add(3 * time.Second)
	return &models.AnalysisResponse{
		AnalysisID:  id,
		Status:      models.DecisionAnswer,
		Confidence:  confidence,
		RootCause:   rootCause,
		CreatedAt:   createdAt,
		CompletedAt: &completed,
	}
}

func TestSaveAndGetAnalysis(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	resp := storedResponse("run-save0001", "connection pool exhausted", 0.84, time.Now().UTC())
	resp.RecommendedActions = []string{"raise pool max_size"}
	require.NoError(t, store.SaveResponse(ctx, "api returning 500s", resp))

	got, err := store.GetAnalysis(ctx, "run-save0001")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAnswer, got.Status)
	assert.Equal(t, "connection pool exhausted", got.RootCause)
	assert.Equal(t, []string{"raise pool max_size"}, got.RecommendedActions)

	// Saving again with the same id updates in place.
	resp.RootCause = "pool exhausted by leaked transactions"
	resp.Confidence = 0.91
	require.NoError(t, store.SaveResponse(ctx, "api returning 500s", resp))

	got, err = store.GetAnalysis(ctx, "run-save0001")
	require.NoError(t, err)
	assert.Equal(t, "pool exhausted by leaked transactions", got.RootCause)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)
}

func TestGetAnalysisNotFound(t *testing.T) {
	store := integrationStore(t)

	_, err := store.GetAnalysis(context.Background(), "run-missing1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryIncidentsFullText(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.SaveResponse(ctx, "checkout latency spike",
		storedResponse("run-cache001", "redis cache stampede after deploy", 0.8, now)))
	require.NoError(t, store.SaveResponse(ctx, "batch job stuck",
		storedResponse("run-batch001", "stuck advisory lock", 0.7, now)))
	require.NoError(t, store.SaveResponse(ctx, "cache misses climbing",
		storedResponse("run-cache002", "cache eviction storm", 0.3, now)))

	resp, err := store.QueryIncidents(ctx, models.IncidentQueryRequest{Query: "cache"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalResults)
	assert.Equal(t, "cache", resp.SearchQuery)
	for _, inc := range resp.Incidents {
		assert.Contains(t, []string{"run-cache001", "run-cache002"}, inc.AnalysisID)
		assert.Greater(t, inc.Similarity, 0.0)
	}

	// Confidence floor filters the low-confidence match.
	resp, err = store.QueryIncidents(ctx, models.IncidentQueryRequest{Query: "cache", MinConfidence: 0.5})
	require.NoError(t, err)
	require.Equal(t, 1, resp.TotalResults)
	assert.Equal(t, "run-cache001", resp.Incidents[0].AnalysisID)
}

func TestRecentAnalysesOrderAndFilter(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.SaveResponse(ctx, "older incident",
		storedResponse("run-old00001", "disk full", 0.9, base)))
	require.NoError(t, store.SaveResponse(ctx, "newer incident",
		storedResponse("run-new00001", "oom kill loop", 0.8, base.Add(10*time.Minute))))
	// No root cause, so seeding skips it.
	require.NoError(t, store.SaveResponse(ctx, "inconclusive",
		storedResponse("run-empty001", "", 0.1, base.Add(20*time.Minute))))

	recent, err := store.RecentAnalyses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-new00001", recent[0].AnalysisID)
	assert.Equal(t, "run-old00001", recent[1].AnalysisID)

	recent, err = store.RecentAnalyses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "run-new00001", recent[0].AnalysisID)
}

func TestPublishedEventsAreReplayable(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	publisher := events.NewPublisher(store.Pool(), nil)
	publisher.Publish(ctx, models.StageEvent{
		AnalysisID: "run-evt00001",
		Stage:      "planning",
		Node:       "planner",
		Status:     models.StatusActive,
	})
	publisher.Publish(ctx, models.StageEvent{
		AnalysisID: "run-evt00001",
		Stage:      "planning",
		Node:       "planner",
		Status:     models.StatusCompleted,
	})

	channel := events.RunChannel("run-evt00001")
	replay, err := store.GetCatchupEvents(ctx, channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Less(t, replay[0].ID, replay[1].ID)

	// Resuming from the first id returns only what followed it.
	replay, err = store.GetCatchupEvents(ctx, channel, replay[0].ID, 100)
	require.NoError(t, err)
	require.Len(t, replay, 1)
}

func TestRetentionSweeps(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.SaveResponse(ctx, "ancient incident",
		storedResponse("run-ancient1", "expired cert", 0.9, now.AddDate(0, 0, -120))))
	require.NoError(t, store.SaveResponse(ctx, "fresh incident",
		storedResponse("run-fresh001", "bad deploy", 0.9, now)))

	deleted, err := store.SoftDeleteOldAnalyses(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Soft-deleted runs disappear from reads but the row survives.
	_, err = store.GetAnalysis(ctx, "run-ancient1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAnalysis(ctx, "run-fresh001")
	require.NoError(t, err)

	var rows int
	require.NoError(t, store.Pool().QueryRow(ctx,
		"SELECT count(*) FROM analyses WHERE id = 'run-ancient1'").Scan(&rows))
	assert.Equal(t, 1, rows)

	// A second sweep finds nothing new.
	deleted, err = store.SoftDeleteOldAnalyses(ctx, 90)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = store.Pool().Exec(ctx,
		`INSERT INTO events (analysis_id, channel, payload, created_at)
		 VALUES ('run-fresh001', 'run:run-fresh001', '{}', $1)`,
		now.Add(-2*time.Hour))
	require.NoError(t, err)

	removed, err := store.CleanupOldEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestHealthReportsConnectivity(t *testing.T) {
	store := integrationStore(t)

	status, err := store.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Positive(t, status.MaxConns)
}
