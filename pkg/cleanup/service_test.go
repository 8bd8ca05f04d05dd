package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/config"
)

type fakeRetentionStore struct {
	mu            sync.Mutex
	analysisCalls int
	eventCalls    int
	lastDays      int
	lastTTL       time.Duration
	analysisErr   error
}

func (f *fakeRetentionStore) SoftDeleteOldAnalyses(ctx context.Context, retentionDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysisCalls++
	f.lastDays = retentionDays
	if f.analysisErr != nil {
		return 0, f.analysisErr
	}
	return 3, nil
}

func (f *fakeRetentionStore) CleanupOldEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls++
	f.lastTTL = ttl
	return 12, nil
}

func (f *fakeRetentionStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analysisCalls, f.eventCalls
}

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		HistoryRetentionDays:   30,
		CleanupIntervalMinutes: 60,
		EventTTLMinutes:        15,
	}
}

func TestServiceSweepsOnStart(t *testing.T) {
	store := &fakeRetentionStore{}
	svc := NewService(retentionConfig(), store, nil)

	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, e := store.counts(); a >= 1 && e >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	analyses, events := store.counts()
	require.GreaterOrEqual(t, analyses, 1)
	require.GreaterOrEqual(t, events, 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 30, store.lastDays)
	assert.Equal(t, 15*time.Minute, store.lastTTL)
}

func TestServiceEventSweepRunsDespiteAnalysisError(t *testing.T) {
	store := &fakeRetentionStore{analysisErr: errors.New("db down")}
	svc := NewService(retentionConfig(), store, nil)

	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, e := store.counts(); e >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, events := store.counts()
	assert.GreaterOrEqual(t, events, 1)
}

func TestServiceStopIsIdempotent(t *testing.T) {
	store := &fakeRetentionStore{}
	svc := NewService(retentionConfig(), store, nil)

	svc.Stop() // not started, no-op

	svc.Start(context.Background())
	svc.Start(context.Background()) // duplicate, no-op
	svc.Stop()
}
