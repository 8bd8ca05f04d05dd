package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/models"
)

// fakeExecutor records executed runs and optionally blocks until its
// release channel closes or the run context ends.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	statuses map[string]models.Decision
	release  chan struct{}
	started  chan string
	count    atomic.Int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		statuses: make(map[string]models.Decision),
		started:  make(chan string, 16),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error) {
	f.count.Add(1)
	select {
	case f.started <- analysisID:
	default:
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			f.record(analysisID, models.DecisionRefuse)
			return &models.AnalysisResponse{AnalysisID: analysisID, Status: models.DecisionRefuse}, nil
		}
	}
	f.record(analysisID, models.DecisionAnswer)
	return &models.AnalysisResponse{AnalysisID: analysisID, Status: models.DecisionAnswer}, nil
}

func (f *fakeExecutor) record(id string, d models.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
	f.statuses[id] = d
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func poolConfig(workers int) config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrentRuns:      workers,
		ShutdownTimeoutSeconds: 2,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolProcessesSubmittedRuns(t *testing.T) {
	exec := newFakeExecutor()
	pool := NewWorkerPool(poolConfig(2), exec, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	id1, err := pool.Submit(&models.AnalysisRequest{Query: "api errors"})
	require.NoError(t, err)
	id2, err := pool.Submit(&models.AnalysisRequest{Query: "db latency"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	waitFor(t, func() bool { return len(exec.executedIDs()) == 2 })
	assert.ElementsMatch(t, []string{id1, id2}, exec.executedIDs())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	exec := newFakeExecutor()
	exec.release = make(chan struct{})
	pool := NewWorkerPool(poolConfig(1), exec, nil)
	pool.Start(context.Background())
	defer func() {
		close(exec.release)
		pool.Stop()
	}()

	// One run occupies the worker; fill the buffer behind it.
	_, err := pool.Submit(&models.AnalysisRequest{Query: "blocker"})
	require.NoError(t, err)
	<-exec.started

	for i := 0; i < queueBufferFactor; i++ {
		_, err := pool.Submit(&models.AnalysisRequest{Query: "queued"})
		require.NoError(t, err)
	}

	_, err = pool.Submit(&models.AnalysisRequest{Query: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolCancelRun(t *testing.T) {
	exec := newFakeExecutor()
	exec.release = make(chan struct{})
	pool := NewWorkerPool(poolConfig(1), exec, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	id, err := pool.Submit(&models.AnalysisRequest{Query: "stuck run"})
	require.NoError(t, err)
	<-exec.started

	require.True(t, pool.CancelRun(id))
	waitFor(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.statuses[id] == models.DecisionRefuse
	})

	assert.False(t, pool.CancelRun("run-missing"))
}

func TestPoolRejectsSubmitWhileDraining(t *testing.T) {
	exec := newFakeExecutor()
	pool := NewWorkerPool(poolConfig(1), exec, nil)
	pool.Start(context.Background())
	pool.Stop()

	_, err := pool.Submit(&models.AnalysisRequest{Query: "late"})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestPoolStopCancelsRunsPastTimeout(t *testing.T) {
	exec := newFakeExecutor()
	exec.release = make(chan struct{})
	cfg := poolConfig(1)
	cfg.ShutdownTimeoutSeconds = 1
	pool := NewWorkerPool(cfg, exec, nil)
	pool.Start(context.Background())

	id, err := pool.Submit(&models.AnalysisRequest{Query: "never finishes"})
	require.NoError(t, err)
	<-exec.started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, models.DecisionRefuse, exec.statuses[id])
}

func TestPoolHealth(t *testing.T) {
	exec := newFakeExecutor()
	exec.release = make(chan struct{})
	pool := NewWorkerPool(poolConfig(2), exec, nil)
	pool.Start(context.Background())
	defer func() {
		close(exec.release)
		pool.Stop()
	}()

	_, err := pool.Submit(&models.AnalysisRequest{Query: "busy"})
	require.NoError(t, err)
	<-exec.started
	waitFor(t, func() bool { return pool.Health().ActiveWorkers == 1 })

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Equal(t, 1, health.ActiveRuns)
	assert.Equal(t, 2, health.MaxConcurrent)
	assert.Len(t, health.WorkerStats, 2)
}
