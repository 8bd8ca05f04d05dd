package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/models"
	"github.com/incidentops/triage/pkg/pipeline"
)

// queueBufferFactor sizes the submission buffer relative to the worker
// count, so short bursts queue instead of being rejected.
const queueBufferFactor = 4

// WorkerPool runs queued analyses on a fixed set of workers. One worker
// processes one run at a time, so the worker count is the concurrency
// bound.
type WorkerPool struct {
	cfg      config.QueueConfig
	executor Executor
	jobs     chan job
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger

	// Run cancel registry: analysis_id -> cancel function
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg config.QueueConfig, executor Executor, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	workerCount := cfg.MaxConcurrentRuns
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		cfg:        cfg,
		executor:   executor,
		jobs:       make(chan job, workerCount*queueBufferFactor),
		workers:    make([]*Worker, 0, workerCount),
		stopCh:     make(chan struct{}),
		logger:     logger.With("component", "worker_pool"),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. It is safe to call multiple
// times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	workerCount := cap(p.jobs) / queueBufferFactor
	p.logger.Info("Starting worker pool", "worker_count", workerCount)

	for i := 0; i < workerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.executor, p, p.jobs, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop drains the pool gracefully. Workers finish their current runs;
// queued jobs that have not started are abandoned. Runs still active
// past the shutdown timeout are cancelled.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	active := p.activeRunIDs()
	if len(active) > 0 {
		p.logger.Info("Waiting for active runs to complete",
			"count", len(active), "analysis_ids", active)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, worker := range p.workers {
		worker.signalStop()
	}

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout()):
		p.logger.Warn("Shutdown timeout reached, cancelling active runs",
			"timeout", p.cfg.ShutdownTimeout())
		p.cancelAll()
		<-done
	}

	p.logger.Info("Worker pool stopped")
}

// Submit enqueues a request and returns its analysis id. The id is
// generated here so clients can subscribe to progress before the run
// starts.
func (p *WorkerPool) Submit(req *models.AnalysisRequest) (string, error) {
	select {
	case <-p.stopCh:
		return "", ErrDraining
	default:
	}

	j := job{
		analysisID: pipeline.NewAnalysisID(),
		req:        req,
		enqueuedAt: time.Now(),
	}
	select {
	case p.jobs <- j:
		p.logger.Info("Analysis queued",
			"analysis_id", j.analysisID, "queue_depth", len(p.jobs))
		return j.analysisID, nil
	default:
		return "", ErrQueueFull
	}
}

// RegisterRun stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterRun(analysisID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[analysisID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterRun(analysisID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, analysisID)
}

// CancelRun triggers context cancellation for an active run. Returns
// true if the run was found and cancelled.
func (p *WorkerPool) CancelRun(analysisID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[analysisID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.mu.RLock()
	activeRuns := len(p.activeRuns)
	p.mu.RUnlock()

	maxConcurrent := cap(p.jobs) / queueBufferFactor
	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && activeRuns <= maxConcurrent,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		ActiveRuns:    activeRuns,
		MaxConcurrent: maxConcurrent,
		QueueDepth:    len(p.jobs),
		WorkerStats:   workerStats,
	}
}

// cancelAll cancels every registered run.
func (p *WorkerPool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeRuns {
		cancel()
	}
}

// activeRunIDs returns ids of currently processing runs (for logging).
func (p *WorkerPool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	runs := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		runs = append(runs, id)
	}
	return runs
}
