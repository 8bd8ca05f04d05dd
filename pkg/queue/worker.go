package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// RunRegistry is the subset of WorkerPool used by Worker for run
// registration.
type RunRegistry interface {
	RegisterRun(analysisID string, cancel context.CancelFunc)
	UnregisterRun(analysisID string)
}

// Worker processes queued analyses one at a time.
type Worker struct {
	id       string
	executor Executor
	pool     RunRegistry
	jobs     <-chan job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentAnalysisID string
	runsProcessed     int
	lastActivity      time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id string, executor Executor, pool RunRegistry, jobs <-chan job, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           id,
		executor:     executor,
		pool:         pool,
		jobs:         jobs,
		stopCh:       make(chan struct{}),
		logger:       logger.With("worker_id", id),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current run. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.signalStop()
	w.wait()
}

// signalStop asks the worker to exit after its current run.
func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// wait blocks until the worker loop has exited.
func (w *Worker) wait() {
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentAnalysisID: w.currentAnalysisID,
		RunsProcessed:     w.runsProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("Worker started")
	for {
		// A stop signal wins over queued jobs, which select alone would
		// pick between at random.
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		default:
		}
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			return
		case j := <-w.jobs:
			w.process(ctx, j)
		}
	}
}

// process executes one queued analysis with a registered cancel
// function, so the cancellation endpoint can reach in-flight runs.
func (w *Worker) process(ctx context.Context, j job) {
	log := w.logger.With("analysis_id", j.analysisID)
	log.Info("Run dequeued", "queued_for", time.Since(j.enqueuedAt))

	w.setStatus(WorkerStatusWorking, j.analysisID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.pool.RegisterRun(j.analysisID, cancel)
	defer w.pool.UnregisterRun(j.analysisID)

	resp, err := w.executor.Execute(runCtx, j.analysisID, j.req)
	if err != nil {
		log.Error("Run failed", "error", err)
	} else {
		log.Info("Run complete", "decision", resp.Status, "confidence", resp.Confidence)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, analysisID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentAnalysisID = analysisID
	w.lastActivity = time.Now()
}
