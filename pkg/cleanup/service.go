// Package cleanup enforces retention on stored analyses and stage
// events.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/incidentops/triage/pkg/config"
)

// RetentionStore is the history surface the sweeper drives. Implemented
// by history.Store.
type RetentionStore interface {
	SoftDeleteOldAnalyses(ctx context.Context, retentionDays int) (int64, error)
	CleanupOldEvents(ctx context.Context, ttl time.Duration) (int64, error)
}

// Service periodically enforces retention policies:
//   - Soft-deletes analyses past the retention window
//   - Removes stage events past their TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	cfg    config.RetentionConfig
	store  RetentionStore
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.RetentionConfig, store RetentionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"history_retention_days", s.cfg.HistoryRetentionDays,
		"event_ttl", s.cfg.EventTTL(),
		"interval", s.cfg.CleanupInterval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepAnalyses(ctx)
	s.sweepEvents(ctx)
}

func (s *Service) sweepAnalyses(ctx context.Context) {
	count, err := s.store.SoftDeleteOldAnalyses(ctx, s.cfg.HistoryRetentionDays)
	if err != nil {
		s.logger.Error("Retention: soft-delete analyses failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: soft-deleted old analyses", "count", count)
	}
}

func (s *Service) sweepEvents(ctx context.Context) {
	count, err := s.store.CleanupOldEvents(ctx, s.cfg.EventTTL())
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: cleaned up old events", "count", count)
	}
}
