// Package cleanup provides data retention for the durable tables.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
)

// OutboxCleaner deletes delivered outbox rows older than the cutoff.
type OutboxCleaner interface {
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobCleaner deletes finished job rows older than the cutoff.
type JobCleaner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Removes delivered outbox events past their retention window
//   - Removes finished job rows past their retention window
//
// All operations are idempotent; undelivered outbox rows and unfinished
// jobs are never touched.
type Service struct {
	config config.RetentionConfig
	outbox OutboxCleaner
	jobs   JobCleaner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.RetentionConfig, outbox OutboxCleaner, jobs JobCleaner) *Service {
	return &Service{
		config: cfg,
		outbox: outbox,
		jobs:   jobs,
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

	slog.Info("Cleanup service started",
		"outbox_retention", s.config.OutboxRetention,
		"job_retention", s.config.JobRetention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
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
	s.cleanupOutbox(ctx)
	s.cleanupJobs(ctx)
}

func (s *Service) cleanupOutbox(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.OutboxRetention)
	count, err := s.outbox.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: outbox cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted delivered outbox events", "count", count)
	}
}

func (s *Service) cleanupJobs(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.JobRetention)
	count, err := s.jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted finished jobs", "count", count)
	}
}
