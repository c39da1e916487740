// retention.go implements the RetentionSweeper background job, which
// periodically deletes audit events past their retention window along with
// expired magic-link tokens and refresh sessions. Queries already exclude
// expired rows, so the sweep reclaims space rather than enforcing
// correctness; a missed run never exposes stale data.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
)

// RetentionSweeper periodically deletes expired rows from the audit,
// magic-link, and session tables.
type RetentionSweeper struct {
	auditRepo   *repositories.AuditRepository
	mlRepo      *repositories.MagicLinkRepository
	sessionRepo *repositories.SessionRepository
	interval    time.Duration
	logger      *slog.Logger
	stopChan    chan struct{}
}

// NewRetentionSweeper creates a new RetentionSweeper. The sweep interval
// comes from audit.sweep_interval_hours (default 6h).
func NewRetentionSweeper(
	auditRepo *repositories.AuditRepository,
	mlRepo *repositories.MagicLinkRepository,
	sessionRepo *repositories.SessionRepository,
	cfg *config.AuditConfig,
	logger *slog.Logger,
) *RetentionSweeper {
	hours := cfg.SweepIntervalHours
	if hours <= 0 {
		hours = 6
	}
	return &RetentionSweeper{
		auditRepo:   auditRepo,
		mlRepo:      mlRepo,
		sessionRepo: sessionRepo,
		interval:    time.Duration(hours) * time.Hour,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs one sweep immediately, then
// repeats on the configured interval. The loop exits when ctx is cancelled or
// Stop() is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started", "interval", s.interval)

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.logger.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("retention sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

// sweep runs one deletion pass. Each table is swept independently; a failure
// on one does not block the others.
func (s *RetentionSweeper) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if n, err := s.auditRepo.DeleteExpired(ctx); err != nil {
		s.logger.Error("retention sweep: audit events", "error", err)
	} else if n > 0 {
		s.logger.Info("retention sweep: deleted audit events", "count", n)
	}

	if n, err := s.mlRepo.DeleteExpired(ctx); err != nil {
		s.logger.Error("retention sweep: magic-link tokens", "error", err)
	} else if n > 0 {
		s.logger.Info("retention sweep: deleted magic-link tokens", "count", n)
	}

	if n, err := s.sessionRepo.DeleteExpired(ctx); err != nil {
		s.logger.Error("retention sweep: sessions", "error", err)
	} else if n > 0 {
		s.logger.Info("retention sweep: deleted sessions", "count", n)
	}
}
