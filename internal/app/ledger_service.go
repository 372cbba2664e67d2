package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/config"
)

// retentionCleaner is the part of the ledger the cleanup loop uses.
type retentionCleaner interface {
	DeleteOlderThan(retention time.Duration) (int64, error)
}

// LedgerService periodically prunes old control history.
type LedgerService struct {
	cfg    config.LedgerConfig
	ledger retentionCleaner
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg config.LedgerConfig, l retentionCleaner) *LedgerService {
	return &LedgerService{cfg: cfg, ledger: l}
}

// Start runs one cleanup immediately, then on every interval.
func (s *LedgerService) Start(ctx context.Context) {
	if s.cfg.RetentionDays < 0 {
		log.Info().Msg("Ledger retention disabled, keeping all entries")
		return
	}
	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *LedgerService) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Retention()

	ticker := time.NewTicker(s.cfg.CleanupInterval.Duration())
	defer ticker.Stop()

	s.cleanup(retention)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *LedgerService) cleanup(retention time.Duration) {
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
