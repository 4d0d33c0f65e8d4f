package reconciliation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/idempotency"
)

type SweepReport struct {
	Abandoned   int
	Reconciled  int
	Failed      int
	ExpiredKeys int64
}

// Sweep fails orders that never got a gateway intent and re-polls
// transactions whose webhooks never arrived.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	abandoned, err := s.SweepAbandoned(ctx)
	report.Abandoned = abandoned
	if err != nil {
		return report, err
	}

	report.Reconciled, report.Failed, err = s.SweepStale(ctx)
	if err != nil {
		return report, err
	}

	if sweeper, ok := s.idempotency.(idempotency.Sweeper); ok {
		deleted, err := sweeper.DeleteExpired(ctx)
		if err != nil {
			s.logger.Error("Failed to delete expired idempotency records", zap.Error(err))
		}
		report.ExpiredKeys = deleted
	}
	return report, nil
}

// SweepAbandoned fails UNPAID orders older than AbandonAfter that have no
// transaction. It returns how many orders were moved to FAILED.
func (s *Service) SweepAbandoned(ctx context.Context) (int, error) {
	ids, err := s.ledger.ListAbandonedOrders(ctx, s.opts.AbandonAfter, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	abandoned := 0
	for _, id := range ids {
		outcome, err := s.ledger.Abandon(ctx, id, "checkout abandoned")
		if err != nil {
			s.logger.Error("Failed to abandon order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if outcome.Changed {
			abandoned++
		}
	}
	return abandoned, nil
}

// SweepStale polls the gateway for transactions stuck in CREATED or
// CAPTURING past StaleAfter.
func (s *Service) SweepStale(ctx context.Context) (reconciled, failed int, err error) {
	stale, err := s.ledger.ListStaleTransactions(ctx, s.opts.StaleAfter, s.opts.SweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, tr := range stale {
		if ctx.Err() != nil {
			return reconciled, failed, ctx.Err()
		}
		if err := s.refresh(ctx, tr); err != nil {
			failed++
			s.logger.Warn("Failed to reconcile stale transaction",
				zap.String("transaction_id", tr.ID),
				zap.String("order_id", tr.OrderID),
				zap.Error(err),
			)
			continue
		}
		reconciled++
	}
	return reconciled, failed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := s.logger.With(zap.String("component", "sweeper"))
	logger.Info("Starting sweeper", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping sweeper")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				logger.Error("Sweep failed", zap.Error(err))
				continue
			}
			if report.Abandoned > 0 || report.Reconciled > 0 || report.Failed > 0 {
				logger.Info("Sweep finished",
					zap.Int("abandoned", report.Abandoned),
					zap.Int("reconciled", report.Reconciled),
					zap.Int("failed", report.Failed),
					zap.Int64("expired_keys", report.ExpiredKeys),
				)
			}
		}
	}
}
