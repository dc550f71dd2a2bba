package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/storage"
)

// SweepSummary reports the effect of one reconciliation sweep.
type SweepSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Granted int `json:"granted"`
	Failed  int `json:"failed"`
}

// Reconcile re-derives the status of every non-terminal transaction from the
// provider. It is the safety net for lost callbacks: a per-row provider or
// store failure is counted and skipped, never aborts the sweep. Safe to run
// concurrently with callback delivery; the store's grant gate keeps credits
// exactly-once.
func (s *Service) Reconcile(ctx context.Context) (SweepSummary, error) {
	log := logger.FromContext(ctx)
	s.metrics.ReconcileRunsTotal.Inc()

	pending, err := s.store.ListTransactionsByStatus(ctx, storage.NonTerminalStatuses...)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list non-terminal transactions: %w", err)
	}

	var summary SweepSummary
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if tx.PaymentID == "" {
			// Row never got an invoice id; nothing to ask the provider.
			// Cleanup will collapse it against its siblings.
			continue
		}

		op, err := s.provider.GetOperationStatus(ctx, tx.PaymentID)
		if err != nil {
			summary.Failed++
			s.metrics.ReconcileErrorsTotal.Inc()
			log.Warn().
				Err(err).
				Str("payment_id", tx.PaymentID).
				Msg("reconcile.lookup_failed")
			continue
		}

		result, err := s.store.ApplyStatus(ctx, tx.PaymentID, storage.StatusUpdate{
			Status:         storage.NormalizeStatus(op.Status),
			CryptoAmount:   op.CryptoAmount,
			CryptoCurrency: op.CryptoCurrency,
			ExchangeRate:   op.ExchangeRate,
		})
		if err != nil {
			summary.Failed++
			s.metrics.ReconcileErrorsTotal.Inc()
			log.Warn().
				Err(err).
				Str("payment_id", tx.PaymentID).
				Msg("reconcile.apply_failed")
			continue
		}

		summary.Checked++
		s.metrics.ReconcileCheckedTotal.Inc()
		if result.Changed {
			summary.Updated++
			s.metrics.ReconcileUpdatedTotal.Inc()
		}
		if result.CreditsGranted {
			summary.Granted++
			s.metrics.ObserveCreditGrant(result.Credits)
			log.Info().
				Str("payment_id", tx.PaymentID).
				Str("user_id", logger.TruncateID(result.UserID)).
				Int64("credits", result.Credits).
				Msg("reconcile.credits_granted")
		}
	}

	log.Info().
		Int("checked", summary.Checked).
		Int("updated", summary.Updated).
		Int("granted", summary.Granted).
		Int("failed", summary.Failed).
		Msg("reconcile.sweep_done")

	return summary, nil
}

// RunReconcileLoop runs Reconcile on a fixed interval until ctx is cancelled.
func (s *Service) RunReconcileLoop(ctx context.Context) {
	interval := s.cfg.Billing.ReconcileInterval.Duration
	if interval <= 0 {
		return
	}
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", interval).Msg("reconcile.loop_started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconcile.loop_stopped")
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reconcile.sweep_failed")
			}
		}
	}
}
