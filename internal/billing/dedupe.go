package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/storage"
)

// CleanupSummary reports the effect of one deduplication run.
type CleanupSummary struct {
	Groups  int   `json:"duplicate_groups"`
	Deleted int64 `json:"deleted"`
}

// Cleanup collapses duplicate transaction rows produced by client retries.
// Rows sharing a non-empty order number form a group; one survivor is kept
// per group and the rest are deleted. Survivor selection: the earliest row
// that carries a provider payment id, else the earliest row outright. A row
// with a payment id is reachable by callbacks and the sweep; an orphan row is
// not. Completed rows are never deleted regardless of selection, so a granted
// credit always keeps its audit row. Idempotent: a second run over the same
// data deletes nothing.
func (s *Service) Cleanup(ctx context.Context) (CleanupSummary, error) {
	log := logger.FromContext(ctx)
	s.metrics.CleanupRunsTotal.Inc()

	all, err := s.store.ListTransactions(ctx)
	if err != nil {
		return CleanupSummary{}, fmt.Errorf("list transactions: %w", err)
	}

	groups := make(map[string][]storage.Transaction)
	for _, tx := range all {
		if tx.OrderNumber == "" {
			continue
		}
		groups[tx.OrderNumber] = append(groups[tx.OrderNumber], tx)
	}

	var summary CleanupSummary
	var doomed []string
	for orderNumber, group := range groups {
		if len(group) < 2 {
			continue
		}
		summary.Groups++

		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		survivor := group[0]
		for _, tx := range group {
			if tx.PaymentID != "" {
				survivor = tx
				break
			}
		}

		for _, tx := range group {
			if tx.ID == survivor.ID {
				continue
			}
			if tx.Status == storage.StatusCompleted {
				// Should not happen with correct survivor selection, but a
				// completed row represents granted credits and must survive.
				log.Warn().
					Str("order_number", orderNumber).
					Str("transaction_id", tx.ID).
					Msg("cleanup.skipping_completed_duplicate")
				continue
			}
			doomed = append(doomed, tx.ID)
		}
	}

	if len(doomed) > 0 {
		deleted, err := s.store.DeleteTransactions(ctx, doomed)
		if err != nil {
			return summary, fmt.Errorf("delete duplicate transactions: %w", err)
		}
		summary.Deleted = deleted
		s.metrics.CleanupDeletedTotal.Add(float64(deleted))
	}

	log.Info().
		Int("duplicate_groups", summary.Groups).
		Int64("deleted", summary.Deleted).
		Msg("cleanup.done")

	return summary, nil
}
