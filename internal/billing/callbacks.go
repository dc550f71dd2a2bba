package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
)

// ErrInvalidSignature is returned when a callback fails HMAC verification.
var ErrInvalidSignature = errors.New("billing: invalid callback signature")

// ErrMissingPaymentID is returned when a verified callback carries no txn_id.
var ErrMissingPaymentID = errors.New("billing: callback missing txn_id")

// CallbackOutcome summarizes the effect of applying one callback.
type CallbackOutcome struct {
	PaymentID      string
	Status         storage.Status
	Changed        bool
	CreditsGranted bool
}

// HandleCallback verifies and applies a provider status callback. Duplicate
// deliveries of the same terminal status are accepted and produce no second
// effect.
func (s *Service) HandleCallback(ctx context.Context, event map[string]interface{}) (CallbackOutcome, error) {
	return s.applyCallback(ctx, "json", event, storage.StatusUpdate{
		Status:         storage.NormalizeStatus(plisio.StringField(event, "status")),
		CryptoAmount:   plisio.StringField(event, "amount"),
		CryptoCurrency: plisio.StringField(event, "currency"),
		ExchangeRate:   plisio.StringField(event, "source_rate"),
	})
}

// MarkSucceeded applies the provider's success redirect notification. It is
// authenticated the same way as the JSON callback; an unsigned redirect must
// not complete a payment.
func (s *Service) MarkSucceeded(ctx context.Context, event map[string]interface{}) (CallbackOutcome, error) {
	return s.applyCallback(ctx, "success", event, storage.StatusUpdate{
		Status: storage.StatusCompleted,
	})
}

// MarkFailed applies the provider's failure redirect notification. A
// transaction already completed stays completed; the store enforces that.
func (s *Service) MarkFailed(ctx context.Context, event map[string]interface{}) (CallbackOutcome, error) {
	return s.applyCallback(ctx, "fail", event, storage.StatusUpdate{
		Status: storage.StatusFailed,
	})
}

func (s *Service) applyCallback(ctx context.Context, kind string, event map[string]interface{}, update storage.StatusUpdate) (CallbackOutcome, error) {
	log := logger.FromContext(ctx)

	if !plisio.VerifyCallback(event, s.cfg.Plisio.APIKey) {
		s.metrics.ObserveCallback(kind, "invalid_signature")
		log.Warn().
			Str("kind", kind).
			Str("payment_id", plisio.StringField(event, "txn_id")).
			Msg("billing.callback_rejected")
		return CallbackOutcome{}, ErrInvalidSignature
	}

	paymentID := plisio.StringField(event, "txn_id")
	if paymentID == "" {
		s.metrics.ObserveCallback(kind, "missing_payment_id")
		return CallbackOutcome{}, ErrMissingPaymentID
	}

	result, err := s.store.ApplyStatus(ctx, paymentID, update)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.ObserveCallback(kind, "unknown_transaction")
			return CallbackOutcome{}, fmt.Errorf("apply callback for %s: %w", paymentID, err)
		}
		s.metrics.ObserveCallback(kind, "store_error")
		return CallbackOutcome{}, fmt.Errorf("apply callback for %s: %w", paymentID, err)
	}

	if result.CreditsGranted {
		s.metrics.ObserveCreditGrant(result.Credits)
		log.Info().
			Str("payment_id", paymentID).
			Str("user_id", logger.TruncateID(result.UserID)).
			Int64("credits", result.Credits).
			Msg("billing.credits_granted")
	}

	s.metrics.ObserveCallback(kind, "applied")
	log.Info().
		Str("kind", kind).
		Str("payment_id", paymentID).
		Str("status", string(update.Status)).
		Bool("changed", result.Changed).
		Msg("billing.callback_applied")

	return CallbackOutcome{
		PaymentID:      paymentID,
		Status:         update.Status,
		Changed:        result.Changed,
		CreditsGranted: result.CreditsGranted,
	}, nil
}
