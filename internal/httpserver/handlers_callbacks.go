package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/credibill/server/internal/billing"
	apierrors "github.com/credibill/server/internal/errors"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
	"github.com/credibill/server/pkg/responders"
)

// paymentCallback receives the provider's server-to-server status webhook.
func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	h.applyCallback(w, r, h.billing.HandleCallback)
}

// paymentSucceeded receives the provider's success notification. The payload
// is signed the same way as the webhook; verification happens downstream.
func (h *handlers) paymentSucceeded(w http.ResponseWriter, r *http.Request) {
	h.applyCallback(w, r, h.billing.MarkSucceeded)
}

// paymentFailed receives the provider's failure notification.
func (h *handlers) paymentFailed(w http.ResponseWriter, r *http.Request) {
	h.applyCallback(w, r, h.billing.MarkFailed)
}

type callbackFunc func(ctx context.Context, event map[string]interface{}) (billing.CallbackOutcome, error)

func (h *handlers) applyCallback(w http.ResponseWriter, r *http.Request, apply callbackFunc) {
	log := logger.FromContext(r.Context())

	event, err := callbackEvent(r)
	if err != nil {
		log.Warn().
			Err(err).
			Msg("callback.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "malformed callback payload")
		return
	}

	outcome, err := apply(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "callback signature verification failed")
		case errors.Is(err, billing.ErrMissingPaymentID):
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "callback missing txn_id")
		case errors.Is(err, storage.ErrNotFound):
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeTransactionNotFound, "no transaction matches txn_id", "paymentId", plisio.StringField(event, "txn_id"))
		default:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreError, "failed to apply callback")
		}
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"paymentId":      outcome.PaymentID,
		"applied":        outcome.Changed,
		"creditsGranted": outcome.CreditsGranted,
	})
}

// callbackEvent extracts the signed field map from a callback request. POST
// bodies are JSON; GET notifications carry the same fields as query
// parameters.
func callbackEvent(r *http.Request) (map[string]interface{}, error) {
	if r.Method == http.MethodPost {
		defer r.Body.Close()
		return plisio.DecodeCallback(r.Body)
	}

	event := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			event[key] = values[0]
		}
	}
	return event, nil
}
