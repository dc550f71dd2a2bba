package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/credibill/server/internal/billing"
	apierrors "github.com/credibill/server/internal/errors"
	"github.com/credibill/server/internal/identity"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
	"github.com/credibill/server/pkg/responders"
)

type createInvoiceRequest struct {
	UserID   string      `json:"userId"`
	Amount   json.Number `json:"amount"`
	Credits  int64       `json:"credits"`
	Currency string      `json:"currency"`
}

type transactionResponse struct {
	TransactionID  string     `json:"transactionId"`
	PaymentID      string     `json:"paymentId,omitempty"`
	OrderNumber    string     `json:"orderNumber"`
	InvoiceURL     string     `json:"invoiceUrl,omitempty"`
	Status         string     `json:"status"`
	Amount         string     `json:"amount"`
	Credits        int64      `json:"credits"`
	Currency       string     `json:"currency,omitempty"`
	CryptoAmount   string     `json:"cryptoAmount,omitempty"`
	QRCode         string     `json:"qrCode,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreditsGranted bool       `json:"creditsGranted"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func toTransactionResponse(tx storage.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID:  tx.ID,
		PaymentID:      tx.PaymentID,
		OrderNumber:    tx.OrderNumber,
		InvoiceURL:     tx.InvoiceURL,
		Status:         string(tx.Status),
		Amount:         tx.Amount,
		Credits:        tx.Credits,
		Currency:       tx.CryptoCurrency,
		CryptoAmount:   tx.CryptoAmount,
		QRCode:         tx.QRCode,
		CreditsGranted: tx.CreditsGranted,
		CreatedAt:      tx.CreatedAt,
	}
	if !tx.ExpiresAt.IsZero() {
		expires := tx.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

// createInvoice issues a new credit purchase invoice for the authenticated
// user.
func (h *handlers) createInvoice(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	callerID, ok := identity.UserID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
		return
	}

	var req createInvoiceRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("invoices.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId is required")
		return
	}
	if req.Amount == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "amount is required")
		return
	}

	tx, err := h.billing.IssueInvoice(r.Context(), callerID, billing.IssueRequest{
		UserID:   req.UserID,
		Amount:   req.Amount.String(),
		Credits:  req.Credits,
		Currency: req.Currency,
	})
	if err != nil {
		writeIssueError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// getBalance returns the authenticated user's credit balance.
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.UserID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
		return
	}

	credits, err := h.billing.Balance(r.Context(), callerID)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreError, "failed to load balance")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"userId":  callerID,
		"credits": credits,
	})
}

// listTransactions returns the authenticated user's purchase history.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.UserID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
		return
	}

	txs, err := h.billing.Transactions(r.Context(), callerID)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreError, "failed to load transactions")
		return
	}

	items := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, toTransactionResponse(tx))
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"transactions": items,
	})
}

// writeIssueError maps billing issuance errors onto API error codes.
func writeIssueError(w http.ResponseWriter, err error) {
	var unsupported *billing.UnsupportedCurrencyError
	var rejection *plisio.RejectionError

	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "userId does not match authenticated user")
	case errors.Is(err, billing.ErrInvalidAmount):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must be a positive decimal")
	case errors.Is(err, billing.ErrInvalidCredits):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "credits must be positive")
	case errors.As(err, &unsupported):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeUnsupportedCurrency, unsupported.Error(), "currency", unsupported.Currency)
	case errors.Is(err, plisio.ErrUnavailable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProviderUnavailable, "payment provider is unavailable, try again later")
	case errors.Is(err, plisio.ErrMalformed):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProviderMalformed, "payment provider returned an unexpected response")
	case errors.As(err, &rejection):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProviderRejected, rejection.Message)
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to create invoice")
	}
}
