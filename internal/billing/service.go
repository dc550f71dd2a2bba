package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/metrics"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
)

// ErrUnauthorized is returned when the requested userId does not match the
// authenticated caller.
var ErrUnauthorized = errors.New("billing: user identity mismatch")

// ErrInvalidAmount is returned for non-positive or unparseable amounts.
var ErrInvalidAmount = errors.New("billing: amount must be a positive decimal")

// ErrInvalidCredits is returned for non-positive credit quantities.
var ErrInvalidCredits = errors.New("billing: credits must be positive")

// UnsupportedCurrencyError rejects currencies outside the allow-list. The
// message enumerates the valid set for the end user.
type UnsupportedCurrencyError struct {
	Currency  string
	Supported []string
}

func (e *UnsupportedCurrencyError) Error() string {
	return fmt.Sprintf("unsupported cryptocurrency %q, choose from: %s",
		e.Currency, strings.Join(e.Supported, ", "))
}

// InvoiceAPI is the subset of the provider client the billing service uses.
type InvoiceAPI interface {
	CreateInvoice(ctx context.Context, req plisio.CreateInvoiceRequest) (plisio.Invoice, error)
	GetOperationStatus(ctx context.Context, paymentID string) (plisio.OperationStatus, error)
}

// Service implements invoice issuance, callback application, reconciliation,
// and duplicate cleanup over the transaction store and the provider client.
type Service struct {
	cfg      *config.Config
	store    storage.Store
	provider InvoiceAPI
	metrics  *metrics.Metrics
}

// NewService wires the billing service.
func NewService(cfg *config.Config, store storage.Store, provider InvoiceAPI, metricsCollector *metrics.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		metrics:  metricsCollector,
	}
}

// IssueRequest is a credit purchase request.
type IssueRequest struct {
	UserID   string
	Amount   string // source-currency decimal
	Credits  int64
	Currency string // target cryptocurrency, defaults to BTC
}

// IssueInvoice validates the purchase request, creates an upstream invoice,
// and records exactly one transaction row in state "new". On any failure no
// row is created.
//
// Impatient clients retry this call; each retry that reaches the provider
// creates another "new" row with its own order number, which the cleanup pass
// later collapses.
func (s *Service) IssueInvoice(ctx context.Context, callerUserID string, req IssueRequest) (storage.Transaction, error) {
	log := logger.FromContext(ctx)

	if req.UserID == "" || callerUserID == "" || req.UserID != callerUserID {
		return storage.Transaction{}, ErrUnauthorized
	}
	if req.Credits <= 0 {
		return storage.Transaction{}, ErrInvalidCredits
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return storage.Transaction{}, ErrInvalidAmount
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "BTC"
	}
	if !s.currencySupported(currency) {
		return storage.Transaction{}, &UnsupportedCurrencyError{
			Currency:  currency,
			Supported: s.cfg.Billing.SupportedCurrencies,
		}
	}

	orderNumber := s.newOrderNumber(req.UserID)

	invoice, err := s.provider.CreateInvoice(ctx, plisio.CreateInvoiceRequest{
		OrderNumber:    orderNumber,
		OrderName:      fmt.Sprintf("Credits purchase - %d credits", req.Credits),
		SourceCurrency: s.cfg.Plisio.SourceCurrency,
		SourceAmount:   amount.String(),
		Currency:       currency,
		CallbackURL:    s.cfg.Plisio.CallbackURL,
	})
	if err != nil {
		s.metrics.InvoiceFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		log.Warn().
			Err(err).
			Str("order_number", orderNumber).
			Str("user_id", logger.TruncateID(req.UserID)).
			Msg("billing.invoice_create_failed")
		return storage.Transaction{}, fmt.Errorf("create invoice: %w", err)
	}

	tx, err := s.store.InsertTransaction(ctx, storage.Transaction{
		UserID:            req.UserID,
		OrderNumber:       orderNumber,
		Amount:            amount.String(),
		Credits:           req.Credits,
		Status:            storage.StatusNew,
		PaymentID:         invoice.PaymentID,
		InvoiceURL:        invoice.InvoiceURL,
		CryptoAmount:      invoice.CryptoAmount,
		CryptoCurrency:    invoice.CryptoCurrency,
		ExchangeRate:      invoice.ExchangeRate,
		QRCode:            invoice.QRCode,
		InvoiceCommission: invoice.InvoiceCommission,
		InvoiceTotalSum:   invoice.InvoiceTotalSum,
		ExpiresAt:         invoice.ExpiresAt,
	})
	if err != nil {
		return storage.Transaction{}, fmt.Errorf("record transaction: %w", err)
	}

	s.metrics.InvoicesCreatedTotal.WithLabelValues(currency).Inc()
	log.Info().
		Str("order_number", orderNumber).
		Str("payment_id", tx.PaymentID).
		Str("user_id", logger.TruncateID(tx.UserID)).
		Int64("credits", tx.Credits).
		Msg("billing.invoice_created")

	return tx, nil
}

// Balance returns the caller's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.CreditBalance(ctx, userID)
}

// Transactions returns the caller's purchase history, newest first.
func (s *Service) Transactions(ctx context.Context, userID string) ([]storage.Transaction, error) {
	return s.store.ListTransactionsByUser(ctx, userID)
}

func (s *Service) currencySupported(currency string) bool {
	for _, supported := range s.cfg.Billing.SupportedCurrencies {
		if currency == supported {
			return true
		}
	}
	return false
}

// newOrderNumber derives a unique-with-high-probability order number from the
// current time and a slice of the user id.
func (s *Service) newOrderNumber(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%d-%s", s.cfg.Billing.OrderPrefix, time.Now().UnixMilli(), short)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, plisio.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, plisio.ErrMalformed):
		return "malformed"
	default:
		var rejection *plisio.RejectionError
		if errors.As(err, &rejection) {
			return "rejected"
		}
		return "other"
	}
}
