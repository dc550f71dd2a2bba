package plisio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/credibill/server/internal/circuitbreaker"
	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/httputil"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/metrics"
)

// ErrUnavailable is returned on transport-level failures: timeouts, connection
// errors, open circuit breaker. It is never a confirmed negative outcome; the
// reconciliation sweep picks the transaction up later.
var ErrUnavailable = errors.New("plisio: provider unavailable")

// ErrMalformed is returned when the provider response body cannot be parsed as
// the expected schema.
var ErrMalformed = errors.New("plisio: malformed provider response")

// RejectionError is a well-formed provider response signalling failure.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("plisio: provider rejected request: %s", e.Message)
}

// Client is a thin outbound caller to the invoicing provider. It performs no
// retries; retry policy belongs to the caller (the reconcile sweep).
type Client struct {
	cfg     config.PlisioConfig
	http    *http.Client
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
}

// NewClient builds a provider client from config.
func NewClient(cfg config.PlisioConfig, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	return &Client{
		cfg:     cfg,
		http:    httputil.NewClient(cfg.Timeout.Duration),
		breaker: breaker,
		metrics: metricsCollector,
	}
}

// CreateInvoiceRequest captures the parameters for a new hosted invoice.
type CreateInvoiceRequest struct {
	OrderNumber    string
	OrderName      string
	SourceCurrency string // fiat pricing currency
	SourceAmount   string
	Currency       string // target cryptocurrency
	Email          string
	CallbackURL    string
}

// Invoice is the subset of the provider's invoice response the system needs.
type Invoice struct {
	PaymentID         string // provider txn_id; the callback correlation key
	InvoiceURL        string
	CryptoAmount      string
	CryptoCurrency    string
	ExchangeRate      string
	QRCode            string
	InvoiceCommission string
	InvoiceTotalSum   string
	ExpiresAt         time.Time // zero when the provider sent no expiry
}

// OperationStatus is the provider's authoritative view of an invoice, used by
// the reconciliation sweep.
type OperationStatus struct {
	Status         string
	Amount         string
	CryptoAmount   string
	CryptoCurrency string
	ExchangeRate   string
}

// apiEnvelope is the provider's uniform response wrapper.
type apiEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type invoiceData struct {
	TxnID             string `json:"txn_id"`
	InvoiceURL        string `json:"invoice_url"`
	Amount            string `json:"amount"`
	PsysCid           string `json:"psys_cid"`
	SourceRate        string `json:"source_rate"`
	QRCode            string `json:"qr_code"`
	ExpireUTC         int64  `json:"expire_utc"`
	InvoiceCommission string `json:"invoice_commission"`
	InvoiceTotalSum   string `json:"invoice_total_sum"`
}

type operationData struct {
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	CryptoAmount string `json:"crypto_amount"`
	PsysCid      string `json:"psys_cid"`
	SourceRate   string `json:"source_rate"`
}

type rejectionData struct {
	Message string `json:"message"`
}

// CreateInvoice creates a new hosted invoice with the provider.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error) {
	params := url.Values{}
	params.Set("api_key", c.cfg.APIKey)
	params.Set("order_number", req.OrderNumber)
	params.Set("order_name", req.OrderName)
	params.Set("source_currency", req.SourceCurrency)
	params.Set("source_amount", req.SourceAmount)
	params.Set("currency", req.Currency)
	if req.Email != "" {
		params.Set("email", req.Email)
	}
	params.Set("callback_url", req.CallbackURL)

	data, err := c.call(ctx, "invoices_new", c.cfg.BaseURL+"/invoices/new?"+params.Encode())
	if err != nil {
		return Invoice{}, err
	}

	var inv invoiceData
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invoice{}, fmt.Errorf("%w: decode invoice: %v", ErrMalformed, err)
	}
	if inv.TxnID == "" || inv.InvoiceURL == "" {
		return Invoice{}, fmt.Errorf("%w: invoice response missing txn_id or invoice_url", ErrMalformed)
	}

	result := Invoice{
		PaymentID:         inv.TxnID,
		InvoiceURL:        inv.InvoiceURL,
		CryptoAmount:      inv.Amount,
		CryptoCurrency:    inv.PsysCid,
		ExchangeRate:      inv.SourceRate,
		QRCode:            inv.QRCode,
		InvoiceCommission: inv.InvoiceCommission,
		InvoiceTotalSum:   inv.InvoiceTotalSum,
	}
	if inv.ExpireUTC > 0 {
		result.ExpiresAt = time.Unix(inv.ExpireUTC, 0).UTC()
	}
	return result, nil
}

// GetOperationStatus fetches the authoritative status of an invoice.
func (c *Client) GetOperationStatus(ctx context.Context, paymentID string) (OperationStatus, error) {
	if paymentID == "" {
		return OperationStatus{}, fmt.Errorf("%w: empty payment id", ErrMalformed)
	}
	params := url.Values{}
	params.Set("api_key", c.cfg.APIKey)

	data, err := c.call(ctx, "operations_get", c.cfg.BaseURL+"/operations/"+url.PathEscape(paymentID)+"?"+params.Encode())
	if err != nil {
		return OperationStatus{}, err
	}

	var op operationData
	if err := json.Unmarshal(data, &op); err != nil {
		return OperationStatus{}, fmt.Errorf("%w: decode operation: %v", ErrMalformed, err)
	}
	if op.Status == "" {
		return OperationStatus{}, fmt.Errorf("%w: operation response missing status", ErrMalformed)
	}

	return OperationStatus{
		Status:         op.Status,
		Amount:         op.Amount,
		CryptoAmount:   op.CryptoAmount,
		CryptoCurrency: op.PsysCid,
		ExchangeRate:   op.SourceRate,
	}, nil
}

// call executes one GET against the provider through the circuit breaker and
// unwraps the response envelope. The returned bytes are the envelope's data
// payload.
func (c *Client) call(ctx context.Context, endpoint, fullURL string) (json.RawMessage, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	raw, err := c.breaker.Execute(circuitbreaker.ServiceProvider, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// 1MB cap: provider payloads are small; anything bigger is garbage.
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		c.metrics.ObserveProviderCall(endpoint, "unavailable", time.Since(start))
		log.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Msg("plisio.call_failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body := raw.([]byte)

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.metrics.ObserveProviderCall(endpoint, "malformed", time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if envelope.Status != "success" {
		c.metrics.ObserveProviderCall(endpoint, "rejected", time.Since(start))
		var rejection rejectionData
		_ = json.Unmarshal(envelope.Data, &rejection)
		if rejection.Message == "" {
			rejection.Message = "unspecified provider error"
		}
		log.Warn().
			Str("endpoint", endpoint).
			Str("provider_message", rejection.Message).
			Msg("plisio.request_rejected")
		return nil, &RejectionError{Message: rejection.Message}
	}

	c.metrics.ObserveProviderCall(endpoint, "success", time.Since(start))
	return envelope.Data, nil
}
