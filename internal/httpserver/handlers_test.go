package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/credibill/server/internal/billing"
	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/metrics"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
)

const (
	testSecret   = "test-plisio-key"
	testAPIKey   = "user-api-key-1"
	testUserID   = "user-1"
	testAdminKey = "admin-secret"
)

// stubProvider returns a fixed invoice and operation status.
type stubProvider struct {
	invoice plisio.Invoice
	status  plisio.OperationStatus
}

func (p *stubProvider) CreateInvoice(ctx context.Context, req plisio.CreateInvoiceRequest) (plisio.Invoice, error) {
	return p.invoice, nil
}

func (p *stubProvider) GetOperationStatus(ctx context.Context, paymentID string) (plisio.OperationStatus, error) {
	return p.status, nil
}

func testServerConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:     ":0",
			AdminAPIKey: testAdminKey,
		},
		Plisio: config.PlisioConfig{
			APIKey:         testSecret,
			BaseURL:        "https://api.example",
			SourceCurrency: "EUR",
			CallbackURL:    "https://app.example/callback",
			Timeout:        config.Duration{Duration: 2 * time.Second},
		},
		Billing: config.BillingConfig{
			SupportedCurrencies: []string{"BTC", "ETH"},
			OrderPrefix:         "ORDER",
		},
		Storage: config.StorageConfig{Backend: "memory"},
		Identity: config.IdentityConfig{
			Enabled: true,
			Keys:    map[string]string{testAPIKey: testUserID},
		},
	}
}

func newTestRouter(t *testing.T, provider billing.InvoiceAPI) (chi.Router, *storage.MemoryStore) {
	t.Helper()

	cfg := testServerConfig()
	store := storage.NewMemoryStore()
	svc := billing.NewService(cfg, store, provider, metrics.New(prometheus.NewRegistry()))

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, svc, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return router, store
}

func signedCallback(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()

	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write(payload)

	signed := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		signed[k] = v
	}
	signed["verify_hash"] = hex.EncodeToString(mac.Sum(nil))

	body, err := json.Marshal(signed)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("parse error body %q: %v", body, err)
	}
	return resp.Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{})

	req := httptest.NewRequest("GET", "/credits-health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("status field = %v, want ok", response["status"])
	}
}

func TestCreateInvoice_RequiresIdentity(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{})

	body := []byte(`{"userId":"user-1","amount":25,"credits":100,"currency":"BTC"}`)
	req := httptest.NewRequest("POST", "/billing/v1/invoices", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "unauthorized" {
		t.Errorf("error code = %q, want unauthorized", code)
	}
}

func TestCreateInvoice_Success(t *testing.T) {
	provider := &stubProvider{
		invoice: plisio.Invoice{
			PaymentID:      "txn-1",
			InvoiceURL:     "https://invoice.example/txn-1",
			CryptoAmount:   "0.00042",
			CryptoCurrency: "BTC",
		},
	}
	router, store := newTestRouter(t, provider)

	body := []byte(`{"userId":"user-1","amount":25,"credits":100,"currency":"BTC"}`)
	req := httptest.NewRequest("POST", "/billing/v1/invoices", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rec.Code, rec.Body.String())
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["paymentId"] != "txn-1" {
		t.Errorf("paymentId = %v, want txn-1", response["paymentId"])
	}
	if response["status"] != "new" {
		t.Errorf("status = %v, want new", response["status"])
	}
	if response["invoiceUrl"] != "https://invoice.example/txn-1" {
		t.Errorf("invoiceUrl = %v", response["invoiceUrl"])
	}

	if _, err := store.GetTransactionByPaymentID(context.Background(), "txn-1"); err != nil {
		t.Errorf("transaction row missing after issuance: %v", err)
	}
}

func TestCreateInvoice_IdentityMismatch(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{})

	body := []byte(`{"userId":"someone-else","amount":25,"credits":100,"currency":"BTC"}`)
	req := httptest.NewRequest("POST", "/billing/v1/invoices", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateInvoice_UnsupportedCurrency(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{})

	body := []byte(`{"userId":"user-1","amount":25,"credits":100,"currency":"XRP"}`)
	req := httptest.NewRequest("POST", "/billing/v1/invoices", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "unsupported_currency" {
		t.Errorf("error code = %q, want unsupported_currency", code)
	}
}

func TestPaymentCallback_GrantsCreditsOnce(t *testing.T) {
	router, store := newTestRouter(t, &stubProvider{})
	ctx := context.Background()

	store.InsertTransaction(ctx, storage.Transaction{
		UserID:    testUserID,
		Credits:   100,
		Status:    storage.StatusNew,
		PaymentID: "txn-1",
	})

	body := signedCallback(t, map[string]interface{}{
		"txn_id":   "txn-1",
		"status":   "completed",
		"amount":   "0.00042",
		"currency": "BTC",
	})

	req := httptest.NewRequest("POST", "/billing/v1/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var response map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &response)
	if response["creditsGranted"] != true {
		t.Errorf("creditsGranted = %v, want true", response["creditsGranted"])
	}

	// Redelivery is accepted but grants nothing.
	req = httptest.NewRequest("POST", "/billing/v1/callback", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &response)
	if response["creditsGranted"] != false {
		t.Errorf("redelivery creditsGranted = %v, want false", response["creditsGranted"])
	}

	balance, _ := store.CreditBalance(ctx, testUserID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
}

func TestPaymentCallback_InvalidSignature(t *testing.T) {
	router, store := newTestRouter(t, &stubProvider{})
	ctx := context.Background()

	store.InsertTransaction(ctx, storage.Transaction{
		UserID:    testUserID,
		Credits:   100,
		Status:    storage.StatusNew,
		PaymentID: "txn-1",
	})

	body := []byte(`{"txn_id":"txn-1","status":"completed","verify_hash":"deadbeef"}`)
	req := httptest.NewRequest("POST", "/billing/v1/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "invalid_signature" {
		t.Errorf("error code = %q, want invalid_signature", code)
	}

	balance, _ := store.CreditBalance(ctx, testUserID)
	if balance != 0 {
		t.Errorf("balance = %d after forged callback, want 0", balance)
	}
}

func TestPaymentCallback_UnknownTransaction(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{})

	body := signedCallback(t, map[string]interface{}{
		"txn_id": "txn-missing",
		"status": "completed",
	})
	req := httptest.NewRequest("POST", "/billing/v1/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "transaction_not_found" {
		t.Errorf("error code = %q, want transaction_not_found", code)
	}
}

func TestGetBalanceAndTransactions(t *testing.T) {
	router, store := newTestRouter(t, &stubProvider{})
	ctx := context.Background()

	store.InsertTransaction(ctx, storage.Transaction{
		UserID:    testUserID,
		Credits:   100,
		Status:    storage.StatusCompleted,
		PaymentID: "txn-1",
	})

	body := signedCallback(t, map[string]interface{}{"txn_id": "txn-1", "status": "completed"})
	req := httptest.NewRequest("POST", "/billing/v1/callback", bytes.NewReader(body))
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/billing/v1/balance", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d, want 200", rec.Code)
	}
	var balanceResp struct {
		UserID  string `json:"userId"`
		Credits int64  `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &balanceResp); err != nil {
		t.Fatal(err)
	}
	if balanceResp.Credits != 100 || balanceResp.UserID != testUserID {
		t.Errorf("balance = %+v, want 100 credits for %s", balanceResp, testUserID)
	}

	req = httptest.NewRequest("GET", "/billing/v1/transactions", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("transactions status = %d, want 200", rec.Code)
	}
	var listResp struct {
		Transactions []map[string]interface{} `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Transactions) != 1 {
		t.Errorf("transactions = %d rows, want 1", len(listResp.Transactions))
	}
}

func TestAdminEndpoints_RequireBearerKey(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{status: plisio.OperationStatus{Status: "pending"}})

	for _, path := range []string{"/billing/v1/admin/reconcile", "/billing/v1/admin/cleanup"} {
		req := httptest.NewRequest("POST", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("POST %s without key: status = %d, want 401", path, rec.Code)
		}

		req = httptest.NewRequest("POST", path, nil)
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("POST %s with key: status = %d, want 200, body: %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestTriggerReconcile_ReportsSummary(t *testing.T) {
	provider := &stubProvider{status: plisio.OperationStatus{Status: "completed"}}
	router, store := newTestRouter(t, provider)
	ctx := context.Background()

	store.InsertTransaction(ctx, storage.Transaction{
		UserID:    testUserID,
		Credits:   40,
		Status:    storage.StatusPending,
		PaymentID: "txn-1",
	})

	req := httptest.NewRequest("POST", "/billing/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var summary billing.SweepSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 1 || summary.Updated != 1 || summary.Granted != 1 {
		t.Errorf("summary = %+v, want 1 checked/updated/granted", summary)
	}

	balance, _ := store.CreditBalance(ctx, testUserID)
	if balance != 40 {
		t.Errorf("balance = %d, want 40", balance)
	}
}
