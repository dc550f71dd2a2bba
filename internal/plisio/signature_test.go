package plisio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
)

const testSecret = "test-api-key-secret"

func hmacSHA1Hex(t *testing.T, secret, payload string) string {
	t.Helper()
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyCallback_AcceptsSignedEvent(t *testing.T) {
	// The canonical serialization is pinned as a literal so the test fails if
	// the canonicalizer ever drifts from the provider's signing scheme.
	canonical := `{"amount":"0.0123","currency":"BTC","expire_utc":"1700000000","order_number":"ORDER-1-user1","source_rate":"43000.12","status":"completed","txn_id":"abc123"}`

	event := map[string]interface{}{
		"amount":       "0.0123",
		"currency":     "BTC",
		"expire_utc":   json.Number("1700000000"),
		"order_number": "ORDER-1-user1",
		"source_rate":  "43000.12",
		"status":       "completed",
		"txn_id":       "abc123",
		"verify_hash":  hmacSHA1Hex(t, testSecret, canonical),
	}

	if !VerifyCallback(event, testSecret) {
		t.Error("VerifyCallback() = false for a correctly signed event")
	}

	if VerifyCallback(event, "wrong-secret") {
		t.Error("VerifyCallback() = true under the wrong secret")
	}
}

func TestVerifyCallback_RejectsTamperedField(t *testing.T) {
	canonical := `{"amount":"0.0123","status":"completed","txn_id":"abc123"}`
	event := map[string]interface{}{
		"amount":      "0.0123",
		"status":      "completed",
		"txn_id":      "abc123",
		"verify_hash": hmacSHA1Hex(t, testSecret, canonical),
	}

	if !VerifyCallback(event, testSecret) {
		t.Fatal("VerifyCallback() = false for the untampered event")
	}

	event["amount"] = "9999.0"
	if VerifyCallback(event, testSecret) {
		t.Error("VerifyCallback() = true after tampering with amount")
	}
}

func TestVerifyCallback_MissingOrBadHash(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]interface{}
	}{
		{
			name:  "missing verify_hash",
			event: map[string]interface{}{"txn_id": "abc"},
		},
		{
			name:  "empty verify_hash",
			event: map[string]interface{}{"txn_id": "abc", "verify_hash": ""},
		},
		{
			name:  "non-string verify_hash",
			event: map[string]interface{}{"txn_id": "abc", "verify_hash": json.Number("12345")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyCallback(tt.event, testSecret) {
				t.Error("VerifyCallback() = true, want fail closed")
			}
		})
	}
}

func TestVerifyCallback_DecodesTxURLs(t *testing.T) {
	// tx_urls arrives percent-encoded but is hashed decoded. A literal '+'
	// must survive decoding unchanged; form decoding would turn it into a
	// space and reject the provider's authentic signature.
	tests := []struct {
		name      string
		txURLs    string
		canonical string
	}{
		{
			name:      "percent-encoded url",
			txURLs:    "https%3A%2F%2Fexplorer.example%2Ftx%2F1",
			canonical: `{"tx_urls":"https://explorer.example/tx/1","txn_id":"t1"}`,
		},
		{
			name:      "plus sign is literal",
			txURLs:    "https%3A%2F%2Fexplorer.example%2Ftx%2Fa+b",
			canonical: `{"tx_urls":"https://explorer.example/tx/a+b","txn_id":"t1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := map[string]interface{}{
				"tx_urls":     tt.txURLs,
				"txn_id":      "t1",
				"verify_hash": hmacSHA1Hex(t, testSecret, tt.canonical),
			}
			if !VerifyCallback(event, testSecret) {
				t.Error("VerifyCallback() = false for an authentic tx_urls payload")
			}
		})
	}
}

func TestVerifyCallback_DoesNotMutateEvent(t *testing.T) {
	event := map[string]interface{}{
		"expire_utc":  json.Number("1700000000"),
		"tx_urls":     "a%2Fb",
		"txn_id":      "t1",
		"verify_hash": "whatever",
	}

	VerifyCallback(event, testSecret)

	if _, ok := event["verify_hash"]; !ok {
		t.Error("VerifyCallback() removed verify_hash from the caller's map")
	}
	if event["tx_urls"] != "a%2Fb" {
		t.Error("VerifyCallback() mutated tx_urls in the caller's map")
	}
	if _, ok := event["expire_utc"].(json.Number); !ok {
		t.Error("VerifyCallback() mutated expire_utc in the caller's map")
	}
}

func TestDecodeCallback_PreservesNumberFidelity(t *testing.T) {
	// A numeric expire_utc must survive decode-then-verify byte for byte.
	canonical := `{"expire_utc":"1700000123","status":"completed","txn_id":"abc123"}`
	hash := hmacSHA1Hex(t, testSecret, canonical)

	body := `{"expire_utc":1700000123,"status":"completed","txn_id":"abc123","verify_hash":"` + hash + `"}`

	event, err := DecodeCallback(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeCallback() error = %v", err)
	}

	if _, ok := event["expire_utc"].(json.Number); !ok {
		t.Fatalf("expire_utc decoded as %T, want json.Number", event["expire_utc"])
	}

	if !VerifyCallback(event, testSecret) {
		t.Error("VerifyCallback() = false after DecodeCallback round-trip")
	}
}

func TestDecodeCallback_RejectsMalformedBody(t *testing.T) {
	if _, err := DecodeCallback(strings.NewReader("{not json")); err == nil {
		t.Error("DecodeCallback() error = nil for malformed body")
	}
}

func TestStringField(t *testing.T) {
	event := map[string]interface{}{
		"s": "text",
		"n": json.Number("42"),
		"z": nil,
	}

	if got := StringField(event, "s"); got != "text" {
		t.Errorf("StringField(s) = %q, want %q", got, "text")
	}
	if got := StringField(event, "n"); got != "42" {
		t.Errorf("StringField(n) = %q, want %q", got, "42")
	}
	if got := StringField(event, "z"); got != "" {
		t.Errorf("StringField(nil value) = %q, want empty", got)
	}
	if got := StringField(event, "missing"); got != "" {
		t.Errorf("StringField(missing) = %q, want empty", got)
	}
}
