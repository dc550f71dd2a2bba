package errors

import "testing"

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeInvalidAmount, 400},
		{ErrCodeUnsupportedCurrency, 400},
		{ErrCodeInvalidSignature, 400},
		{ErrCodeUnauthorized, 401},
		{ErrCodeTransactionNotFound, 404},
		{ErrCodeProviderUnavailable, 502},
		{ErrCodeProviderRejected, 502},
		{ErrCodeProviderMalformed, 502},
		{ErrCodeStoreError, 500},
		{ErrCodeInternalError, 500},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorCode_IsRetryable(t *testing.T) {
	if !ErrCodeProviderUnavailable.IsRetryable() {
		t.Error("provider_unavailable should be retryable")
	}
	if !ErrCodeStoreError.IsRetryable() {
		t.Error("store_error should be retryable")
	}
	if ErrCodeInvalidSignature.IsRetryable() {
		t.Error("invalid_signature must not be retryable")
	}
	if ErrCodeProviderRejected.IsRetryable() {
		t.Error("provider_rejected must not be retryable")
	}
}
