package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Invoice issuance errors
const (
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeUnsupportedCurrency ErrorCode = "unsupported_currency"
	ErrCodeInvalidAmount       ErrorCode = "invalid_amount"
	ErrCodeMissingField        ErrorCode = "missing_field"
	ErrCodeInvalidField        ErrorCode = "invalid_field"
)

// Payment provider errors
const (
	// Transport-level failure (timeout, connection refused, circuit open).
	// Never a confirmed negative outcome - the next sweep reconciles.
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"

	// Well-formed provider response signalling failure.
	ErrCodeProviderRejected ErrorCode = "provider_rejected"

	// Provider response body did not match the expected schema.
	ErrCodeProviderMalformed ErrorCode = "provider_malformed"
)

// Callback errors
const (
	ErrCodeInvalidSignature    ErrorCode = "invalid_signature"
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
)

// Internal/System errors
const (
	ErrCodeStoreError    ErrorCode = "store_error"
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient transport/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeProviderUnavailable,
		ErrCodeStoreError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation and callback authentication failures
	case ErrCodeUnsupportedCurrency,
		ErrCodeInvalidAmount,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidSignature:
		return 400

	// 401 Unauthorized - identity mismatch or missing identity
	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found - callback references an unknown payment_id
	case ErrCodeTransactionNotFound:
		return 404

	// 502 Bad Gateway - external provider errors
	case ErrCodeProviderUnavailable,
		ErrCodeProviderRejected,
		ErrCodeProviderMalformed:
		return 502

	// 500 Internal Server Error - system/internal errors
	default:
		return 500
	}
}
