package errors

// ErrorCode represents a machine-readable error identifier returned by the
// HTTP surface (IPN webhook and admin API).
type ErrorCode string

// Webhook / IPN errors
const (
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeInvalidPayload   ErrorCode = "invalid_payload"
	ErrCodePayloadTooLarge  ErrorCode = "payload_too_large"
	ErrCodeCurrencyMismatch ErrorCode = "currency_mismatch"
)

// Validation errors (request input)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
)

// Resource/state errors
const (
	ErrCodeDepositNotFound  ErrorCode = "deposit_not_found"
	ErrCodeProductNotFound  ErrorCode = "product_not_found"
	ErrCodeUserNotFound     ErrorCode = "user_not_found"
	ErrCodeUnknownTransport ErrorCode = "unknown_transport"
)

// Business rejects
const (
	ErrCodeOutOfStock       ErrorCode = "out_of_stock"
	ErrCodeCodeInvalid      ErrorCode = "discount_code_invalid"
	ErrCodeCodeExpired      ErrorCode = "discount_code_expired"
	ErrCodeCodeLimitReached ErrorCode = "discount_code_limit_reached"
	ErrCodeUnderpayment     ErrorCode = "underpayment"
	ErrCodeRecoveryFailed   ErrorCode = "recovery_failed"
)

// Authorization
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// External service errors
const (
	ErrCodeGatewayError     ErrorCode = "gateway_error"
	ErrCodePriceUnavailable ErrorCode = "price_unavailable"
	ErrCodeTelegramError    ErrorCode = "telegram_error"
	ErrCodeNetworkError     ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
	ErrCodeNotReady      ErrorCode = "not_ready"
)

// IsRetryable returns whether an error code represents a transient
// condition the caller may retry.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayError,
		ErrCodePriceUnavailable,
		ErrCodeTelegramError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError,
		ErrCodeNotReady:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidSignature,
		ErrCodeInvalidPayload,
		ErrCodeCurrencyMismatch,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeDepositNotFound,
		ErrCodeProductNotFound,
		ErrCodeUserNotFound,
		ErrCodeUnknownTransport:
		return 404

	case ErrCodeOutOfStock,
		ErrCodeCodeInvalid,
		ErrCodeCodeExpired,
		ErrCodeCodeLimitReached,
		ErrCodeUnderpayment,
		ErrCodeRecoveryFailed:
		return 409

	case ErrCodePayloadTooLarge:
		return 413

	case ErrCodeGatewayError,
		ErrCodePriceUnavailable,
		ErrCodeTelegramError,
		ErrCodeNetworkError:
		return 502

	case ErrCodeNotReady:
		return 503

	default:
		return 500
	}
}
