package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Validation errors (request input validation)
const (
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeTooManyFiles    ErrorCode = "too_many_files"
	ErrCodeFileTooLarge    ErrorCode = "file_too_large"
	ErrCodeInvalidEmail    ErrorCode = "invalid_email"
	ErrCodeUnsupportedType ErrorCode = "unsupported_file_type"
)

// Access and charging errors
const (
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeForbidden           ErrorCode = "forbidden"
	ErrCodeQuotaExceeded       ErrorCode = "quota_exceeded"
	ErrCodeTrialExhausted      ErrorCode = "trial_exhausted"
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"
	ErrCodePaymentRequired     ErrorCode = "payment_required"
)

// Quote lifecycle errors
const (
	ErrCodeQuoteNotFound      ErrorCode = "quote_not_found"
	ErrCodeQuoteExpired       ErrorCode = "quote_expired"
	ErrCodeQuoteReplayed      ErrorCode = "quote_replayed"
	ErrCodeQuoteOwnerMismatch ErrorCode = "quote_owner_mismatch"
)

// Webhook ingest errors
const (
	ErrCodeWebhookBadSignature   ErrorCode = "webhook_bad_signature"
	ErrCodeWebhookStaleTimestamp ErrorCode = "webhook_stale_timestamp"
	ErrCodeWebhookMalformed      ErrorCode = "webhook_malformed"
	ErrCodeWebhookUnknownAccount ErrorCode = "webhook_unknown_account"
)

// Ledger and refund errors
const (
	ErrCodeChargeNotFound    ErrorCode = "charge_not_found"
	ErrCodeAlreadyRefunded   ErrorCode = "already_refunded"
	ErrCodeUnknownCreditPack ErrorCode = "unknown_credit_pack"
)

// External service errors
const (
	ErrCodeExtractorFailure ErrorCode = "extractor_failure"
	ErrCodeExtractorTimeout ErrorCode = "extractor_timeout"
	ErrCodeStripeError      ErrorCode = "stripe_error"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
	ErrCodeSweeperStale     ErrorCode = "sweeper_stale"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient service issues, not validation or business failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeExtractorFailure,
		ErrCodeExtractorTimeout,
		ErrCodeStripeError,
		ErrCodeDatabaseError,
		ErrCodeSweeperStale,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors and replayed quotes
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeTooManyFiles,
		ErrCodeFileTooLarge,
		ErrCodeInvalidEmail,
		ErrCodeQuoteExpired,
		ErrCodeQuoteReplayed,
		ErrCodeWebhookBadSignature,
		ErrCodeWebhookStaleTimestamp,
		ErrCodeWebhookMalformed,
		ErrCodeAlreadyRefunded,
		ErrCodeUnknownCreditPack:
		return 400

	// 401 Unauthorized
	case ErrCodeUnauthorized:
		return 401

	// 402 Payment Required - quota or balance exhaustion
	case ErrCodeQuotaExceeded,
		ErrCodeTrialExhausted,
		ErrCodeInsufficientCredits,
		ErrCodePaymentRequired:
		return 402

	// 403 Forbidden - mode mismatch, forbidden file types, foreign quotes
	case ErrCodeForbidden,
		ErrCodeUnsupportedType,
		ErrCodeQuoteOwnerMismatch:
		return 403

	// 404 Not Found
	case ErrCodeQuoteNotFound,
		ErrCodeChargeNotFound,
		ErrCodeWebhookUnknownAccount:
		return 404

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - external collaborators
	case ErrCodeStripeError:
		return 502

	// 503 Service Unavailable - fail-closed gates
	case ErrCodeSweeperStale:
		return 503

	// 504 Gateway Timeout - extractor hard timeout
	case ErrCodeExtractorTimeout:
		return 504

	// 500 Internal Server Error - extractor crashes and system errors
	default:
		return 500
	}
}
