package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation errors (request input validation)
const (
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"
	ErrCodeMissingProof    ErrorCode = "MISSING_PROOF"
	ErrCodeExtraProof      ErrorCode = "EXTRA_PROOF"
	ErrCodeInvalidDigest   ErrorCode = "INVALID_ENDPOINT_DIGEST"
	ErrCodeAgentMismatch   ErrorCode = "AGENT_MISMATCH"
	ErrCodeUnknownType     ErrorCode = "UNKNOWN_AGENT_TYPE"
	ErrCodeUnsupportedAct  ErrorCode = "UNSUPPORTED_ACTION"
	ErrCodeSpendAuthNeeded ErrorCode = "SPEND_AUTH_REQUIRED"
)

// Auth and ownership errors
const (
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeOperatorMismatch ErrorCode = "OPERATOR_MISMATCH"
	ErrCodeFeatureDisabled  ErrorCode = "FEATURE_DISABLED"
)

// Resource errors
const (
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeHireNotFound  ErrorCode = "HIRE_NOT_FOUND"
	ErrCodeRunNotFound   ErrorCode = "RUN_NOT_FOUND"
)

// State-conflict errors (business rule conflicts)
const (
	ErrCodeAgentUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
	ErrCodeOnchainMismatch   ErrorCode = "ONCHAIN_IDENTITY_MISMATCH"
	ErrCodeIdempotencyReuse  ErrorCode = "IDEMPOTENCY_KEY_REUSED"
	ErrCodeInvalidTransition ErrorCode = "INVALID_STATUS_TRANSITION"
)

// Paywall verification errors (shielded x402)
const (
	ErrCodePaymentRequired        ErrorCode = "PAYMENT_REQUIRED"
	ErrCodeContextMismatch        ErrorCode = "CONTEXT_MISMATCH"
	ErrCodeOnchainContextMismatch ErrorCode = "ONCHAIN_IDENTITY_CONTEXT_MISMATCH"
	ErrCodeExpiredPayment         ErrorCode = "EXPIRED_PAYMENT"
	ErrCodeReplayDetected         ErrorCode = "REPLAY_DETECTED"
	ErrCodeInvalidTongoProof      ErrorCode = "INVALID_TONGO_PROOF"
	ErrCodePolicyDenied           ErrorCode = "POLICY_DENIED"
	ErrCodeSettlementFailed       ErrorCode = "SETTLEMENT_FAILED"
)

// Rate limiting
const (
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// External service errors (facilitator, on-chain RPC)
const (
	ErrCodeRPCFailure ErrorCode = "RPC_FAILURE"
	ErrCodeTimeout    ErrorCode = "TIMEOUT"
)

// Internal/system errors
const (
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// IsRetryable returns whether an error code represents a retryable error.
// Transient upstream failures are retryable; validation, ownership, and
// replay conflicts are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCFailure,
		ErrCodeTimeout,
		ErrCodeRateLimited,
		ErrCodeStorage:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeValidation,
		ErrCodeInvalidPayload,
		ErrCodeMissingProof,
		ErrCodeExtraProof,
		ErrCodeInvalidDigest,
		ErrCodeAgentMismatch,
		ErrCodeUnknownType,
		ErrCodeUnsupportedAct,
		ErrCodeSpendAuthNeeded:
		return 400

	// 401 Unauthorized - missing or invalid API key
	case ErrCodeUnauthorized:
		return 401

	// 402 Payment Required - billable request without a settled payment
	case ErrCodePaymentRequired:
		return 402

	// 403 Forbidden - ownership and feature-flag failures
	case ErrCodeForbidden,
		ErrCodeOperatorMismatch,
		ErrCodeFeatureDisabled:
		return 403

	// 404 Not Found
	case ErrCodeNotFound,
		ErrCodeAgentNotFound,
		ErrCodeHireNotFound,
		ErrCodeRunNotFound:
		return 404

	// 409 Conflict - state conflicts and payment verification failures
	case ErrCodeAgentUnavailable,
		ErrCodeOnchainMismatch,
		ErrCodeIdempotencyReuse,
		ErrCodeInvalidTransition,
		ErrCodeContextMismatch,
		ErrCodeOnchainContextMismatch,
		ErrCodeExpiredPayment,
		ErrCodeReplayDetected,
		ErrCodeInvalidTongoProof,
		ErrCodePolicyDenied,
		ErrCodeSettlementFailed:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - upstream RPC/facilitator failures
	case ErrCodeRPCFailure:
		return 502

	// 504 Gateway Timeout - settlement or RPC deadline elapsed
	case ErrCodeTimeout:
		return 504

	// 500 Internal Server Error
	default:
		return 500
	}
}
