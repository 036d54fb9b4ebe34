package x402

import (
	"fmt"

	"github.com/CloakMarket/server/internal/errors"
)

// VerificationError classifies failures encountered during payment verification.
type VerificationError struct {
	Code    errors.ErrorCode // Machine-readable error code
	Message string           // User-friendly message
	Err     error            // Technical error for logging
}

func (e VerificationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a new verification error with a user-friendly message.
func NewVerificationError(code errors.ErrorCode, err error) VerificationError {
	return VerificationError{
		Code:    code,
		Message: GetUserFriendlyMessage(code),
		Err:     err,
	}
}

// GetUserFriendlyMessage converts error codes to user-friendly messages.
func GetUserFriendlyMessage(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeInvalidPayload:
		return "Payment payload is missing required fields or malformed. Request a new challenge and retry."
	case errors.ErrCodeContextMismatch:
		return "Payment context does not match the issued challenge. Request a new challenge for this exact request."
	case errors.ErrCodeOnchainContextMismatch:
		return "The agent's on-chain identity changed after the challenge was issued. Request a new challenge."
	case errors.ErrCodeExpiredPayment:
		return "Payment challenge has expired. Request a new challenge and retry."
	case errors.ErrCodeReplayDetected:
		return "This payment has already been processed. Each replay key can only be used once."
	case errors.ErrCodeInvalidTongoProof:
		return "Payment proof attestation does not match the payment intent. Rebuild the proof against the issued challenge."
	case errors.ErrCodePolicyDenied:
		return "Payment does not satisfy the challenge policy. Check the amount and token and try again."
	case errors.ErrCodeSettlementFailed:
		return "Payment settlement failed. Request a new challenge and try again."
	case errors.ErrCodeTimeout:
		return "Settlement timed out waiting for confirmation. Check the payment status and try again."
	case errors.ErrCodeRPCFailure:
		return "Payment facilitator is temporarily unavailable. Please try again later."
	case errors.ErrCodePaymentRequired:
		return "Payment required. Use the challenge in this response to construct a payment."
	default:
		return fmt.Sprintf("Payment verification failed: %s", code)
	}
}
