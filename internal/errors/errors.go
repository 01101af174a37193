// Package errors defines the structured API error responses and the mapping
// from domain sentinel errors to HTTP status codes.
package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/go-chi/render"

	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/ratelimit"
	"meterd/internal/withdrawal"
)

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError carries per-field validation failures.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details any) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined error types for common scenarios.
var (
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrNotFound         = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrInternalServer   = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
)

// InvalidRequestWithError creates an invalid request error with details.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// RateLimitExceeded creates the 429 response for a denied quota check.
func RateLimitExceeded() *APIError {
	return New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded for license tier")
}

// FromDomain maps a domain sentinel error to its API representation. Unknown
// errors map to a generic 500 without leaking internals.
func FromDomain(err error) *APIError {
	switch {
	case err == nil:
		return nil

	// License failures.
	case stderrors.Is(err, license.ErrNotFound):
		return New(http.StatusUnauthorized, "LICENSE_NOT_FOUND", "License key is not recognized")
	case stderrors.Is(err, license.ErrExpired):
		return New(http.StatusUnauthorized, "LICENSE_EXPIRED", "License has expired")
	case stderrors.Is(err, license.ErrRevoked):
		return New(http.StatusUnauthorized, "LICENSE_REVOKED", "License has been revoked")
	case stderrors.Is(err, license.ErrFingerprintMismatch):
		return New(http.StatusUnauthorized, "FINGERPRINT_MISMATCH", "License is bound to different hardware")
	case stderrors.Is(err, license.ErrSignatureInvalid):
		return New(http.StatusUnauthorized, "SIGNATURE_INVALID", "License signature verification failed")
	case stderrors.Is(err, license.ErrRotationTooSoon):
		return NewWithDetails(http.StatusConflict, "ROTATION_TOO_SOON", "Rotation period has not elapsed", err.Error())
	case stderrors.Is(err, license.ErrDuplicateKey):
		return New(http.StatusConflict, "DUPLICATE_KEY", "License key already exists")
	case stderrors.Is(err, license.ErrAccountUnknown):
		return New(http.StatusNotFound, "ACCOUNT_UNKNOWN", "No license for this account")

	// Ledger failures.
	case stderrors.Is(err, ledger.ErrLedgerCorrupted):
		return New(http.StatusConflict, "LEDGER_CORRUPTED", "Ledger chain verification failed; account is locked")
	case stderrors.Is(err, ledger.ErrUnknownAccount):
		return New(http.StatusNotFound, "ACCOUNT_UNKNOWN", "Account has no ledger entries")
	case stderrors.Is(err, ledger.ErrSeqOutOfRange):
		return NewWithDetails(http.StatusBadRequest, "SEQ_OUT_OF_RANGE", "Sequence range exceeds the account's entries", err.Error())
	case stderrors.Is(err, ledger.ErrInvalidCategory):
		return New(http.StatusBadRequest, "INVALID_CATEGORY", "Unknown ledger category")

	// Withdrawal failures.
	case stderrors.Is(err, withdrawal.ErrNotFound):
		return New(http.StatusNotFound, "WITHDRAWAL_NOT_FOUND", "Withdrawal not found")
	case stderrors.Is(err, withdrawal.ErrInvalidAmount):
		return New(http.StatusBadRequest, "INVALID_AMOUNT", "Withdrawal amount must be positive")
	case stderrors.Is(err, withdrawal.ErrInsufficientBalance):
		return New(http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "Ledger balance does not cover the withdrawal")
	case stderrors.Is(err, withdrawal.ErrNotCancelable):
		return New(http.StatusConflict, "NOT_CANCELABLE", "Withdrawal is no longer in the requested state")
	case stderrors.Is(err, withdrawal.ErrAlreadyProcessed):
		return New(http.StatusConflict, "ALREADY_PROCESSED", "Withdrawal was already decided")

	// Rate limiting.
	case stderrors.Is(err, ratelimit.ErrRateLimitExceeded):
		return RateLimitExceeded()

	default:
		return ErrInternalServer
	}
}
