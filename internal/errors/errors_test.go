package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/ratelimit"
	"meterd/internal/withdrawal"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"nil", nil, 0, ""},
		{"license not found", license.ErrNotFound, http.StatusUnauthorized, "LICENSE_NOT_FOUND"},
		{"license expired", license.ErrExpired, http.StatusUnauthorized, "LICENSE_EXPIRED"},
		{"license revoked", license.ErrRevoked, http.StatusUnauthorized, "LICENSE_REVOKED"},
		{"fingerprint mismatch", license.ErrFingerprintMismatch, http.StatusUnauthorized, "FINGERPRINT_MISMATCH"},
		{"signature invalid", license.ErrSignatureInvalid, http.StatusUnauthorized, "SIGNATURE_INVALID"},
		{"rotation too soon", license.ErrRotationTooSoon, http.StatusConflict, "ROTATION_TOO_SOON"},
		{"ledger corrupted", ledger.ErrLedgerCorrupted, http.StatusConflict, "LEDGER_CORRUPTED"},
		{"unknown account", ledger.ErrUnknownAccount, http.StatusNotFound, "ACCOUNT_UNKNOWN"},
		{"seq out of range", ledger.ErrSeqOutOfRange, http.StatusBadRequest, "SEQ_OUT_OF_RANGE"},
		{"insufficient balance", withdrawal.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{"not cancelable", withdrawal.ErrNotCancelable, http.StatusConflict, "NOT_CANCELABLE"},
		{"rate limited", ratelimit.ErrRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromDomain(tt.err)
			if tt.err == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.wantStatus, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
		})
	}
}

func TestFromDomainUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("validate key: %w", license.ErrExpired)
	got := FromDomain(wrapped)
	assert.Equal(t, "LICENSE_EXPIRED", got.ErrorCode)
}

func TestErrValidationCarriesField(t *testing.T) {
	e := ErrValidation("amount", "must be positive")
	assert.Equal(t, http.StatusBadRequest, e.StatusCode)
	details, ok := e.Details.(ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "amount", details.Field)
}
