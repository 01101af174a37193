package license

import "errors"

// Validation and rotation failures. All are ordinary, caller-recoverable
// outcomes: the caller can renew, rotate, or present the right machine.
var (
	ErrNotFound            = errors.New("license not found")
	ErrExpired             = errors.New("license expired")
	ErrRevoked             = errors.New("license revoked")
	ErrFingerprintMismatch = errors.New("license is bound to a different machine")
	ErrSignatureInvalid    = errors.New("license signature invalid")
	ErrRotationTooSoon     = errors.New("rotation period has not elapsed since last rotation")
	ErrDuplicateKey        = errors.New("license key already issued")
	ErrAccountUnknown      = errors.New("no license issued for account")
)
