// Package license holds license records and validates presented keys
// against stored entitlements, hardware binding and expiry.
package license

import (
	"time"

	"meterd/internal/ratelimit"
)

// License is a signed, hardware-bound credential granting a set of
// entitlements for a bounded validity window. Records are never physically
// deleted; revocation marks them and rotation preserves key history.
type License struct {
	Key            string          `json:"key"`
	AccountID      string          `json:"account_id"`
	Fingerprint    string          `json:"fingerprint"`
	Entitlements   []string        `json:"entitlements"`
	Tier           ratelimit.Tier  `json:"tier"`
	AlgorithmID    string          `json:"algorithm_id"`
	PublicKey      []byte          `json:"public_key"`
	Signature      []byte          `json:"signature"`
	IssuedAt       time.Time       `json:"issued_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	RotationPeriod time.Duration   `json:"rotation_period"`
	LastRotatedAt  time.Time       `json:"last_rotated_at"`
	Revoked        bool            `json:"revoked"`
	RevokedAt      time.Time       `json:"revoked_at,omitempty"`
	RevokeReason   string          `json:"revoke_reason,omitempty"`
	KeyHistory     []RotatedKey    `json:"key_history,omitempty"`
}

// RotatedKey is one retired key kept for the audit trail.
type RotatedKey struct {
	Key       string    `json:"key"`
	RotatedAt time.Time `json:"rotated_at"`
}

// HasEntitlement reports whether the license grants a named feature.
func (l *License) HasEntitlement(name string) bool {
	for _, e := range l.Entitlements {
		if e == name {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers can never mutate stored state.
func (l *License) clone() *License {
	c := *l
	c.Entitlements = append([]string(nil), l.Entitlements...)
	c.PublicKey = append([]byte(nil), l.PublicKey...)
	c.Signature = append([]byte(nil), l.Signature...)
	c.KeyHistory = append([]RotatedKey(nil), l.KeyHistory...)
	return &c
}

// Validation is the successful outcome of Validate: the entitlement set and
// the remaining validity window.
type Validation struct {
	License   *License      `json:"license"`
	Remaining time.Duration `json:"remaining"`
}
