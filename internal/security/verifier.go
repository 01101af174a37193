package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"sort"
	"strings"
	"sync"
	"time"
)

// Algorithm identifiers recorded on license records at issuance time.
// Verification always uses the algorithm stored with the record, never a
// process-wide default, so rotating the algorithm does not break licenses
// that were issued under the old one.
const (
	AlgorithmEd25519    = "ed25519"
	AlgorithmHMACSHA256 = "hmac-sha256"
)

// Verifier checks a signature over a message under a public key.
// Implementations must be pure and must return false on malformed input
// rather than panicking.
type Verifier interface {
	Verify(publicKey, message, signature []byte) bool
}

// VerifierRegistry maps algorithm identifiers to verifier implementations.
type VerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewVerifierRegistry creates a registry pre-populated with the supported
// algorithms.
func NewVerifierRegistry() *VerifierRegistry {
	return &VerifierRegistry{
		verifiers: map[string]Verifier{
			AlgorithmEd25519:    Ed25519Verifier{},
			AlgorithmHMACSHA256: HMACSHA256Verifier{},
		},
	}
}

// Register adds or replaces a verifier for an algorithm identifier.
func (r *VerifierRegistry) Register(algorithmID string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[algorithmID] = v
}

// Verify resolves the verifier for algorithmID and checks the signature.
// An unknown algorithm is treated as an invalid signature, not an error.
func (r *VerifierRegistry) Verify(algorithmID string, publicKey, message, signature []byte) bool {
	r.mu.RLock()
	v, ok := r.verifiers[algorithmID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return v.Verify(publicKey, message, signature)
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify returns false for keys or signatures of the wrong length instead of
// letting ed25519.Verify panic.
func (Ed25519Verifier) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// HMACSHA256Verifier verifies HMAC-SHA256 tags. The "public key" is the
// shared secret; used for licenses issued by an authority that shares a
// per-tenant secret rather than an asymmetric key pair.
type HMACSHA256Verifier struct{}

// Verify computes the expected tag and compares in constant time.
func (HMACSHA256Verifier) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) == 0 || len(signature) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, publicKey)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), signature)
}

// LicenseMessage builds the canonical byte string signed by the issuance
// authority: key, fingerprint, sorted entitlements and expiry joined with
// pipes. Both issuer and verifier must produce the identical encoding.
func LicenseMessage(licenseKey, fingerprint string, entitlements []string, expiresAt time.Time) []byte {
	sorted := make([]string, len(entitlements))
	copy(sorted, entitlements)
	sort.Strings(sorted)

	parts := []string{
		licenseKey,
		fingerprint,
		strings.Join(sorted, ","),
		expiresAt.UTC().Format(time.RFC3339),
	}
	return []byte(strings.Join(parts, "|"))
}
