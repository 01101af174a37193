package license

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meterd/internal/security"
)

// Persister receives every created or mutated license record. A persist
// failure aborts the mutation.
type Persister interface {
	SaveLicense(l License) error
}

// Store is the exclusive owner of license records. It validates presented
// keys against stored entitlements and expiry, and enforces the rotation
// policy.
type Store struct {
	mu        sync.RWMutex
	byKey     map[string]*License
	byAccount map[string]*License
	verifiers *security.VerifierRegistry
	cache     *validationCache
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a license store. cacheTTL bounds how long a successful
// signature verification may be reused; it must stay at or below the
// rotation granularity. persister may be nil.
func NewStore(verifiers *security.VerifierRegistry, persister Persister, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byKey:     make(map[string]*License),
		byAccount: make(map[string]*License),
		verifiers: verifiers,
		cache:     newValidationCache(cacheTTL, 10000),
		persister: persister,
		logger:    logger.With(slog.String("component", "license")),
		now:       time.Now,
	}
}

// Issue ingests a signed license payload from the issuance authority. The
// signature is verified at ingest so a bad payload never becomes a stored
// record.
func (s *Store) Issue(l License) (*License, error) {
	message := security.LicenseMessage(l.Key, l.Fingerprint, l.Entitlements, l.ExpiresAt)
	if !s.verifiers.Verify(l.AlgorithmID, l.PublicKey, message, l.Signature) {
		return nil, fmt.Errorf("issue license for account %s: %w", l.AccountID, ErrSignatureInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[l.Key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, l.Key)
	}
	if l.IssuedAt.IsZero() {
		l.IssuedAt = s.now()
	}
	if l.LastRotatedAt.IsZero() {
		l.LastRotatedAt = l.IssuedAt
	}

	if err := s.persist(l); err != nil {
		return nil, err
	}

	rec := l.clone()
	s.byKey[rec.Key] = rec
	s.byAccount[rec.AccountID] = rec

	s.logger.Info("license issued",
		slog.String("account_id", rec.AccountID),
		slog.String("algorithm", rec.AlgorithmID),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return rec.clone(), nil
}

// Validate checks a presented key and hardware fingerprint. Revocation and
// expiry are always checked against the authoritative record; only the
// signature verification may be served from the advisory cache.
func (s *Store) Validate(licenseKey, fingerprint string) (*Validation, error) {
	now := s.now()

	s.mu.RLock()
	rec, ok := s.byKey[licenseKey]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	rec = rec.clone()
	s.mu.RUnlock()

	if rec.Revoked {
		return nil, fmt.Errorf("%w (reason: %s)", ErrRevoked, rec.RevokeReason)
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w at %s", ErrExpired, rec.ExpiresAt.Format(time.RFC3339))
	}
	if fingerprint != rec.Fingerprint {
		return nil, ErrFingerprintMismatch
	}

	if _, hit := s.cache.get(licenseKey, now); !hit {
		message := security.LicenseMessage(rec.Key, rec.Fingerprint, rec.Entitlements, rec.ExpiresAt)
		if !s.verifiers.Verify(rec.AlgorithmID, rec.PublicKey, message, rec.Signature) {
			return nil, ErrSignatureInvalid
		}
		s.cache.set(licenseKey, Validation{License: rec}, now)
	}

	return &Validation{License: rec, Remaining: rec.ExpiresAt.Sub(now)}, nil
}

// Rotate replaces the account's key material and signature. The previous
// key is retired into the history, entitlements and expiry are preserved.
// Fails with ErrRotationTooSoon before the configured period has elapsed,
// so rotation cannot be abused to dodge a pending revocation window.
func (s *Store) Rotate(accountID, newKey string, newSignature []byte) (*License, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byAccount[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountUnknown, accountID)
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	if elapsed := now.Sub(rec.LastRotatedAt); elapsed < rec.RotationPeriod {
		return nil, fmt.Errorf("%w: %s of %s elapsed", ErrRotationTooSoon, elapsed.Round(time.Second), rec.RotationPeriod)
	}
	if _, exists := s.byKey[newKey]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, newKey)
	}

	// Verify under the issuer key recorded at issuance time.
	message := security.LicenseMessage(newKey, rec.Fingerprint, rec.Entitlements, rec.ExpiresAt)
	if !s.verifiers.Verify(rec.AlgorithmID, rec.PublicKey, message, newSignature) {
		return nil, ErrSignatureInvalid
	}

	updated := rec.clone()
	updated.KeyHistory = append(updated.KeyHistory, RotatedKey{Key: rec.Key, RotatedAt: now})
	oldKey := updated.Key
	updated.Key = newKey
	updated.Signature = append([]byte(nil), newSignature...)
	updated.LastRotatedAt = now

	if err := s.persist(*updated); err != nil {
		return nil, err
	}

	delete(s.byKey, oldKey)
	s.byKey[newKey] = updated
	s.byAccount[accountID] = updated
	s.cache.invalidate(oldKey)

	s.logger.Info("license rotated",
		slog.String("account_id", accountID),
		slog.Int("history_len", len(updated.KeyHistory)),
	)
	return updated.clone(), nil
}

// Revoke marks the license revoked. Idempotent: revoking an already-revoked
// license is a no-op success. The cache entry is busted before Revoke
// returns, so no stale-valid window survives a revoke.
func (s *Store) Revoke(licenseKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byKey[licenseKey]
	if !ok {
		return ErrNotFound
	}
	if rec.Revoked {
		return nil
	}

	updated := rec.clone()
	updated.Revoked = true
	updated.RevokedAt = s.now()
	updated.RevokeReason = reason

	if err := s.persist(*updated); err != nil {
		return err
	}

	s.byKey[licenseKey] = updated
	s.byAccount[updated.AccountID] = updated
	s.cache.invalidate(licenseKey)

	s.logger.Warn("license revoked",
		slog.String("account_id", updated.AccountID),
		slog.String("reason", reason),
	)
	return nil
}

// Get returns the record for a key, if any.
func (s *Store) Get(licenseKey string) (*License, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[licenseKey]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// ByAccount returns the current record for an account, if any.
func (s *Store) ByAccount(accountID string) (*License, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byAccount[accountID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Restore loads previously persisted records at startup, bypassing
// signature verification (they were verified at issue time).
func (s *Store) Restore(records []License) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		rec := records[i].clone()
		s.byKey[rec.Key] = rec
		s.byAccount[rec.AccountID] = rec
	}
	s.logger.Info("license records restored", slog.Int("count", len(records)))
}

// CacheStats exposes cache hit/miss counters for diagnostics.
func (s *Store) CacheStats() (hits, misses int64, size int) {
	return s.cache.stats()
}

func (s *Store) persist(l License) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveLicense(l); err != nil {
		return fmt.Errorf("persist license %s: %w", l.AccountID, err)
	}
	return nil
}
