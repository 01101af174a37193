package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/internal/ratelimit"
	"meterd/internal/security"
)

type issuer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &issuer{pub: pub, priv: priv}
}

func (i *issuer) sign(key, fingerprint string, entitlements []string, expiresAt time.Time) []byte {
	return ed25519.Sign(i.priv, security.LicenseMessage(key, fingerprint, entitlements, expiresAt))
}

func (i *issuer) license(key string, expiresAt time.Time) License {
	entitlements := []string{"compute", "withdraw"}
	return License{
		Key:            key,
		AccountID:      "acct-1",
		Fingerprint:    "fp-machine-1",
		Entitlements:   entitlements,
		Tier:           ratelimit.TierProfessional,
		AlgorithmID:    security.AlgorithmEd25519,
		PublicKey:      i.pub,
		Signature:      i.sign(key, "fp-machine-1", entitlements, expiresAt),
		ExpiresAt:      expiresAt,
		RotationPeriod: 24 * time.Hour,
	}
}

func newTestStore(t *testing.T) (*Store, *issuer) {
	t.Helper()
	iss := newIssuer(t)
	store := NewStore(security.NewVerifierRegistry(), nil, 5*time.Minute, nil)
	return store, iss
}

func TestIssueAndValidate(t *testing.T) {
	store, iss := newTestStore(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)

	issued, err := store.Issue(iss.license("KEY-1", expiry))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", issued.AccountID)
	assert.False(t, issued.LastRotatedAt.IsZero())

	v, err := store.Validate("KEY-1", "fp-machine-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"compute", "withdraw"}, v.License.Entitlements)
	assert.True(t, v.License.HasEntitlement("compute"))
	assert.False(t, v.License.HasEntitlement("admin"))
	assert.Greater(t, v.Remaining, 29*24*time.Hour)
}

func TestIssueRejectsBadSignature(t *testing.T) {
	store, iss := newTestStore(t)
	lic := iss.license("KEY-1", time.Now().Add(time.Hour))
	lic.Signature[0] ^= 0xff

	_, err := store.Issue(lic)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = store.Validate("KEY-1", "fp-machine-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueRejectsDuplicateKey(t *testing.T) {
	store, iss := newTestStore(t)
	expiry := time.Now().Add(time.Hour)

	_, err := store.Issue(iss.license("KEY-1", expiry))
	require.NoError(t, err)
	_, err = store.Issue(iss.license("KEY-1", expiry))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestValidateFailures(t *testing.T) {
	store, iss := newTestStore(t)
	expiry := time.Now().Add(time.Hour)
	_, err := store.Issue(iss.license("KEY-1", expiry))
	require.NoError(t, err)

	t.Run("not found", func(t *testing.T) {
		_, err := store.Validate("KEY-MISSING", "fp-machine-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		_, err := store.Validate("KEY-1", "fp-other-machine")
		assert.ErrorIs(t, err, ErrFingerprintMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		store.now = func() time.Time { return expiry.Add(time.Second) }
		defer func() { store.now = time.Now }()
		_, err := store.Validate("KEY-1", "fp-machine-1")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		store.now = func() time.Time { return expiry }
		defer func() { store.now = time.Now }()
		_, err := store.Validate("KEY-1", "fp-machine-1")
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func TestValidateRejectsTamperedRecord(t *testing.T) {
	store, iss := newTestStore(t)
	lic := iss.license("KEY-1", time.Now().Add(time.Hour))
	// Signature from a different expiry: verification must fail.
	lic.Signature = iss.sign("KEY-1", "fp-machine-1", lic.Entitlements, time.Now().Add(2*time.Hour))

	_, err := store.Issue(lic)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestRevoke(t *testing.T) {
	store, iss := newTestStore(t)
	_, err := store.Issue(iss.license("KEY-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// Prime the cache with a successful validation.
	_, err = store.Validate("KEY-1", "fp-machine-1")
	require.NoError(t, err)

	require.NoError(t, store.Revoke("KEY-1", "payment chargeback"))

	// The very next call fails, cached validation notwithstanding.
	_, err = store.Validate("KEY-1", "fp-machine-1")
	assert.ErrorIs(t, err, ErrRevoked)

	// Idempotent: revoking again is a no-op success.
	assert.NoError(t, store.Revoke("KEY-1", "again"))

	// The record survives revocation (audit requirement).
	rec, ok := store.Get("KEY-1")
	require.True(t, ok)
	assert.True(t, rec.Revoked)
	assert.Equal(t, "payment chargeback", rec.RevokeReason)

	assert.ErrorIs(t, store.Revoke("KEY-MISSING", "x"), ErrNotFound)
}

func TestRotate(t *testing.T) {
	store, iss := newTestStore(t)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	issued, err := store.Issue(iss.license("KEY-1", expiry))
	require.NoError(t, err)

	newSig := iss.sign("KEY-2", issued.Fingerprint, issued.Entitlements, expiry)

	t.Run("too soon", func(t *testing.T) {
		_, err := store.Rotate("acct-1", "KEY-2", newSig)
		assert.ErrorIs(t, err, ErrRotationTooSoon)
	})

	// Move past the rotation period.
	store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	defer func() { store.now = time.Now }()

	t.Run("bad signature", func(t *testing.T) {
		_, err := store.Rotate("acct-1", "KEY-2", []byte("garbage"))
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := store.Rotate("acct-ghost", "KEY-2", newSig)
		assert.ErrorIs(t, err, ErrAccountUnknown)
	})

	t.Run("success", func(t *testing.T) {
		rotated, err := store.Rotate("acct-1", "KEY-2", newSig)
		require.NoError(t, err)
		assert.Equal(t, "KEY-2", rotated.Key)
		assert.Equal(t, issued.Entitlements, rotated.Entitlements)
		require.Len(t, rotated.KeyHistory, 1)
		assert.Equal(t, "KEY-1", rotated.KeyHistory[0].Key)

		// Old key stops validating, new key works.
		_, err = store.Validate("KEY-1", "fp-machine-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Validate("KEY-2", "fp-machine-1")
		assert.NoError(t, err)
	})

	t.Run("second rotation too soon again", func(t *testing.T) {
		sig := iss.sign("KEY-3", issued.Fingerprint, issued.Entitlements, expiry)
		_, err := store.Rotate("acct-1", "KEY-3", sig)
		assert.ErrorIs(t, err, ErrRotationTooSoon)
	})
}

func TestRotateRevokedLicense(t *testing.T) {
	store, iss := newTestStore(t)
	expiry := time.Now().Add(time.Hour)
	issued, err := store.Issue(iss.license("KEY-1", expiry))
	require.NoError(t, err)
	require.NoError(t, store.Revoke("KEY-1", "abuse"))

	store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	sig := iss.sign("KEY-2", issued.Fingerprint, issued.Entitlements, expiry)
	_, err = store.Rotate("acct-1", "KEY-2", sig)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestValidationCacheSkipsSignatureCheck(t *testing.T) {
	store, iss := newTestStore(t)
	_, err := store.Issue(iss.license("KEY-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Validate("KEY-1", "fp-machine-1")
		require.NoError(t, err)
	}

	hits, misses, size := store.CacheStats()
	assert.Equal(t, int64(4), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestRestore(t *testing.T) {
	iss := newIssuer(t)
	lic := iss.license("KEY-1", time.Now().Add(time.Hour))
	lic.IssuedAt = time.Now()
	lic.LastRotatedAt = lic.IssuedAt

	restored := NewStore(security.NewVerifierRegistry(), nil, 5*time.Minute, nil)
	restored.Restore([]License{lic})

	v, err := restored.Validate("KEY-1", "fp-machine-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", v.License.AccountID)
}
