package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/internal/license"
	"meterd/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var captured string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetReqID(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, captured)
		assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagates when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "given-id")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "given-id", captured)
	})
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestGlobalRateLimit(t *testing.T) {
	h := GlobalRateLimit(1, 2)(okHandler())

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

type stubValidator struct {
	err error
	v   *license.Validation
}

func (s stubValidator) Validate(key, fingerprint string) (*license.Validation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.v, nil
}

func validationFor(tier ratelimit.Tier) *license.Validation {
	return &license.Validation{
		License: &license.License{
			Key:       "KEY-1",
			AccountID: "acct-1",
			Tier:      tier,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		Remaining: time.Hour,
	}
}

func gatedRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/earnings/realtime", nil)
	req.Header.Set(HeaderLicenseKey, "KEY-1")
	req.Header.Set(HeaderFingerprint, "fp-1")
	return req
}

func TestLicenseGate(t *testing.T) {
	t.Run("missing headers rejected", func(t *testing.T) {
		h := LicenseGate(stubValidator{v: validationFor(ratelimit.TierFree)}, discardLogger())(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("domain error mapped", func(t *testing.T) {
		h := LicenseGate(stubValidator{err: license.ErrRevoked}, discardLogger())(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, gatedRequest())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "LICENSE_REVOKED")
	})

	t.Run("valid license attaches validation", func(t *testing.T) {
		var seen *license.Validation
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = ValidationFromContext(r.Context())
		})
		h := LicenseGate(stubValidator{v: validationFor(ratelimit.TierFree)}, discardLogger())(inner)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, gatedRequest())
		require.NotNil(t, seen)
		assert.Equal(t, "acct-1", seen.License.AccountID)
	})
}

func TestTierRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Window: time.Minute, FreeQuota: 2, ProfessionalQuota: 10}, discardLogger())
	gate := LicenseGate(stubValidator{v: validationFor(ratelimit.TierFree)}, discardLogger())
	h := gate(TierRateLimit(limiter, discardLogger())(okHandler()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, gatedRequest())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get(HeaderRateLimitReset))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, gatedRequest())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))

	// Quota exhausted: denied, but the headers are still present.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, gatedRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get(HeaderRateLimitReset))
}

func TestTierRateLimitEnterpriseBypass(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Window: time.Minute, FreeQuota: 1, ProfessionalQuota: 1}, discardLogger())
	gate := LicenseGate(stubValidator{v: validationFor(ratelimit.TierEnterprise)}, discardLogger())
	h := gate(TierRateLimit(limiter, discardLogger())(okHandler()))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, gatedRequest())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "-1", rec.Header().Get(HeaderRateLimitRemaining))
	}
}

func TestTierRateLimitWithoutGateFailsClosed(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig(), discardLogger())
	h := TierRateLimit(limiter, discardLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
