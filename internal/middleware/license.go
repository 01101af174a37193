package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	apierrors "meterd/internal/errors"
	"meterd/internal/license"
	"meterd/internal/ratelimit"
)

// Header names for the license gate.
const (
	HeaderLicenseKey  = "X-License-Key"
	HeaderFingerprint = "X-Hardware-Fingerprint"

	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

const validationKey contextKey = "license-validation"

// LicenseValidator validates a presented key against a hardware fingerprint.
type LicenseValidator interface {
	Validate(licenseKey, fingerprint string) (*license.Validation, error)
}

// ValidationFromContext returns the license validation attached by
// LicenseGate, or nil outside the gated chain.
func ValidationFromContext(ctx context.Context) *license.Validation {
	v, _ := ctx.Value(validationKey).(*license.Validation)
	return v
}

// LicenseGate rejects requests without a valid license key and hardware
// fingerprint, and attaches the validation result to the context.
func LicenseGate(validator LicenseValidator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := r.Header.Get(HeaderLicenseKey)
			fingerprint := r.Header.Get(HeaderFingerprint)
			if key == "" || fingerprint == "" {
				logger.WarnContext(ctx, "missing license headers",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				_ = render.Render(w, r, apierrors.New(http.StatusUnauthorized, "LICENSE_REQUIRED",
					"X-License-Key and X-Hardware-Fingerprint headers are required"))
				return
			}

			validation, err := validator.Validate(key, fingerprint)
			if err != nil {
				logger.WarnContext(ctx, "license validation failed",
					"path", r.URL.Path,
					"error", err,
				)
				_ = render.Render(w, r, apierrors.FromDomain(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, validationKey, validation)))
		})
	}
}

// TierRateLimit enforces the per-license fixed-window quota. Runs after
// LicenseGate so the tier is known. The quota headers are set on every
// response, allowed or denied.
func TierRateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			validation := ValidationFromContext(r.Context())
			if validation == nil || validation.License == nil {
				// Gate missing from the chain; fail closed.
				_ = render.Render(w, r, apierrors.New(http.StatusUnauthorized, "LICENSE_REQUIRED",
					"request reached rate limiter without license validation"))
				return
			}

			decision := limiter.Allow(validation.License.Key, validation.License.Tier)
			w.Header().Set(HeaderRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
			w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				_ = render.Render(w, r, apierrors.FromDomain(ratelimit.ErrRateLimitExceeded))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
