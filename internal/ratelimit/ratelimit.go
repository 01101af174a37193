// Package ratelimit enforces tier-scoped request quotas with fixed windows,
// counted per license key.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tier is a named rate-limit class. The enumeration is closed.
type Tier string

const (
	TierFree         Tier = "free"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ErrRateLimitExceeded is returned when a request would exceed the tier
// quota for the current window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierProfessional, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Decision is the outcome of a quota check, with the metadata exposed as
// response headers regardless of outcome.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Config holds per-tier quotas and the window length.
type Config struct {
	Window            time.Duration
	FreeQuota         int64
	ProfessionalQuota int64
}

// DefaultConfig returns production quota defaults.
func DefaultConfig() Config {
	return Config{
		Window:            time.Minute,
		FreeQuota:         10,
		ProfessionalQuota: 600,
	}
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

// Limiter counts requests per license key in fixed windows. Enterprise
// bypasses counting entirely rather than tracking an unbounded counter.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter with the given quotas.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ratelimit")),
		now:     time.Now,
	}
}

func (l *Limiter) quota(tier Tier) int64 {
	switch tier {
	case TierProfessional:
		return l.cfg.ProfessionalQuota
	default:
		return l.cfg.FreeQuota
	}
}

func (l *Limiter) getWindow(licenseKey string) *window {
	l.mu.RLock()
	w, ok := l.windows[licenseKey]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[licenseKey]; ok {
		return w
	}
	w = &window{}
	l.windows[licenseKey] = w
	return w
}

// Allow performs an atomic increment-and-check for the license key. Two
// concurrent requests can never both observe the last quota slot. On window
// rollover the counter resets together with the new window start.
func (l *Limiter) Allow(licenseKey string, tier Tier) Decision {
	now := l.now()

	if tier == TierEnterprise {
		return Decision{Allowed: true, Remaining: -1, ResetAt: now.Add(l.cfg.Window)}
	}

	quota := l.quota(tier)
	w := l.getWindow(licenseKey)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= l.cfg.Window {
		w.start = now
		w.count = 0
	}
	resetAt := w.start.Add(l.cfg.Window)

	if w.count >= quota {
		l.logger.Warn("rate limit exceeded",
			slog.String("license_key", licenseKey),
			slog.String("tier", string(tier)),
			slog.Int64("quota", quota),
		)
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	w.count++
	return Decision{Allowed: true, Remaining: quota - w.count, ResetAt: resetAt}
}

// Reset drops all window state. Used by tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}
