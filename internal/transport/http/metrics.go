package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	UsageEvents        *prometheus.CounterVec
	WithdrawalsDecided *prometheus.CounterVec
	LicenseFailures    *prometheus.CounterVec
	ClaimVerifications *prometheus.CounterVec
	LedgerBalance      *prometheus.GaugeVec
}

// NewMetrics registers the collectors on the given registry. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UsageEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "usage_events_total",
			Help:      "Usage events recorded, by category.",
		}, []string{"category"}),
		WithdrawalsDecided: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "withdrawals_decided_total",
			Help:      "Withdrawal decisions, by terminal status.",
		}, []string{"status"}),
		LicenseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "license_failures_total",
			Help:      "License validation failures, by error code.",
		}, []string{"code"}),
		ClaimVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "claim_verifications_total",
			Help:      "Audit claim verifications, by outcome.",
		}, []string{"outcome"}),
		LedgerBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meterd",
			Name:      "ledger_balance",
			Help:      "Current ledger balance per account.",
		}, []string{"account_id"}),
	}
}
