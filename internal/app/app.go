// Package app wires configuration, storage, domain services and the HTTP
// server into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"meterd/internal/audit"
	"meterd/internal/config"
	"meterd/internal/infrastructure"
	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/ratelimit"
	"meterd/internal/security"
	"meterd/internal/store"
	transporthttp "meterd/internal/transport/http"
	"meterd/internal/withdrawal"
)

// App holds the wired components for a single process lifetime.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	ledger      *ledger.Ledger
	licenses    *license.Store
	audit       *audit.Engine
	withdrawals *withdrawal.Coordinator
	limiter     *ratelimit.Limiter

	httpServer  *http.Server
	logCloser   func() error
	traceCloser func(context.Context) error
}

// loggingRail is the default payout collaborator: it acknowledges payout
// initiation and leaves settlement to the external processor's webhooks.
type loggingRail struct {
	logger *slog.Logger
}

func (r loggingRail) InitiatePayout(ctx context.Context, withdrawalID, method string, netAmount decimal.Decimal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.logger.InfoContext(ctx, "payout initiated",
		slog.String("withdrawal_id", withdrawalID),
		slog.String("method", method),
		slog.String("net_amount", netAmount.String()),
	)
	return nil
}

// New builds the application from configuration, restoring persisted state.
func New(cfg *config.Config) (*App, error) {
	logger, logCloser, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, logCloser: logCloser}

	if cfg.Tracing.Enabled {
		shutdown, err := infrastructure.InitTracing(context.Background(), "meterd")
		if err != nil {
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
		a.traceCloser = shutdown
	}

	a.store, err = store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.ledger = ledger.New(a.store, logger)
	a.licenses = license.NewStore(security.NewVerifierRegistry(), a.store, cfg.License.CacheTTL, logger)
	a.audit = audit.NewEngine(a.ledger, logger)
	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Window:            cfg.RateLimit.Window,
		FreeQuota:         cfg.RateLimit.FreeQuota,
		ProfessionalQuota: cfg.RateLimit.ProfessionalQuota,
	}, logger)

	feePercent, err := decimal.NewFromString(cfg.Fees.Percent)
	if err != nil {
		return nil, fmt.Errorf("parse fee percent: %w", err)
	}
	feeFixed, err := decimal.NewFromString(cfg.Fees.Fixed)
	if err != nil {
		return nil, fmt.Errorf("parse fixed fee: %w", err)
	}
	a.withdrawals = withdrawal.NewCoordinator(
		a.ledger,
		loggingRail{logger: logger},
		a.licenses,
		withdrawal.FeePolicy{Percent: feePercent, Fixed: feeFixed},
		cfg.Payout.Timeout,
		a.store,
		logger,
	)

	if err := a.restore(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server := transporthttp.NewServer(a.ledger, a.licenses, a.audit, a.withdrawals, a.limiter, registry, logger)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(cfg.Server.GlobalRPS, cfg.Server.GlobalBurst),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

// restore replays persisted records into the in-memory services. The ledger
// chains are verified entry by entry; a corrupted account comes back locked,
// not silently writable.
func (a *App) restore() error {
	licenses, err := a.store.LoadLicenses()
	if err != nil {
		return fmt.Errorf("load licenses: %w", err)
	}
	a.licenses.Restore(licenses)

	entries, err := a.store.LoadEntries()
	if err != nil {
		return fmt.Errorf("load ledger entries: %w", err)
	}
	if err := a.ledger.Restore(entries); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	withdrawals, err := a.store.LoadWithdrawals()
	if err != nil {
		return fmt.Errorf("load withdrawals: %w", err)
	}
	a.withdrawals.Restore(withdrawals)

	a.logger.Info("state restored",
		slog.Int("licenses", len(licenses)),
		slog.Int("ledger_entries", len(entries)),
		slog.Int("withdrawals", len(withdrawals)),
	)
	return nil
}

// Run starts the HTTP server and the ledger integrity sweep, and blocks
// until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.integritySweep(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

// integritySweep re-verifies every account's hash chain periodically. A
// failed verification locks the account inside the ledger; the sweep's job
// is to surface it before the next write does.
func (a *App) integritySweep(ctx context.Context) error {
	interval := a.cfg.Ledger.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, accountID := range a.ledger.AccountIDs() {
				if !a.ledger.VerifyChain(accountID) {
					a.logger.Error("ledger chain verification failed",
						slog.String("account_id", accountID),
					)
				}
			}
		}
	}
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", slog.String("error", err.Error()))
		}
	}
	if a.traceCloser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.traceCloser(ctx); err != nil {
			a.logger.Error("shutdown tracing", slog.String("error", err.Error()))
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser()
	}
}
