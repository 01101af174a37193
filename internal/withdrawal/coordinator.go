// Package withdrawal drives withdrawals through their lifecycle: balance
// check, fee computation, payout, and the compensating ledger entries.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meterd/internal/ledger"
	"meterd/internal/license"
)

// Status is the lifecycle state of a withdrawal.
type Status string

// Lifecycle states. processed, failed and rejected are terminal; a failed
// withdrawal is retried by issuing a new request, never in place.
const (
	StatusRequested  Status = "requested"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

var (
	// ErrNotFound means no withdrawal exists with the given id.
	ErrNotFound = errors.New("withdrawal not found")

	// ErrInsufficientBalance means the available balance does not cover
	// the requested amount plus fee.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotCancelable means the withdrawal already left the requested
	// state. Processing is never cancelled mid-flight.
	ErrNotCancelable = errors.New("withdrawal can only be cancelled while requested")

	// ErrInvalidAmount means the requested amount is zero or negative.
	ErrInvalidAmount = errors.New("withdrawal amount must be positive")

	// ErrAlreadyProcessed means Process was called on a withdrawal that
	// already left the requested state.
	ErrAlreadyProcessed = errors.New("withdrawal already left the requested state")
)

// Withdrawal is one request to convert ledger balance into an external
// payout. Records are retained forever for audit.
type Withdrawal struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Method          string          `json:"method"`
	Fee             decimal.Decimal `json:"fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
}

// FeePolicy computes the platform fee: a percentage of the requested amount
// plus a fixed component. Percent is a fraction, e.g. 0.10 for 10%.
type FeePolicy struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// Fee returns the fee for a requested amount, rounded to 2 decimal places.
func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.Percent).Add(p.Fixed).Round(2)
}

// PayoutRail is the external payment collaborator. It owns its retries; the
// coordinator only reacts to the terminal signal. Implementations must
// honor context cancellation.
type PayoutRail interface {
	InitiatePayout(ctx context.Context, withdrawalID, method string, netAmount decimal.Decimal) error
}

// LicenseValidator is the slice of the license store the coordinator needs.
type LicenseValidator interface {
	Validate(licenseKey, fingerprint string) (*license.Validation, error)
}

// Persister receives every withdrawal state change.
type Persister interface {
	SaveWithdrawal(w Withdrawal) error
}

// Request carries everything needed to open a withdrawal.
type Request struct {
	AccountID   string
	Amount      decimal.Decimal
	Method      string
	LicenseKey  string
	Fingerprint string
}

// Coordinator owns withdrawal records. It reads ledger balances but never
// mutates ledger state directly outside the ledger's own single-writer
// section.
type Coordinator struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
	pending     map[string]decimal.Decimal // accountID -> reserved amount incl. fees

	ledger        *ledger.Ledger
	rail          PayoutRail
	licenses      LicenseValidator
	policy        FeePolicy
	payoutTimeout time.Duration
	persister     Persister
	logger        *slog.Logger
	now           func() time.Time
}

// NewCoordinator wires the coordinator. persister may be nil.
func NewCoordinator(l *ledger.Ledger, rail PayoutRail, licenses LicenseValidator, policy FeePolicy, payoutTimeout time.Duration, persister Persister, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if payoutTimeout <= 0 {
		payoutTimeout = 30 * time.Second
	}
	return &Coordinator{
		withdrawals:   make(map[string]*Withdrawal),
		pending:       make(map[string]decimal.Decimal),
		ledger:        l,
		rail:          rail,
		licenses:      licenses,
		policy:        policy,
		payoutTimeout: payoutTimeout,
		persister:     persister,
		logger:        logger.With(slog.String("component", "withdrawal")),
		now:           time.Now,
	}
}

// Open creates a withdrawal in the requested state. Guards run in Process;
// a requested withdrawal may still be cancelled.
func (c *Coordinator) Open(req Request) (Withdrawal, error) {
	if !req.Amount.IsPositive() {
		return Withdrawal{}, ErrInvalidAmount
	}

	w := &Withdrawal{
		ID:              uuid.New().String(),
		AccountID:       req.AccountID,
		RequestedAmount: req.Amount,
		Method:          req.Method,
		Fee:             decimal.Zero,
		NetAmount:       decimal.Zero,
		Status:          StatusRequested,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.persist(*w); err != nil {
		return Withdrawal{}, err
	}

	c.mu.Lock()
	c.withdrawals[w.ID] = w
	c.mu.Unlock()

	c.logger.Info("withdrawal requested",
		slog.String("withdrawal_id", w.ID),
		slog.String("account_id", w.AccountID),
		slog.String("amount", w.RequestedAmount.String()),
	)
	return *w, nil
}

// Process drives a requested withdrawal to a terminal state (or to
// processing and then terminal). It validates the license, checks the
// available balance under the same account lock the ledger append uses,
// initiates the payout with a bounded timeout, and settles.
func (c *Coordinator) Process(ctx context.Context, withdrawalID string, licenseKey, fingerprint string) (Withdrawal, error) {
	c.mu.Lock()
	w, ok := c.withdrawals[withdrawalID]
	if !ok {
		c.mu.Unlock()
		return Withdrawal{}, ErrNotFound
	}
	if w.Status != StatusRequested {
		snapshot := *w
		c.mu.Unlock()
		return snapshot, ErrAlreadyProcessed
	}
	c.mu.Unlock()

	// requested -> rejected: license invalid.
	if _, err := c.licenses.Validate(licenseKey, fingerprint); err != nil {
		return c.transition(w.ID, StatusRejected, fmt.Sprintf("license invalid: %v", err))
	}

	fee := c.policy.Fee(w.RequestedAmount)
	reserve := w.RequestedAmount.Add(fee)

	// requested -> rejected | processing, decided against the live balance
	// inside the ledger's per-account section. Concurrent withdrawals for
	// the same account serialize here, so two requests can never both pass
	// the balance check against a stale balance. The status re-check, the
	// reservation and the flip to processing share one c.mu section: a
	// cancel that won in the meantime stays won, rejected is terminal.
	rejected := false
	cancelled := false
	var snapshot Withdrawal
	err := c.ledger.Update(w.AccountID, func(tx *ledger.AccountTx) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if w.Status != StatusRequested {
			cancelled = true
			return nil
		}

		available := tx.Balance().Sub(c.pending[w.AccountID])
		if available.LessThan(reserve) {
			rejected = true
			return nil
		}

		c.pending[w.AccountID] = c.pending[w.AccountID].Add(reserve)
		w.Status = StatusProcessing
		w.Fee = fee
		w.NetAmount = w.RequestedAmount.Sub(fee)
		snapshot = *w
		return nil
	})
	if cancelled {
		return c.Get(w.ID)
	}
	if err != nil {
		return c.transition(w.ID, StatusRejected, fmt.Sprintf("ledger unavailable: %v", err))
	}
	if rejected {
		return c.transition(w.ID, StatusRejected, ErrInsufficientBalance.Error())
	}

	if err := c.persist(snapshot); err != nil {
		c.logger.Error("persist withdrawal failed", slog.String("withdrawal_id", w.ID), slog.String("error", err.Error()))
	}

	c.logger.Info("withdrawal processing",
		slog.String("withdrawal_id", w.ID),
		slog.String("fee", fee.String()),
		slog.String("net_amount", snapshot.NetAmount.String()),
	)

	payoutCtx, cancel := context.WithTimeout(ctx, c.payoutTimeout)
	defer cancel()

	if err := c.rail.InitiatePayout(payoutCtx, w.ID, w.Method, snapshot.NetAmount); err != nil {
		// processing -> failed: no ledger mutation, balance unaffected.
		c.releasePending(w.AccountID, reserve)
		return c.transition(w.ID, StatusFailed, fmt.Sprintf("payout failed: %v", err))
	}

	return c.settle(w, reserve)
}

// settle performs processing -> processed: the debit and fee entries and
// the status flip happen inside the account lock, so no reader can observe
// a processed withdrawal without the ledger reflecting the debit.
func (c *Coordinator) settle(w *Withdrawal, reserve decimal.Decimal) (Withdrawal, error) {
	var snapshot Withdrawal
	err := c.ledger.Update(w.AccountID, func(tx *ledger.AccountTx) error {
		meta := map[string]string{"withdrawal_id": w.ID}
		if _, err := tx.Append(w.RequestedAmount.Neg(), ledger.CategoryWithdrawalDebit, meta); err != nil {
			return err
		}
		if w.Fee.IsPositive() {
			if _, err := tx.Append(w.Fee.Neg(), ledger.CategoryFee, meta); err != nil {
				return err
			}
		}

		c.mu.Lock()
		w.Status = StatusProcessed
		w.CompletedAt = c.now().UTC()
		snapshot = *w
		c.mu.Unlock()
		return nil
	})
	c.releasePending(w.AccountID, reserve)
	if err != nil {
		// Debit could not be recorded; the payout already went out. This
		// needs manual reconciliation, surface it loudly.
		c.logger.Error("withdrawal settlement failed after payout",
			slog.String("withdrawal_id", w.ID),
			slog.String("error", err.Error()),
		)
		return c.transition(w.ID, StatusFailed, fmt.Sprintf("settlement failed: %v", err))
	}

	if err := c.persist(snapshot); err != nil {
		c.logger.Error("persist withdrawal failed", slog.String("withdrawal_id", w.ID), slog.String("error", err.Error()))
	}
	c.logger.Info("withdrawal processed",
		slog.String("withdrawal_id", w.ID),
		slog.String("account_id", w.AccountID),
	)
	return snapshot, nil
}

// Cancel aborts a withdrawal that has not started processing.
func (c *Coordinator) Cancel(withdrawalID string) (Withdrawal, error) {
	c.mu.Lock()
	w, ok := c.withdrawals[withdrawalID]
	if !ok {
		c.mu.Unlock()
		return Withdrawal{}, ErrNotFound
	}
	if w.Status != StatusRequested {
		snapshot := *w
		c.mu.Unlock()
		return snapshot, ErrNotCancelable
	}
	w.Status = StatusRejected
	w.Reason = "cancelled by caller"
	snapshot := *w
	c.mu.Unlock()

	if err := c.persist(snapshot); err != nil {
		c.logger.Error("persist withdrawal failed", slog.String("withdrawal_id", w.ID), slog.String("error", err.Error()))
	}
	return snapshot, nil
}

// Get returns a point-in-time snapshot of a withdrawal.
func (c *Coordinator) Get(withdrawalID string) (Withdrawal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.withdrawals[withdrawalID]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return *w, nil
}

// ListByAccount returns all withdrawals for an account, newest first.
func (c *Coordinator) ListByAccount(accountID string) []Withdrawal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Withdrawal
	for _, w := range c.withdrawals {
		if w.AccountID == accountID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Restore loads persisted withdrawals at startup. In-flight processing
// states are demoted to failed: the payout outcome is unknown after a
// restart and each attempt is a new identity anyway.
func (c *Coordinator) Restore(records []Withdrawal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range records {
		w := records[i]
		if w.Status == StatusProcessing || w.Status == StatusRequested {
			w.Status = StatusFailed
			w.Reason = "interrupted by restart"
		}
		c.withdrawals[w.ID] = &w
	}
	c.logger.Info("withdrawal records restored", slog.Int("count", len(records)))
}

func (c *Coordinator) transition(withdrawalID string, status Status, reason string) (Withdrawal, error) {
	c.mu.Lock()
	w := c.withdrawals[withdrawalID]
	w.Status = status
	w.Reason = reason
	if status == StatusProcessed || status == StatusFailed {
		w.CompletedAt = c.now().UTC()
	}
	snapshot := *w
	c.mu.Unlock()

	if err := c.persist(snapshot); err != nil {
		c.logger.Error("persist withdrawal failed", slog.String("withdrawal_id", withdrawalID), slog.String("error", err.Error()))
	}
	c.logger.Info("withdrawal transition",
		slog.String("withdrawal_id", withdrawalID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	return snapshot, nil
}

func (c *Coordinator) releasePending(accountID string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[accountID] = c.pending[accountID].Sub(amount)
}

func (c *Coordinator) persist(w Withdrawal) error {
	if c.persister == nil {
		return nil
	}
	return c.persister.SaveWithdrawal(w)
}
