package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies a ledger entry.
type Category string

// Entry categories. The set is closed: unknown categories are rejected at
// append time so that balance semantics stay auditable.
const (
	CategoryUsageEarning    Category = "usage-earning"
	CategoryWithdrawalDebit Category = "withdrawal-debit"
	CategoryFee             Category = "fee"
	CategoryAdjustment      Category = "adjustment"
)

var (
	// ErrLedgerCorrupted means a stored entry no longer matches its hash
	// chain. The account is locked read-only until manually reconciled.
	ErrLedgerCorrupted = errors.New("ledger corrupted: hash chain mismatch")

	// ErrUnknownAccount means no entries exist for the account.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrSeqOutOfRange means a requested sequence range exceeds the
	// entries the account actually has.
	ErrSeqOutOfRange = errors.New("sequence out of range")

	// ErrInvalidCategory means the entry category is not in the closed set.
	ErrInvalidCategory = errors.New("invalid entry category")
)

// genesisSeed anchors the first entry of every account chain.
const genesisSeed = "meterd-ledger-genesis-v1"

// GenesisHash returns the fixed previous-hash constant for sequence 1.
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(sum[:])
}

// Entry is one immutable, hash-chained earnings or debit record.
type Entry struct {
	Seq       uint64            `json:"seq"`
	AccountID string            `json:"account_id"`
	Amount    decimal.Decimal   `json:"amount"`
	Category  Category          `json:"category"`
	Timestamp time.Time         `json:"timestamp"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Persister receives every appended entry before it is committed in memory.
// A persist failure aborts the append; no partial state is observable.
type Persister interface {
	SaveEntry(e Entry) error
}

// Bucket is one time-bucketed aggregate for historical earnings queries.
type Bucket struct {
	Start time.Time       `json:"start"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// Ledger is the single authoritative writer of ledger entries. Appends for
// the same account are serialized on a per-account mutex; different accounts
// proceed concurrently.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[string]*account
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

type account struct {
	mu        sync.Mutex
	entries   []Entry
	balance   decimal.Decimal
	corrupted bool
}

// New creates an empty ledger. persister may be nil for a purely in-memory
// ledger (tests).
func New(persister Persister, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		accounts:  make(map[string]*account),
		persister: persister,
		logger:    logger.With(slog.String("component", "ledger")),
		now:       time.Now,
	}
}

func (l *Ledger) getAccount(accountID string) *account {
	l.mu.RLock()
	acct, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok = l.accounts[accountID]; ok {
		return acct
	}
	acct = &account{balance: decimal.Zero}
	l.accounts[accountID] = acct
	return acct
}

// AccountTx is the single-writer section for one account. It is only valid
// inside the callback passed to Update.
type AccountTx struct {
	ledger    *Ledger
	accountID string
	acct      *account
}

// Balance returns the running balance as of the entries already committed.
func (tx *AccountTx) Balance() decimal.Decimal {
	return tx.acct.balance
}

// Append appends one entry inside the held account lock. Balance-check and
// append performed in the same Update call are atomic with respect to any
// other writer of the account.
func (tx *AccountTx) Append(amount decimal.Decimal, category Category, metadata map[string]string) (Entry, error) {
	return tx.ledger.appendLocked(tx.accountID, tx.acct, amount, category, metadata)
}

// VerifyChain recomputes the chain inside the held lock.
func (tx *AccountTx) VerifyChain() bool {
	return tx.ledger.verifyChainLocked(tx.accountID, tx.acct)
}

// Update runs fn with the account's write lock held. This is the same lock
// Append takes, so a withdrawal's balance-check-then-debit cannot interleave
// with a concurrent append or withdrawal for that account.
func (l *Ledger) Update(accountID string, fn func(tx *AccountTx) error) error {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.corrupted {
		return fmt.Errorf("account %s: %w", accountID, ErrLedgerCorrupted)
	}
	return fn(&AccountTx{ledger: l, accountID: accountID, acct: acct})
}

// Append records a single entry for the account.
func (l *Ledger) Append(accountID string, amount decimal.Decimal, category Category, metadata map[string]string) (Entry, error) {
	var entry Entry
	err := l.Update(accountID, func(tx *AccountTx) error {
		var appendErr error
		entry, appendErr = tx.Append(amount, category, metadata)
		return appendErr
	})
	return entry, err
}

func validCategory(c Category) bool {
	switch c {
	case CategoryUsageEarning, CategoryWithdrawalDebit, CategoryFee, CategoryAdjustment:
		return true
	}
	return false
}

// appendLocked assumes acct.mu is held.
func (l *Ledger) appendLocked(accountID string, acct *account, amount decimal.Decimal, category Category, metadata map[string]string) (Entry, error) {
	if acct.corrupted {
		return Entry{}, fmt.Errorf("account %s: %w", accountID, ErrLedgerCorrupted)
	}
	if !validCategory(category) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	prevHash := GenesisHash()
	if n := len(acct.entries); n > 0 {
		prevHash = acct.entries[n-1].Hash
	}

	entry := Entry{
		Seq:       uint64(len(acct.entries)) + 1,
		AccountID: accountID,
		Amount:    amount,
		Category:  category,
		Timestamp: l.now().UTC(),
		PrevHash:  prevHash,
		Metadata:  metadata,
	}
	entry.Hash = computeHash(entry)

	// Persist before committing so a storage failure leaves no partial state.
	if l.persister != nil {
		if err := l.persister.SaveEntry(entry); err != nil {
			return Entry{}, fmt.Errorf("persist ledger entry: %w", err)
		}
	}

	acct.entries = append(acct.entries, entry)
	acct.balance = acct.balance.Add(amount)

	l.logger.Debug("ledger entry appended",
		slog.String("account_id", accountID),
		slog.Uint64("seq", entry.Seq),
		slog.String("amount", amount.String()),
		slog.String("category", string(category)),
	)
	return entry, nil
}

// computeHash binds the entry to its predecessor and its own content:
// H(prevHash || accountID || seq || amount || category || timestamp).
func computeHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.AccountID))
	h.Write([]byte(strconv.FormatUint(e.Seq, 10)))
	h.Write([]byte(e.Amount.String()))
	h.Write([]byte(e.Category))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Balance returns the incrementally maintained running balance. Accounts
// with no entries have balance zero.
func (l *Ledger) Balance(accountID string) decimal.Decimal {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance
}

// Recompute sums every entry from scratch. This is the verification path;
// Balance is the hot path and the two must always agree.
func (l *Ledger) Recompute(accountID string) decimal.Decimal {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	total := decimal.Zero
	for _, e := range acct.entries {
		total = total.Add(e.Amount)
	}
	return total
}

// VerifyChain recomputes every content hash in sequence. Any mismatch marks
// the account corrupted: all further mutating operations fail until the
// ledger is manually reconciled. Corruption is never silently repaired.
func (l *Ledger) VerifyChain(accountID string) bool {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return l.verifyChainLocked(accountID, acct)
}

func (l *Ledger) verifyChainLocked(accountID string, acct *account) bool {
	prevHash := GenesisHash()
	for i, e := range acct.entries {
		if e.Seq != uint64(i)+1 || e.PrevHash != prevHash || computeHash(e) != e.Hash {
			acct.corrupted = true
			l.logger.Error("ledger chain verification failed",
				slog.String("account_id", accountID),
				slog.Uint64("seq", e.Seq),
			)
			return false
		}
		prevHash = e.Hash
	}
	return true
}

// Corrupted reports whether the account is locked out after a failed chain
// verification.
func (l *Ledger) Corrupted(accountID string) bool {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.corrupted
}

// Entries returns a copy of all entries for the account, oldest first.
func (l *Ledger) Entries(accountID string) []Entry {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]Entry, len(acct.entries))
	copy(out, acct.entries)
	return out
}

// EntryHashes returns the content hashes of entries [1, uptoSeq], the leaf
// input of the audit proof engine.
func (l *Ledger) EntryHashes(accountID string, uptoSeq uint64) ([]string, error) {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if len(acct.entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if uptoSeq == 0 || uptoSeq > uint64(len(acct.entries)) {
		return nil, fmt.Errorf("%w: account %s has %d entries, requested up to %d",
			ErrSeqOutOfRange, accountID, len(acct.entries), uptoSeq)
	}
	hashes := make([]string, uptoSeq)
	for i := uint64(0); i < uptoSeq; i++ {
		hashes[i] = acct.entries[i].Hash
	}
	return hashes, nil
}

// SumPeriod returns the exact decimal sum of entries with
// from <= Timestamp < to.
func (l *Ledger) SumPeriod(accountID string, from, to time.Time) decimal.Decimal {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	total := decimal.Zero
	for _, e := range acct.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// BreakdownByCategory returns per-category totals for the account.
func (l *Ledger) BreakdownByCategory(accountID string) map[Category]decimal.Decimal {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make(map[Category]decimal.Decimal)
	for _, e := range acct.entries {
		out[e.Category] = out[e.Category].Add(e.Amount)
	}
	return out
}

// Aggregate buckets entry amounts between from and to into fixed intervals.
// Empty buckets are omitted.
func (l *Ledger) Aggregate(accountID string, from, to time.Time, bucket time.Duration) []Bucket {
	if bucket <= 0 {
		bucket = time.Hour
	}
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	byStart := make(map[time.Time]*Bucket)
	for _, e := range acct.entries {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		start := e.Timestamp.Truncate(bucket)
		b, ok := byStart[start]
		if !ok {
			b = &Bucket{Start: start, Total: decimal.Zero}
			byStart[start] = b
		}
		b.Total = b.Total.Add(e.Amount)
		b.Count++
	}

	out := make([]Bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// AccountIDs lists every account the ledger has seen, for integrity sweeps.
func (l *Ledger) AccountIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore loads previously persisted entries, verifying the chain as it
// goes. Used once at startup before the ledger accepts appends.
func (l *Ledger) Restore(entries []Entry) error {
	byAccount := make(map[string][]Entry)
	for _, e := range entries {
		byAccount[e.AccountID] = append(byAccount[e.AccountID], e)
	}

	for accountID, list := range byAccount {
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })

		acct := l.getAccount(accountID)
		acct.mu.Lock()
		acct.entries = list
		balance := decimal.Zero
		for _, e := range list {
			balance = balance.Add(e.Amount)
		}
		acct.balance = balance
		ok := l.verifyChainLocked(accountID, acct)
		acct.mu.Unlock()

		if !ok {
			return fmt.Errorf("restore account %s: %w", accountID, ErrLedgerCorrupted)
		}
		l.logger.Info("ledger account restored",
			slog.String("account_id", accountID),
			slog.Int("entries", len(list)),
			slog.String("balance", balance.String()),
		)
	}
	return nil
}

// corruptForTest flips a stored amount out-of-band. Only reachable from
// package tests.
func (l *Ledger) corruptForTest(accountID string, seq uint64, amount decimal.Decimal) {
	acct := l.getAccount(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.entries[seq-1].Amount = amount
}
