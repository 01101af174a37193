// Package audit builds Merkle commitments over ledger entry hashes and
// verifies externally submitted earnings claims against them.
package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"meterd/internal/ledger"
)

var (
	// ErrEmptyRange means a commitment was requested over zero entries.
	ErrEmptyRange = errors.New("cannot commit over an empty entry range")

	// ErrUnknownRoot means a proof references a root that was never
	// committed for the account.
	ErrUnknownRoot = errors.New("root was never committed for this account")
)

// Commitment records one committed root and the range it covers.
type Commitment struct {
	Root        string    `json:"root"`
	UptoSeq     uint64    `json:"upto_seq"`
	CommittedAt time.Time `json:"committed_at"`
}

// Engine is a read-side consumer of the ledger. It never mutates ledger
// state.
type Engine struct {
	mu     sync.RWMutex
	roots  map[string]map[string]Commitment // accountID -> root -> commitment
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewEngine creates an audit engine over the given ledger.
func NewEngine(l *ledger.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roots:  make(map[string]map[string]Commitment),
		ledger: l,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Commit builds a Merkle tree over the entry content hashes in [1, uptoSeq]
// and remembers the root. Deterministic: the same entries always yield the
// same root.
func (e *Engine) Commit(accountID string, uptoSeq uint64) (string, error) {
	if uptoSeq == 0 {
		return "", ErrEmptyRange
	}
	hashes, err := e.ledger.EntryHashes(accountID, uptoSeq)
	if err != nil {
		return "", err
	}

	root := merkleRoot(hashes)

	e.mu.Lock()
	byRoot, ok := e.roots[accountID]
	if !ok {
		byRoot = make(map[string]Commitment)
		e.roots[accountID] = byRoot
	}
	byRoot[root] = Commitment{Root: root, UptoSeq: uptoSeq, CommittedAt: time.Now().UTC()}
	e.mu.Unlock()

	e.logger.Info("merkle root committed",
		slog.String("account_id", accountID),
		slog.Uint64("upto_seq", uptoSeq),
		slog.String("root", root),
	)
	return root, nil
}

// Prove produces a membership proof for the entry at seq within the tree
// committed over [1, uptoSeq].
func (e *Engine) Prove(accountID string, seq, uptoSeq uint64) (Proof, error) {
	if seq == 0 || seq > uptoSeq {
		return Proof{}, fmt.Errorf("seq %d outside committed range [1, %d]", seq, uptoSeq)
	}
	hashes, err := e.ledger.EntryHashes(accountID, uptoSeq)
	if err != nil {
		return Proof{}, err
	}

	index := seq - 1
	return Proof{
		LeafHash: hashes[index],
		Index:    index,
		Siblings: merklePath(hashes, index),
		Root:     merkleRoot(hashes),
	}, nil
}

// Committed reports whether the root was previously produced by Commit for
// the account.
func (e *Engine) Committed(accountID, root string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.roots[accountID][root]
	return ok
}

// Commitments returns all recorded commitments for the account.
func (e *Engine) Commitments(accountID string) []Commitment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Commitment, 0, len(e.roots[accountID]))
	for _, c := range e.roots[accountID] {
		out = append(out, c)
	}
	return out
}

// VerifyClaim checks a claimed earnings total for [from, to) against the
// ledger, and the supplied proof against the committed roots. Both checks
// must pass; a partial match is a failure, never a warning. The sum
// comparison is exact decimal equality.
func (e *Engine) VerifyClaim(accountID string, claimedTotal decimal.Decimal, from, to time.Time, proof Proof) bool {
	expected := e.ledger.SumPeriod(accountID, from, to)
	sumOK := expected.Equal(claimedTotal)

	proofOK := VerifyProof(proof) && e.Committed(accountID, proof.Root)

	if !sumOK || !proofOK {
		e.logger.Warn("claim verification failed",
			slog.String("account_id", accountID),
			slog.String("claimed_total", claimedTotal.String()),
			slog.String("ledger_total", expected.String()),
			slog.Bool("sum_ok", sumOK),
			slog.Bool("proof_ok", proofOK),
		)
		return false
	}
	return true
}
