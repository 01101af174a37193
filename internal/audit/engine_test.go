package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedLedger(t *testing.T, n int) *ledger.Ledger {
	t.Helper()
	l := ledger.New(nil, nil)
	for i := 0; i < n; i++ {
		_, err := l.Append("acct-1", dec("10"), ledger.CategoryUsageEarning, nil)
		require.NoError(t, err)
	}
	return l
}

func TestCommitIsDeterministic(t *testing.T) {
	l := seedLedger(t, 7)
	e := NewEngine(l, nil)

	root1, err := e.Commit("acct-1", 7)
	require.NoError(t, err)
	root2, err := e.Commit("acct-1", 7)
	require.NoError(t, err)
	assert.Equal(t, root1, root2)

	// Different ranges commit different roots.
	root3, err := e.Commit("acct-1", 6)
	require.NoError(t, err)
	assert.NotEqual(t, root1, root3)
}

func TestCommitEdgeCases(t *testing.T) {
	l := seedLedger(t, 3)
	e := NewEngine(l, nil)

	_, err := e.Commit("acct-1", 0)
	assert.ErrorIs(t, err, ErrEmptyRange)

	_, err = e.Commit("acct-1", 4)
	assert.Error(t, err)

	// Single-leaf tree: the leaf is the root.
	root, err := e.Commit("acct-1", 1)
	require.NoError(t, err)
	hashes := l.Entries("acct-1")
	assert.Equal(t, hashes[0].Hash, root)
}

func TestProveAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			l := seedLedger(t, n)
			e := NewEngine(l, nil)

			root, err := e.Commit("acct-1", uint64(n))
			require.NoError(t, err)

			for seq := uint64(1); seq <= uint64(n); seq++ {
				proof, err := e.Prove("acct-1", seq, uint64(n))
				require.NoError(t, err)
				assert.Equal(t, root, proof.Root)
				assert.True(t, VerifyProof(proof), "proof for seq %d", seq)
			}
		})
	}
}

func TestVerifyProofRejectsTampering(t *testing.T) {
	l := seedLedger(t, 6)
	e := NewEngine(l, nil)
	_, err := e.Commit("acct-1", 6)
	require.NoError(t, err)

	proof, err := e.Prove("acct-1", 3, 6)
	require.NoError(t, err)

	t.Run("tampered leaf", func(t *testing.T) {
		p := proof
		p.LeafHash = "deadbeef"
		assert.False(t, VerifyProof(p))
	})

	t.Run("tampered sibling", func(t *testing.T) {
		p := proof
		p.Siblings = append([]string{}, proof.Siblings...)
		p.Siblings[0] = "deadbeef"
		assert.False(t, VerifyProof(p))
	})

	t.Run("wrong index", func(t *testing.T) {
		p := proof
		p.Index = p.Index + 1
		assert.False(t, VerifyProof(p))
	})

	t.Run("empty proof", func(t *testing.T) {
		assert.False(t, VerifyProof(Proof{}))
	})
}

func TestProveRange(t *testing.T) {
	l := seedLedger(t, 4)
	e := NewEngine(l, nil)

	_, err := e.Prove("acct-1", 0, 4)
	assert.Error(t, err)
	_, err = e.Prove("acct-1", 5, 4)
	assert.Error(t, err)
}

func TestVerifyClaim(t *testing.T) {
	l := ledger.New(nil, nil)
	for i := 0; i < 4; i++ {
		_, err := l.Append("acct-1", dec("25"), ledger.CategoryUsageEarning, nil)
		require.NoError(t, err)
	}
	e := NewEngine(l, nil)

	_, err := e.Commit("acct-1", 4)
	require.NoError(t, err)
	proof, err := e.Prove("acct-1", 2, 4)
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)

	t.Run("exact total and committed proof passes", func(t *testing.T) {
		assert.True(t, e.VerifyClaim("acct-1", dec("100"), from, to, proof))
	})

	t.Run("wrong total fails even with valid proof", func(t *testing.T) {
		assert.False(t, e.VerifyClaim("acct-1", dec("100.01"), from, to, proof))
	})

	t.Run("approximate equality is not accepted", func(t *testing.T) {
		assert.False(t, e.VerifyClaim("acct-1", dec("99.999999999"), from, to, proof))
	})

	t.Run("valid total with uncommitted root fails", func(t *testing.T) {
		p := proof
		p.LeafHash = "deadbeef"
		p.Root = "deadbeef" // self-consistent but never committed
		p.Siblings = nil
		p.Index = 0
		assert.False(t, e.VerifyClaim("acct-1", dec("100"), from, to, p))
	})

	t.Run("root committed for a different account fails", func(t *testing.T) {
		assert.False(t, e.VerifyClaim("acct-2", dec("0"), from, to, proof))
	})
}

func TestCommitments(t *testing.T) {
	l := seedLedger(t, 5)
	e := NewEngine(l, nil)

	root, err := e.Commit("acct-1", 5)
	require.NoError(t, err)

	assert.True(t, e.Committed("acct-1", root))
	assert.False(t, e.Committed("acct-1", "unknown"))
	assert.False(t, e.Committed("acct-2", root))

	commitments := e.Commitments("acct-1")
	require.Len(t, commitments, 1)
	assert.Equal(t, uint64(5), commitments[0].UptoSeq)
}
