package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/withdrawal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meterd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLicenseRoundTrip(t *testing.T) {
	s := openTestStore(t)

	lic := license.License{
		Key:            "KEY-1",
		AccountID:      "acct-1",
		Fingerprint:    "fp-1",
		Entitlements:   []string{"compute"},
		AlgorithmID:    "ed25519",
		PublicKey:      []byte{1, 2, 3},
		Signature:      []byte{4, 5, 6},
		ExpiresAt:      time.Now().Add(time.Hour).UTC(),
		RotationPeriod: 24 * time.Hour,
	}
	require.NoError(t, s.SaveLicense(lic))

	// Rotation overwrites the record for the account: the retired key must
	// not be loadable.
	lic.Key = "KEY-2"
	lic.KeyHistory = []license.RotatedKey{{Key: "KEY-1", RotatedAt: time.Now().UTC()}}
	require.NoError(t, s.SaveLicense(lic))

	loaded, err := s.LoadLicenses()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "KEY-2", loaded[0].Key)
	assert.Equal(t, []string{"compute"}, loaded[0].Entitlements)
	assert.Len(t, loaded[0].KeyHistory, 1)
}

func TestLedgerEntriesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meterd.db")

	s, err := Open(path)
	require.NoError(t, err)

	l := ledger.New(s, nil)
	for i := 0; i < 5; i++ {
		_, err := l.Append("acct-1", decimal.NewFromInt(10), ledger.CategoryUsageEarning, nil)
		require.NoError(t, err)
	}
	_, err = l.Append("acct-2", decimal.NewFromInt(7), ledger.CategoryUsageEarning, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.LoadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 6)

	restored := ledger.New(reopened, nil)
	require.NoError(t, restored.Restore(entries))
	assert.True(t, restored.Balance("acct-1").Equal(decimal.NewFromInt(50)))
	assert.True(t, restored.Balance("acct-2").Equal(decimal.NewFromInt(7)))
	assert.True(t, restored.VerifyChain("acct-1"))
}

func TestWithdrawalRoundTrip(t *testing.T) {
	s := openTestStore(t)

	w := withdrawal.Withdrawal{
		ID:              "w-1",
		AccountID:       "acct-1",
		RequestedAmount: decimal.NewFromInt(100),
		Method:          "bank",
		Fee:             decimal.NewFromInt(10),
		NetAmount:       decimal.NewFromInt(90),
		Status:          withdrawal.StatusProcessed,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.SaveWithdrawal(w))

	// Status updates overwrite in place.
	w.Status = withdrawal.StatusFailed
	require.NoError(t, s.SaveWithdrawal(w))

	loaded, err := s.LoadWithdrawals()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, withdrawal.StatusFailed, loaded[0].Status)
	assert.True(t, loaded[0].Fee.Equal(decimal.NewFromInt(10)))
}
