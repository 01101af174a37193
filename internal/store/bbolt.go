// Package store persists licenses, ledger entries and withdrawals in a
// single-node bbolt database. The in-memory structures stay authoritative
// at runtime; this layer provides restart durability.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/withdrawal"
)

const (
	bucketLicenses    = "licenses"
	bucketLedger      = "ledger"
	bucketWithdrawals = "withdrawals"
)

// Store wraps a bbolt database with one bucket per record type.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	s := &Store{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketLicenses, bucketLedger, bucketWithdrawals} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveLicense stores the current license record for its account. Keyed by
// account id: rotation replaces the record rather than leaving the retired
// key loadable.
func (s *Store) SaveLicense(l license.License) error {
	return s.put(bucketLicenses, []byte(l.AccountID), l)
}

// LoadLicenses returns every stored license record.
func (s *Store) LoadLicenses() ([]license.License, error) {
	var out []license.License
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLicenses)).ForEach(func(_, v []byte) error {
			var l license.License
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("decode license record: %w", err)
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// ledgerKey orders entries by account then sequence so ForEach returns
// them in append order.
func ledgerKey(accountID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", accountID, seq))
}

// SaveEntry implements ledger.Persister.
func (s *Store) SaveEntry(e ledger.Entry) error {
	return s.put(bucketLedger, ledgerKey(e.AccountID, e.Seq), e)
}

// LoadEntries returns every stored ledger entry.
func (s *Store) LoadEntries() ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, v []byte) error {
			var e ledger.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode ledger entry: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// SaveWithdrawal implements withdrawal.Persister.
func (s *Store) SaveWithdrawal(w withdrawal.Withdrawal) error {
	return s.put(bucketWithdrawals, []byte(w.ID), w)
}

// LoadWithdrawals returns every stored withdrawal record.
func (s *Store) LoadWithdrawals() ([]withdrawal.Withdrawal, error) {
	var out []withdrawal.Withdrawal
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketWithdrawals)).ForEach(func(_, v []byte) error {
			var w withdrawal.Withdrawal
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("decode withdrawal record: %w", err)
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}

func (s *Store) put(bucket string, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}
