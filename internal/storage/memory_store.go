package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests.
// All mutation happens under one mutex, so ApplyStatus is trivially atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]Transaction // keyed by internal id
	balances     map[string]int64       // keyed by user id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]Transaction),
		balances:     make(map[string]int64),
	}
}

// InsertTransaction stores a new transaction.
func (s *MemoryStore) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}

	s.transactions[tx.ID] = tx
	return tx, nil
}

// GetTransactionByPaymentID looks a transaction up by provider invoice id.
func (s *MemoryStore) GetTransactionByPaymentID(ctx context.Context, paymentID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if paymentID == "" {
		return Transaction{}, ErrNotFound
	}
	for _, tx := range s.transactions {
		if tx.PaymentID == paymentID {
			return tx, nil
		}
	}
	return Transaction{}, ErrNotFound
}

// ListTransactionsByStatus returns transactions in the given status set,
// ordered by creation time.
func (s *MemoryStore) ListTransactionsByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error) {
	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if wanted[tx.Status] {
			out = append(out, tx)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// ListTransactionsByUser returns a user's transactions, newest first.
func (s *MemoryStore) ListTransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sortByCreatedAt(out)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListTransactions returns every transaction ordered by creation time.
func (s *MemoryStore) ListTransactions(ctx context.Context) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx)
	}
	sortByCreatedAt(out)
	return out, nil
}

// ApplyStatus applies a status update with the forward-only guard and the
// idempotent credit grant.
func (s *MemoryStore) ApplyStatus(ctx context.Context, paymentID string, update StatusUpdate) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		tx    Transaction
		found bool
	)
	for _, candidate := range s.transactions {
		if paymentID != "" && candidate.PaymentID == paymentID {
			tx = candidate
			found = true
			break
		}
	}
	if !found {
		return ApplyResult{}, ErrNotFound
	}

	var result ApplyResult

	// Terminal statuses only ever move to completed: a late provider
	// confirmation against a failed or expired row still grants, but no
	// terminal row moves back to pending, and completed never regresses.
	if tx.Status.Terminal() && update.Status != StatusCompleted {
		return result, nil
	}

	if update.Status != tx.Status {
		tx.Status = update.Status
		if update.CryptoAmount != "" {
			tx.CryptoAmount = update.CryptoAmount
		}
		if update.CryptoCurrency != "" {
			tx.CryptoCurrency = update.CryptoCurrency
		}
		if update.ExchangeRate != "" {
			tx.ExchangeRate = update.ExchangeRate
		}
		tx.UpdatedAt = time.Now().UTC()
		result.Changed = true
	}

	if update.Status == StatusCompleted && !tx.CreditsGranted {
		tx.CreditsGranted = true
		s.balances[tx.UserID] += tx.Credits
		result.CreditsGranted = true
		result.Credits = tx.Credits
		result.UserID = tx.UserID
	}

	s.transactions[tx.ID] = tx
	return result, nil
}

// DeleteTransactions removes rows by internal id.
func (s *MemoryStore) DeleteTransactions(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		if _, ok := s.transactions[id]; ok {
			delete(s.transactions, id)
			deleted++
		}
	}
	return deleted, nil
}

// CreditBalance returns the user's current balance.
func (s *MemoryStore) CreditBalance(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreatedAt(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}
