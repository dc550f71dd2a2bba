package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store captures the persistence requirements for transactions and credit
// balances. It is the sole writer of transaction rows and the sole grantor of
// credits; no other component mutates either directly.
type Store interface {
	// InsertTransaction stores a new transaction, assigning ID/CreatedAt/
	// UpdatedAt when unset, and returns the stored row.
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// GetTransactionByPaymentID looks a transaction up by its provider
	// invoice id. Returns ErrNotFound when no row matches.
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (Transaction, error)

	// ListTransactionsByStatus returns all transactions whose status is in
	// the given set, ordered by creation time.
	ListTransactionsByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error)

	// ListTransactionsByUser returns a user's transactions, newest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]Transaction, error)

	// ListTransactions returns every transaction, ordered by creation time.
	// Used by the deduplicator, which is a maintenance pass, not a hot path.
	ListTransactions(ctx context.Context) ([]Transaction, error)

	// ApplyStatus applies a provider-observed status update to the
	// transaction identified by paymentID, enforcing the state machine:
	//
	//   - a completed transaction never regresses (failed/expired/pending
	//     updates against it are ignored, not errors)
	//   - a transition into completed flips the credits_granted gate and
	//     increments the owning user's balance exactly once, atomically
	//
	// Safe under concurrent invocation for the same transaction; duplicate
	// deliveries and callback/poller races collapse onto one grant.
	ApplyStatus(ctx context.Context, paymentID string, update StatusUpdate) (ApplyResult, error)

	// DeleteTransactions removes rows by internal id and reports how many
	// were deleted. Only the deduplicator calls this.
	DeleteTransactions(ctx context.Context, ids []string) (int64, error)

	// CreditBalance returns the user's current credit balance (0 for unknown
	// users).
	CreditBalance(ctx context.Context, userID string) (int64, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend           string // "memory", "postgres", or "mongodb"
	PostgresURL       string
	MongoDBURL        string
	MongoDBDatabase   string
	TransactionsTable string // table (Postgres) or collection (MongoDB) name
	BalancesTable     string
}

// NewStore creates a Store for the configured backend.
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.TransactionsTable == "" {
		cfg.TransactionsTable = "transactions"
	}
	if cfg.BalancesTable == "" {
		cfg.BalancesTable = "user_credits"
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL, cfg.TransactionsTable, cfg.BalancesTable)
	case "mongodb":
		return NewMongoStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.TransactionsTable, cfg.BalancesTable)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
