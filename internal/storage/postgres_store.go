package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db                *sql.DB
	ownsDB            bool
	transactionsTable string
	balancesTable     string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString, transactionsTable, balancesTable string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable;
		// the connection failure is the error the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:                db,
		ownsDB:            true,
		transactionsTable: transactionsTable,
		balancesTable:     balancesTable,
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store over an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, transactionsTable, balancesTable string) (*PostgresStore, error) {
	store := &PostgresStore{
		db:                db,
		ownsDB:            false,
		transactionsTable: transactionsTable,
		balancesTable:     balancesTable,
	}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables creates the necessary tables if they don't exist.
func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			order_number TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			credits BIGINT NOT NULL,
			status TEXT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			invoice_url TEXT NOT NULL DEFAULT '',
			crypto_amount TEXT NOT NULL DEFAULT '',
			crypto_currency TEXT NOT NULL DEFAULT '',
			exchange_rate TEXT NOT NULL DEFAULT '',
			qr_code TEXT NOT NULL DEFAULT '',
			invoice_commission TEXT NOT NULL DEFAULT '',
			invoice_total_sum TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			credits_granted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_payment_id_idx
			ON %[1]s (payment_id) WHERE payment_id <> '';
		CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);
		CREATE INDEX IF NOT EXISTS %[1]s_user_id_idx ON %[1]s (user_id);

		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0
		);
	`, s.transactionsTable, s.balancesTable)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

const txColumns = `id, user_id, order_number, amount, credits, status, payment_id,
	invoice_url, crypto_amount, crypto_currency, exchange_rate, qr_code,
	invoice_commission, invoice_total_sum, expires_at, credits_granted,
	created_at, updated_at`

// InsertTransaction stores a new transaction.
func (s *PostgresStore) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
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

	var expiresAt sql.NullTime
	if !tx.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: tx.ExpiresAt, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, s.transactionsTable, txColumns)

	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.OrderNumber, tx.Amount, tx.Credits, string(tx.Status),
		tx.PaymentID, tx.InvoiceURL, tx.CryptoAmount, tx.CryptoCurrency,
		tx.ExchangeRate, tx.QRCode, tx.InvoiceCommission, tx.InvoiceTotalSum,
		expiresAt, tx.CreditsGranted, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// GetTransactionByPaymentID looks a transaction up by provider invoice id.
func (s *PostgresStore) GetTransactionByPaymentID(ctx context.Context, paymentID string) (Transaction, error) {
	if paymentID == "" {
		return Transaction{}, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE payment_id = $1`, txColumns, s.transactionsTable)
	row := s.db.QueryRowContext(ctx, query, paymentID)
	return scanTransaction(row)
}

// ListTransactionsByStatus returns transactions in the given status set.
func (s *PostgresStore) ListTransactionsByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status IN (%s) ORDER BY created_at ASC`,
		txColumns, s.transactionsTable, strings.Join(placeholders, ", "))

	return s.queryTransactions(ctx, query, args...)
}

// ListTransactionsByUser returns a user's transactions, newest first.
func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC`,
		txColumns, s.transactionsTable)
	return s.queryTransactions(ctx, query, userID)
}

// ListTransactions returns every transaction ordered by creation time.
func (s *PostgresStore) ListTransactions(ctx context.Context) ([]Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at ASC`, txColumns, s.transactionsTable)
	return s.queryTransactions(ctx, query)
}

// ApplyStatus applies a status update inside a single SQL transaction.
// The row lock serializes concurrent callback/poller deliveries for the same
// payment, and the credits_granted flip plus balance increment commit together.
func (s *PostgresStore) ApplyStatus(ctx context.Context, paymentID string, update StatusUpdate) (ApplyResult, error) {
	if paymentID == "" {
		return ApplyResult{}, ErrNotFound
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE payment_id = $1 FOR UPDATE`, txColumns, s.transactionsTable)
	current, err := scanTransaction(dbTx.QueryRowContext(ctx, query, paymentID))
	if err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult

	// Terminal statuses only ever move to completed: a late provider
	// confirmation against a failed or expired row still grants, but no
	// terminal row moves back to pending, and completed never regresses.
	if current.Status.Terminal() && update.Status != StatusCompleted {
		return result, dbTx.Commit()
	}

	now := time.Now().UTC()
	if update.Status != current.Status {
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET
				status = $2,
				crypto_amount = CASE WHEN $3 <> '' THEN $3 ELSE crypto_amount END,
				crypto_currency = CASE WHEN $4 <> '' THEN $4 ELSE crypto_currency END,
				exchange_rate = CASE WHEN $5 <> '' THEN $5 ELSE exchange_rate END,
				updated_at = $6
			WHERE id = $1
		`, s.transactionsTable)
		if _, err := dbTx.ExecContext(ctx, updateQuery,
			current.ID, string(update.Status), update.CryptoAmount,
			update.CryptoCurrency, update.ExchangeRate, now,
		); err != nil {
			return ApplyResult{}, fmt.Errorf("update status: %w", err)
		}
		result.Changed = true
	}

	if update.Status == StatusCompleted && !current.CreditsGranted {
		grantQuery := fmt.Sprintf(`
			UPDATE %s SET credits_granted = TRUE
			WHERE id = $1 AND credits_granted = FALSE
		`, s.transactionsTable)
		res, err := dbTx.ExecContext(ctx, grantQuery, current.ID)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("flip grant gate: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return ApplyResult{}, fmt.Errorf("grant rows affected: %w", err)
		}
		if affected == 1 {
			balanceQuery := fmt.Sprintf(`
				INSERT INTO %s (user_id, balance) VALUES ($1, $2)
				ON CONFLICT (user_id) DO UPDATE SET balance = %s.balance + EXCLUDED.balance
			`, s.balancesTable, s.balancesTable)
			if _, err := dbTx.ExecContext(ctx, balanceQuery, current.UserID, current.Credits); err != nil {
				return ApplyResult{}, fmt.Errorf("increment balance: %w", err)
			}
			result.CreditsGranted = true
			result.Credits = current.Credits
			result.UserID = current.UserID
		}
	}

	if err := dbTx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// DeleteTransactions removes rows by internal id.
func (s *PostgresStore) DeleteTransactions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`,
		s.transactionsTable, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete transactions: %w", err)
	}
	return res.RowsAffected()
}

// CreditBalance returns the user's current balance.
func (s *PostgresStore) CreditBalance(ctx context.Context, userID string) (int64, error) {
	query := fmt.Sprintf(`SELECT balance FROM %s WHERE user_id = $1`, s.balancesTable)
	var balance int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Close closes the underlying connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx        Transaction
		status    string
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.OrderNumber, &tx.Amount, &tx.Credits, &status,
		&tx.PaymentID, &tx.InvoiceURL, &tx.CryptoAmount, &tx.CryptoCurrency,
		&tx.ExchangeRate, &tx.QRCode, &tx.InvoiceCommission, &tx.InvoiceTotalSum,
		&expiresAt, &tx.CreditsGranted, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Status = Status(status)
	if expiresAt.Valid {
		tx.ExpiresAt = expiresAt.Time
	}
	return tx, nil
}
