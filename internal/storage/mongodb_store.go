package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB.
//
// Atomicity note: ApplyStatus runs inside a session transaction so the
// credits_granted flip and the balance increment commit together; a crash
// between them cannot strand a flipped gate with no grant. Transactions
// require a replica set or sharded deployment, which the driver reports at
// the first ApplyStatus call on a standalone server.
type MongoStore struct {
	client       *mongo.Client
	transactions *mongo.Collection
	balances     *mongo.Collection
}

// mongoTransaction is the BSON document shape for a Transaction.
type mongoTransaction struct {
	ID                string    `bson:"_id"`
	UserID            string    `bson:"user_id"`
	OrderNumber       string    `bson:"order_number"`
	Amount            string    `bson:"amount"`
	Credits           int64     `bson:"credits"`
	Status            string    `bson:"status"`
	PaymentID         string    `bson:"payment_id"`
	InvoiceURL        string    `bson:"invoice_url"`
	CryptoAmount      string    `bson:"crypto_amount"`
	CryptoCurrency    string    `bson:"crypto_currency"`
	ExchangeRate      string    `bson:"exchange_rate"`
	QRCode            string    `bson:"qr_code"`
	InvoiceCommission string    `bson:"invoice_commission"`
	InvoiceTotalSum   string    `bson:"invoice_total_sum"`
	ExpiresAt         time.Time `bson:"expires_at"`
	CreditsGranted    bool      `bson:"credits_granted"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

// NewMongoStore creates a new MongoDB-backed store.
func NewMongoStore(connectionString, database, transactionsCollection, balancesCollection string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error during initialization cleanup is not actionable;
		// the connection failure is the error the caller needs.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoStore{
		client:       client,
		transactions: db.Collection(transactionsCollection),
		balances:     db.Collection(balancesCollection),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "payment_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "payment_id", Value: bson.D{{Key: "$gt", Value: ""}}}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

// InsertTransaction stores a new transaction.
func (s *MongoStore) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
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

	if _, err := s.transactions.InsertOne(ctx, toMongoTransaction(tx)); err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// GetTransactionByPaymentID looks a transaction up by provider invoice id.
func (s *MongoStore) GetTransactionByPaymentID(ctx context.Context, paymentID string) (Transaction, error) {
	if paymentID == "" {
		return Transaction{}, ErrNotFound
	}
	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, bson.M{"payment_id": paymentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return fromMongoTransaction(doc), nil
}

// ListTransactionsByStatus returns transactions in the given status set.
func (s *MongoStore) ListTransactionsByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	filter := bson.M{"status": bson.M{"$in": values}}
	return s.findTransactions(ctx, filter, bson.D{{Key: "created_at", Value: 1}})
}

// ListTransactionsByUser returns a user's transactions, newest first.
func (s *MongoStore) ListTransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	return s.findTransactions(ctx, bson.M{"user_id": userID}, bson.D{{Key: "created_at", Value: -1}})
}

// ListTransactions returns every transaction ordered by creation time.
func (s *MongoStore) ListTransactions(ctx context.Context) ([]Transaction, error) {
	return s.findTransactions(ctx, bson.M{}, bson.D{{Key: "created_at", Value: 1}})
}

// ApplyStatus applies a status update with the forward-only guard and the
// idempotent credit grant. All writes run in one session transaction.
func (s *MongoStore) ApplyStatus(ctx context.Context, paymentID string, update StatusUpdate) (ApplyResult, error) {
	if paymentID == "" {
		return ApplyResult{}, ErrNotFound
	}

	session, err := s.client.StartSession()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.applyStatus(sc, paymentID, update)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res.(ApplyResult), nil
}

func (s *MongoStore) applyStatus(ctx mongo.SessionContext, paymentID string, update StatusUpdate) (ApplyResult, error) {
	current, err := s.GetTransactionByPaymentID(ctx, paymentID)
	if err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult

	// Terminal statuses only ever move to completed: a late provider
	// confirmation against a failed or expired row still grants, but no
	// terminal row moves back to pending, and completed never regresses.
	if current.Status.Terminal() && update.Status != StatusCompleted {
		return result, nil
	}

	if update.Status != current.Status {
		set := bson.M{
			"status":     string(update.Status),
			"updated_at": time.Now().UTC(),
		}
		if update.CryptoAmount != "" {
			set["crypto_amount"] = update.CryptoAmount
		}
		if update.CryptoCurrency != "" {
			set["crypto_currency"] = update.CryptoCurrency
		}
		if update.ExchangeRate != "" {
			set["exchange_rate"] = update.ExchangeRate
		}
		// The status filter re-checks the guard atomically: a concurrent
		// writer that reached a terminal status first wins.
		filter := bson.M{"payment_id": paymentID}
		if update.Status != StatusCompleted {
			filter["status"] = bson.M{"$nin": terminalStatusStrings()}
		}
		res, err := s.transactions.UpdateOne(ctx, filter, bson.M{"$set": set})
		if err != nil {
			return ApplyResult{}, fmt.Errorf("update status: %w", err)
		}
		result.Changed = res.ModifiedCount > 0
	}

	if update.Status == StatusCompleted {
		// Single-document CAS on the grant gate; succeeds at most once ever.
		// The enclosing session transaction commits this flip and the
		// balance increment together.
		res := s.transactions.FindOneAndUpdate(ctx,
			bson.M{"payment_id": paymentID, "credits_granted": false},
			bson.M{"$set": bson.M{"credits_granted": true}},
		)
		var granted mongoTransaction
		err := res.Decode(&granted)
		if err == nil {
			_, err = s.balances.UpdateOne(ctx,
				bson.M{"_id": granted.UserID},
				bson.M{"$inc": bson.M{"balance": granted.Credits}},
				options.Update().SetUpsert(true),
			)
			if err != nil {
				return ApplyResult{}, fmt.Errorf("increment balance: %w", err)
			}
			result.CreditsGranted = true
			result.Credits = granted.Credits
			result.UserID = granted.UserID
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return ApplyResult{}, fmt.Errorf("flip grant gate: %w", err)
		}
	}

	return result, nil
}

func terminalStatusStrings() []string {
	return []string{string(StatusCompleted), string(StatusFailed), string(StatusExpired)}
}

// DeleteTransactions removes rows by internal id.
func (s *MongoStore) DeleteTransactions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.transactions.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete transactions: %w", err)
	}
	return res.DeletedCount, nil
}

// CreditBalance returns the user's current balance.
func (s *MongoStore) CreditBalance(ctx context.Context, userID string) (int64, error) {
	var doc struct {
		Balance int64 `bson:"balance"`
	}
	err := s.balances.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find balance: %w", err)
	}
	return doc.Balance, nil
}

// Close disconnects the MongoDB client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) findTransactions(ctx context.Context, filter bson.M, sort bson.D) ([]Transaction, error) {
	cursor, err := s.transactions.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Transaction
	for cursor.Next(ctx) {
		var doc mongoTransaction
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, fromMongoTransaction(doc))
	}
	return out, cursor.Err()
}

func toMongoTransaction(tx Transaction) mongoTransaction {
	return mongoTransaction{
		ID:                tx.ID,
		UserID:            tx.UserID,
		OrderNumber:       tx.OrderNumber,
		Amount:            tx.Amount,
		Credits:           tx.Credits,
		Status:            string(tx.Status),
		PaymentID:         tx.PaymentID,
		InvoiceURL:        tx.InvoiceURL,
		CryptoAmount:      tx.CryptoAmount,
		CryptoCurrency:    tx.CryptoCurrency,
		ExchangeRate:      tx.ExchangeRate,
		QRCode:            tx.QRCode,
		InvoiceCommission: tx.InvoiceCommission,
		InvoiceTotalSum:   tx.InvoiceTotalSum,
		ExpiresAt:         tx.ExpiresAt,
		CreditsGranted:    tx.CreditsGranted,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
}

func fromMongoTransaction(doc mongoTransaction) Transaction {
	return Transaction{
		ID:                doc.ID,
		UserID:            doc.UserID,
		OrderNumber:       doc.OrderNumber,
		Amount:            doc.Amount,
		Credits:           doc.Credits,
		Status:            Status(doc.Status),
		PaymentID:         doc.PaymentID,
		InvoiceURL:        doc.InvoiceURL,
		CryptoAmount:      doc.CryptoAmount,
		CryptoCurrency:    doc.CryptoCurrency,
		ExchangeRate:      doc.ExchangeRate,
		QRCode:            doc.QRCode,
		InvoiceCommission: doc.InvoiceCommission,
		InvoiceTotalSum:   doc.InvoiceTotalSum,
		ExpiresAt:         doc.ExpiresAt,
		CreditsGranted:    doc.CreditsGranted,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}
