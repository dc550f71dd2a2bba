package storage

import (
	"context"
	"testing"
	"time"
)

func insertTestTransaction(t *testing.T, store *MemoryStore, tx Transaction) Transaction {
	t.Helper()
	stored, err := store.InsertTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("InsertTransaction() error = %v", err)
	}
	return stored
}

func TestMemoryStore_InsertAssignsIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := insertTestTransaction(t, store, Transaction{
		UserID:      "user-1",
		OrderNumber: "ORDER-1-user1",
		Amount:      "10",
		Credits:     100,
		Status:      StatusNew,
		PaymentID:   "pay-1",
	})

	if tx.ID == "" {
		t.Error("InsertTransaction() did not assign an id")
	}
	if tx.CreatedAt.IsZero() || tx.UpdatedAt.IsZero() {
		t.Error("InsertTransaction() did not assign timestamps")
	}

	got, err := store.GetTransactionByPaymentID(ctx, "pay-1")
	if err != nil {
		t.Fatalf("GetTransactionByPaymentID() error = %v", err)
	}
	if got.ID != tx.ID {
		t.Errorf("GetTransactionByPaymentID() id = %q, want %q", got.ID, tx.ID)
	}

	if _, err := store.GetTransactionByPaymentID(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetTransactionByPaymentID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ApplyStatus_GrantsCreditsOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insertTestTransaction(t, store, Transaction{
		UserID:    "user-1",
		Amount:    "10",
		Credits:   100,
		Status:    StatusNew,
		PaymentID: "pay-1",
	})

	update := StatusUpdate{Status: StatusCompleted, CryptoAmount: "0.001", CryptoCurrency: "BTC"}

	first, err := store.ApplyStatus(ctx, "pay-1", update)
	if err != nil {
		t.Fatalf("ApplyStatus() error = %v", err)
	}
	if !first.Changed || !first.CreditsGranted {
		t.Errorf("first ApplyStatus() = %+v, want Changed and CreditsGranted", first)
	}
	if first.Credits != 100 || first.UserID != "user-1" {
		t.Errorf("first ApplyStatus() grant = %d credits to %q, want 100 to user-1", first.Credits, first.UserID)
	}

	// Duplicate delivery of the same terminal status.
	second, err := store.ApplyStatus(ctx, "pay-1", update)
	if err != nil {
		t.Fatalf("duplicate ApplyStatus() error = %v", err)
	}
	if second.Changed || second.CreditsGranted {
		t.Errorf("duplicate ApplyStatus() = %+v, want no-op", second)
	}

	balance, err := store.CreditBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreditBalance() error = %v", err)
	}
	if balance != 100 {
		t.Errorf("CreditBalance() = %d, want 100 (credits granted exactly once)", balance)
	}
}

func TestMemoryStore_ApplyStatus_CompletedNeverRegresses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insertTestTransaction(t, store, Transaction{
		UserID:    "user-1",
		Credits:   50,
		Status:    StatusNew,
		PaymentID: "pay-1",
	})

	if _, err := store.ApplyStatus(ctx, "pay-1", StatusUpdate{Status: StatusCompleted}); err != nil {
		t.Fatalf("ApplyStatus(completed) error = %v", err)
	}

	for _, regress := range []Status{StatusFailed, StatusExpired, StatusPending, StatusNew} {
		result, err := store.ApplyStatus(ctx, "pay-1", StatusUpdate{Status: regress})
		if err != nil {
			t.Fatalf("ApplyStatus(%s) error = %v", regress, err)
		}
		if result.Changed || result.CreditsGranted {
			t.Errorf("ApplyStatus(%s) after completed = %+v, want no-op", regress, result)
		}
	}

	got, err := store.GetTransactionByPaymentID(ctx, "pay-1")
	if err != nil {
		t.Fatalf("GetTransactionByPaymentID() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status after regression attempts = %q, want completed", got.Status)
	}

	balance, _ := store.CreditBalance(ctx, "user-1")
	if balance != 50 {
		t.Errorf("CreditBalance() = %d, want 50", balance)
	}
}

func TestMemoryStore_ApplyStatus_TerminalNeverReopens(t *testing.T) {
	// A late or replayed callback carrying a non-terminal status must not
	// move a failed or expired row back to pending.
	store := NewMemoryStore()
	ctx := context.Background()

	for _, terminal := range []Status{StatusFailed, StatusExpired} {
		paymentID := "pay-" + string(terminal)
		insertTestTransaction(t, store, Transaction{
			UserID:    "user-1",
			Credits:   10,
			Status:    StatusNew,
			PaymentID: paymentID,
		})
		if _, err := store.ApplyStatus(ctx, paymentID, StatusUpdate{Status: terminal}); err != nil {
			t.Fatalf("ApplyStatus(%s) error = %v", terminal, err)
		}

		for _, reopen := range []Status{StatusPending, StatusNew} {
			result, err := store.ApplyStatus(ctx, paymentID, StatusUpdate{Status: reopen})
			if err != nil {
				t.Fatalf("ApplyStatus(%s) error = %v", reopen, err)
			}
			if result.Changed || result.CreditsGranted {
				t.Errorf("ApplyStatus(%s) after %s = %+v, want no-op", reopen, terminal, result)
			}
		}

		got, err := store.GetTransactionByPaymentID(ctx, paymentID)
		if err != nil {
			t.Fatalf("GetTransactionByPaymentID() error = %v", err)
		}
		if got.Status != terminal {
			t.Errorf("status after reopen attempts = %q, want %q", got.Status, terminal)
		}
	}
}

func TestMemoryStore_ApplyStatus_FailedThenCompletedStillGrants(t *testing.T) {
	// The provider is authoritative: a late completion after a failure
	// observation still grants, exactly once.
	store := NewMemoryStore()
	ctx := context.Background()

	insertTestTransaction(t, store, Transaction{
		UserID:    "user-1",
		Credits:   25,
		Status:    StatusNew,
		PaymentID: "pay-1",
	})

	if _, err := store.ApplyStatus(ctx, "pay-1", StatusUpdate{Status: StatusFailed}); err != nil {
		t.Fatalf("ApplyStatus(failed) error = %v", err)
	}

	result, err := store.ApplyStatus(ctx, "pay-1", StatusUpdate{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("ApplyStatus(completed) error = %v", err)
	}
	if !result.CreditsGranted {
		t.Error("completion after failure did not grant credits")
	}

	balance, _ := store.CreditBalance(ctx, "user-1")
	if balance != 25 {
		t.Errorf("CreditBalance() = %d, want 25", balance)
	}
}

func TestMemoryStore_ApplyStatus_UnknownPaymentID(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.ApplyStatus(context.Background(), "nope", StatusUpdate{Status: StatusCompleted}); err != ErrNotFound {
		t.Errorf("ApplyStatus(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := store.ApplyStatus(context.Background(), "", StatusUpdate{Status: StatusCompleted}); err != ErrNotFound {
		t.Errorf("ApplyStatus(empty id) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListTransactionsByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	insertTestTransaction(t, store, Transaction{PaymentID: "a", Status: StatusNew, CreatedAt: base})
	insertTestTransaction(t, store, Transaction{PaymentID: "b", Status: StatusPending, CreatedAt: base.Add(time.Second)})
	insertTestTransaction(t, store, Transaction{PaymentID: "c", Status: StatusCompleted, CreatedAt: base.Add(2 * time.Second)})
	insertTestTransaction(t, store, Transaction{PaymentID: "d", Status: StatusFailed, CreatedAt: base.Add(3 * time.Second)})

	open, err := store.ListTransactionsByStatus(ctx, NonTerminalStatuses...)
	if err != nil {
		t.Fatalf("ListTransactionsByStatus() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("ListTransactionsByStatus() returned %d rows, want 2", len(open))
	}
	if open[0].PaymentID != "a" || open[1].PaymentID != "b" {
		t.Errorf("ListTransactionsByStatus() order = [%s %s], want [a b]", open[0].PaymentID, open[1].PaymentID)
	}
}

func TestMemoryStore_ListTransactionsByUser_NewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	insertTestTransaction(t, store, Transaction{UserID: "u1", PaymentID: "old", CreatedAt: base})
	insertTestTransaction(t, store, Transaction{UserID: "u1", PaymentID: "new", CreatedAt: base.Add(time.Minute)})
	insertTestTransaction(t, store, Transaction{UserID: "u2", PaymentID: "other", CreatedAt: base})

	txs, err := store.ListTransactionsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTransactionsByUser() error = %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("ListTransactionsByUser() returned %d rows, want 2", len(txs))
	}
	if txs[0].PaymentID != "new" {
		t.Errorf("ListTransactionsByUser() first = %q, want newest", txs[0].PaymentID)
	}
}

func TestMemoryStore_DeleteTransactions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := insertTestTransaction(t, store, Transaction{PaymentID: "a"})
	b := insertTestTransaction(t, store, Transaction{PaymentID: "b"})

	deleted, err := store.DeleteTransactions(ctx, []string{a.ID, "missing"})
	if err != nil {
		t.Fatalf("DeleteTransactions() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteTransactions() = %d, want 1", deleted)
	}

	remaining, _ := store.ListTransactions(ctx)
	if len(remaining) != 1 || remaining[0].ID != b.ID {
		t.Errorf("remaining rows = %v, want only %q", remaining, b.ID)
	}
}
