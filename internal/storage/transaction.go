package storage

import (
	"time"
)

// Status is the lifecycle state of a credit purchase transaction.
type Status string

const (
	// StatusNew means the invoice was created and is awaiting payment.
	StatusNew Status = "new"
	// StatusPending means the provider observed an incoming payment and is
	// awaiting confirmations.
	StatusPending Status = "pending"
	// StatusCompleted is the terminal success state. Entering it grants credits.
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal failure state.
	StatusFailed Status = "failed"
	// StatusExpired means the invoice deadline passed with no completion.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// NonTerminalStatuses is the set swept by the reconciliation poller.
var NonTerminalStatuses = []Status{StatusNew, StatusPending}

// NormalizeStatus maps a raw provider status string onto the internal state
// machine. Provider-side "cancelled", "error", and "mismatch" are variants of
// failure. Unknown values map to pending so a garbled upstream message can
// never terminate a transaction; the next sweep re-checks it.
func NormalizeStatus(raw string) Status {
	switch Status(raw) {
	case StatusNew, StatusPending, StatusCompleted, StatusFailed, StatusExpired:
		return Status(raw)
	}
	switch raw {
	case "cancelled", "error", "mismatch":
		return StatusFailed
	}
	return StatusPending
}

// Transaction is one credit purchase attempt.
//
// PaymentID is the provider-assigned invoice id and, once set, the correlation
// key for every inbound callback and poller lookup. OrderNumber is the
// caller-assigned idempotency key used only to collapse client-retry
// duplicates.
type Transaction struct {
	ID                string    // store-assigned, opaque
	UserID            string    // owning user
	OrderNumber       string    // caller-assigned, human-correlatable
	Amount            string    // source-currency decimal
	Credits           int64     // credits granted on success
	Status            Status
	PaymentID         string    // provider invoice id, empty until assigned
	InvoiceURL        string
	CryptoAmount      string
	CryptoCurrency    string
	ExchangeRate      string
	QRCode            string
	InvoiceCommission string
	InvoiceTotalSum   string
	ExpiresAt         time.Time // zero when the provider gave no deadline
	CreditsGranted    bool      // compare-and-set gate for the credit grant
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StatusUpdate carries the provider-observed fields folded into a transaction
// by callbacks and poller sweeps.
type StatusUpdate struct {
	Status         Status
	CryptoAmount   string
	CryptoCurrency string
	ExchangeRate   string
}

// ApplyResult reports what an ApplyStatus call actually changed.
type ApplyResult struct {
	// Changed is true when the stored status moved to a new value.
	Changed bool
	// CreditsGranted is true when this call flipped the grant gate and
	// incremented the user balance. At most one ApplyStatus call per
	// transaction ever reports true, regardless of delivery count or races.
	CreditsGranted bool
	// Credits and UserID identify the grant when CreditsGranted is true.
	Credits int64
	UserID  string
}
