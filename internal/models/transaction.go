package models

import "time"

// Ledger transaction states. pending -> committed or pending -> failed;
// both terminal states are retained for audit.
const (
	TransactionStatusPending   = "PENDING"
	TransactionStatusCommitted = "COMMITTED"
	TransactionStatusFailed    = "FAILED"
)

const (
	EntryTypeDebit  = "DEBIT"
	EntryTypeCredit = "CREDIT"
)

// Posting is one signed amount applied to one account. For every
// committed transaction the posting deltas sum to zero.
type Posting struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"` // minor units, negative for debits
}

// LedgerTransaction is an immutable record of money movement. Committed
// transactions are never updated or deleted; the ledger is append-only.
type LedgerTransaction struct {
	ID             string    `json:"id" db:"id"`
	Sequence       int64     `json:"sequence" db:"sequence"` // commit order
	IdempotencyKey string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Postings       []Posting `json:"postings"`
	Status         string    `json:"status" db:"status"`
	Currency       string    `json:"currency" db:"currency"`
	FailureReason  string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntry is the stored form of a posting, carrying the account's
// running balance immediately after the entry applied.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Amount        int64     `json:"amount" db:"amount"` // minor units
	EntryType     string    `json:"entry_type" db:"entry_type"`
	Balance       int64     `json:"balance" db:"balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
