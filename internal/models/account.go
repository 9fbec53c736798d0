package models

import "time"

const (
	AccountTypeChecking = "checking"
	AccountTypeSavings  = "savings"
)

// Account holds a balance in integer minor units. The balance is a
// denormalized view of the committed ledger entries and is only ever
// written inside the same database transaction that appends them.
type Account struct {
	ID               string    `json:"id" db:"id"`
	PrincipalID      int64     `json:"principal_id" db:"principal_id"`
	Type             string    `json:"type" db:"type"`
	Currency         string    `json:"currency" db:"currency"`
	Balance          int64     `json:"balance" db:"balance"`
	Version          int       `json:"version" db:"version"` // optimistic locking
	OverdraftAllowed bool      `json:"overdraft_allowed" db:"overdraft_allowed"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
