package models

import "time"

// Principal statuses. Principals are never deleted; disabling keeps
// ledger attribution intact.
const (
	PrincipalStatusActive   = "active"
	PrincipalStatusDisabled = "disabled"
)

// Principal is an authenticated identity capable of owning accounts.
type Principal struct {
	ID             int64      `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	CredentialHash string     `json:"-" db:"credential_hash"`
	Status         string     `json:"status" db:"status"`
	LastLogin      *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

func (p *Principal) Active() bool {
	return p.Status == PrincipalStatusActive
}
