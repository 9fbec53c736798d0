package ledger

import "errors"

// Ledger failures. Unlike authentication failures these are surfaced to
// the caller with enough detail to decide whether a retry makes sense:
// ErrConcurrentModification is retryable, ErrInsufficientFunds is not.
var (
	ErrInvalidAmount          = errors.New("amount must be a positive integer in minor units")
	ErrSameAccount            = errors.New("cannot transfer between an account and itself")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountDisabled        = errors.New("account owner is disabled")
	ErrCurrencyMismatch       = errors.New("currency mismatch")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrConcurrentModification = errors.New("account modified concurrently, retry the transfer")
)

// Retryable reports whether the caller should retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
