package ledger

import (
	"context"

	"github.com/bankstack/backend/internal/models"
)

// TransferRequest moves Amount minor units between two accounts sharing
// Currency. IdempotencyKey is optional; when set, a repeated key returns
// the transaction committed by the first attempt instead of moving money
// twice.
type TransferRequest struct {
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Store is the transactional account ledger. All balance-affecting
// operations on one account are linearizable with respect to each other;
// transfers over disjoint account pairs proceed in parallel.
type Store interface {
	// OpenAccount creates an account for an active principal. A non-zero
	// openingBalance is funded by a committed transfer from the treasury
	// account so that every balance remains the sum of committed postings.
	OpenAccount(ctx context.Context, principalID int64, currency, accountType string, openingBalance int64) (*models.Account, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)

	// AccountsByPrincipal lists the accounts a principal owns.
	AccountsByPrincipal(ctx context.Context, principalID int64) ([]models.Account, error)

	// Transfer atomically applies a debit and a credit and appends one
	// immutable committed transaction, or applies nothing. Precondition
	// failures after the transaction record is cut are retained as FAILED
	// rows for audit.
	Transfer(ctx context.Context, req TransferRequest) (*models.LedgerTransaction, error)

	// Balance returns the current balance in minor units.
	Balance(ctx context.Context, accountID string) (int64, error)

	// History returns up to limit committed transactions affecting the
	// account with sequence > afterSeq, ordered by commit sequence.
	History(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.LedgerTransaction, error)
}

// HistoryCursor walks an account's committed transactions lazily, one
// page at a time, in commit order. The cursor is restartable: Restart
// rewinds it to any sequence position.
type HistoryCursor struct {
	store     Store
	accountID string
	pageSize  int
	afterSeq  int64
	buf       []models.LedgerTransaction
	exhausted bool
}

// NewHistoryCursor starts a cursor at afterSeq (0 for the beginning).
func NewHistoryCursor(store Store, accountID string, afterSeq int64, pageSize int) *HistoryCursor {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &HistoryCursor{
		store:     store,
		accountID: accountID,
		pageSize:  pageSize,
		afterSeq:  afterSeq,
	}
}

// Next returns the next committed transaction, fetching a new page when
// the buffered one is drained. ok is false once the sequence is finished.
func (c *HistoryCursor) Next(ctx context.Context) (tx *models.LedgerTransaction, ok bool, err error) {
	if len(c.buf) == 0 {
		if c.exhausted {
			return nil, false, nil
		}
		page, err := c.store.History(ctx, c.accountID, c.afterSeq, c.pageSize)
		if err != nil {
			return nil, false, err
		}
		if len(page) < c.pageSize {
			c.exhausted = true
		}
		if len(page) == 0 {
			return nil, false, nil
		}
		c.buf = page
	}

	next := c.buf[0]
	c.buf = c.buf[1:]
	c.afterSeq = next.Sequence
	return &next, true, nil
}

// Restart rewinds the cursor to read transactions with sequence > afterSeq.
func (c *HistoryCursor) Restart(afterSeq int64) {
	c.afterSeq = afterSeq
	c.buf = nil
	c.exhausted = false
}
