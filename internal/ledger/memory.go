package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bankstack/backend/internal/models"
)

// systemPrincipalID owns the treasury account in the in-memory backend.
const systemPrincipalID int64 = 0

// MemoryStore is an in-process ledger with the same semantics as the
// relational one. Each account has its own mutex; transfers take both
// locks in ascending account-id order, so transfers over disjoint pairs
// run in parallel while transfers sharing an account serialize.
// Account lock waits are not deadline-bounded; the relational engine
// bounds them through the query context. Used by tests and as a
// database-free development backend.
type MemoryStore struct {
	treasuryAccount string

	mu            sync.Mutex // guards the maps, the log, and seq
	accountMu     map[string]*sync.Mutex
	accounts      map[string]*models.Account
	principals    map[int64]string // principal id -> status
	transactions  []models.LedgerTransaction
	byIdempotency map[string]int // idempotency key -> index into transactions
	seq           int64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		treasuryAccount: "0000000001",
		accountMu:       make(map[string]*sync.Mutex),
		accounts:        make(map[string]*models.Account),
		principals:      make(map[int64]string),
		byIdempotency:   make(map[string]int),
	}
	s.principals[systemPrincipalID] = models.PrincipalStatusActive
	s.accounts[s.treasuryAccount] = &models.Account{
		ID:               s.treasuryAccount,
		PrincipalID:      systemPrincipalID,
		Type:             models.AccountTypeChecking,
		Currency:         "USD",
		Version:          1,
		OverdraftAllowed: true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	s.accountMu[s.treasuryAccount] = &sync.Mutex{}
	return s
}

// TreasuryAccount returns the id of the overdraft-permitted system
// account that funds opening balances.
func (s *MemoryStore) TreasuryAccount() string {
	return s.treasuryAccount
}

// RegisterPrincipal records a principal's status so ownership checks can
// run without the credential store.
func (s *MemoryStore) RegisterPrincipal(principalID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[principalID] = status
}

// SetTreasuryCurrency aligns the treasury account's currency with the
// deployment default so opening transfers pass the currency check.
func (s *MemoryStore) SetTreasuryCurrency(currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[s.treasuryAccount].Currency = currency
}

func (s *MemoryStore) OpenAccount(ctx context.Context, principalID int64, currency, accountType string, openingBalance int64) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	status, ok := s.principals[principalID]
	if !ok || status != models.PrincipalStatusActive {
		s.mu.Unlock()
		return nil, ErrAccountDisabled
	}
	account := &models.Account{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Type:        accountType,
		Currency:    currency,
		Version:     1,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.accounts[account.ID] = account
	s.accountMu[account.ID] = &sync.Mutex{}
	s.mu.Unlock()

	if openingBalance > 0 {
		if _, err := s.Transfer(ctx, TransferRequest{
			FromAccountID:  s.treasuryAccount,
			ToAccountID:    account.ID,
			Amount:         openingBalance,
			Currency:       currency,
			IdempotencyKey: "open:" + account.ID,
		}); err != nil {
			return nil, err
		}
	}

	return s.GetAccount(ctx, account.ID)
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	account, ok := s.accounts[accountID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	lock := s.lockFor(accountID)
	lock.Lock()
	copied := *account
	lock.Unlock()
	return &copied, nil
}

func (s *MemoryStore) AccountsByPrincipal(ctx context.Context, principalID int64) ([]models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var ids []string
	for id, account := range s.accounts {
		if account.PrincipalID == principalID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var accounts []models.Account
	for _, id := range ids {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			continue
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (s *MemoryStore) Transfer(ctx context.Context, req TransferRequest) (*models.LedgerTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if req.IdempotencyKey != "" {
		if i, ok := s.byIdempotency[req.IdempotencyKey]; ok {
			existing := s.copyTransaction(i)
			s.mu.Unlock()
			return existing, nil
		}
	}
	fromAccount, fromOK := s.accounts[req.FromAccountID]
	toAccount, toOK := s.accounts[req.ToAccountID]
	if !fromOK || !toOK {
		s.mu.Unlock()
		return nil, ErrAccountNotFound
	}
	fromStatus := s.principals[fromAccount.PrincipalID]
	toStatus := s.principals[toAccount.PrincipalID]
	fromLock := s.lockForLocked(req.FromAccountID)
	toLock := s.lockForLocked(req.ToAccountID)
	s.mu.Unlock()

	// Ascending id order, same discipline as the relational engine.
	if req.FromAccountID < req.ToAccountID {
		fromLock.Lock()
		toLock.Lock()
	} else {
		toLock.Lock()
		fromLock.Lock()
	}
	defer fromLock.Unlock()
	defer toLock.Unlock()

	if fromStatus != models.PrincipalStatusActive || toStatus != models.PrincipalStatusActive {
		return nil, s.fail(req, ErrAccountDisabled)
	}
	if fromAccount.Currency != req.Currency || toAccount.Currency != req.Currency {
		return nil, s.fail(req, ErrCurrencyMismatch)
	}
	if !fromAccount.OverdraftAllowed && fromAccount.Balance < req.Amount {
		return nil, s.fail(req, ErrInsufficientFunds)
	}
	if err := ctx.Err(); err != nil {
		// Cancellation races the commit point: nothing applied yet, so
		// the transfer simply never happened.
		return nil, err
	}

	s.mu.Lock()
	if req.IdempotencyKey != "" {
		// A transfer sharing the key may have committed while we waited on
		// the account locks; the early check only covers the fast path.
		if i, ok := s.byIdempotency[req.IdempotencyKey]; ok {
			existing := s.copyTransaction(i)
			s.mu.Unlock()
			return existing, nil
		}
	}

	fromAccount.Balance -= req.Amount
	fromAccount.Version++
	fromAccount.UpdatedAt = time.Now()
	toAccount.Balance += req.Amount
	toAccount.Version++
	toAccount.UpdatedAt = time.Now()

	s.seq++
	transaction := models.LedgerTransaction{
		ID:             uuid.NewString(),
		Sequence:       s.seq,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.TransactionStatusCommitted,
		Currency:       req.Currency,
		CreatedAt:      time.Now(),
		Postings: []models.Posting{
			{AccountID: req.FromAccountID, Amount: -req.Amount},
			{AccountID: req.ToAccountID, Amount: req.Amount},
		},
	}
	s.transactions = append(s.transactions, transaction)
	if req.IdempotencyKey != "" {
		s.byIdempotency[req.IdempotencyKey] = len(s.transactions) - 1
	}
	s.mu.Unlock()

	copied := transaction
	copied.Postings = append([]models.Posting(nil), transaction.Postings...)
	return &copied, nil
}

func (s *MemoryStore) Balance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *MemoryStore) History(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var page []models.LedgerTransaction
	for i := range s.transactions {
		tx := &s.transactions[i]
		if tx.Status != models.TransactionStatusCommitted || tx.Sequence <= afterSeq {
			continue
		}
		if !affects(tx, accountID) {
			continue
		}
		page = append(page, *s.copyTransaction(i))
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// fail appends a FAILED audit record and returns cause.
func (s *MemoryStore) fail(req TransferRequest, cause error) error {
	s.mu.Lock()
	s.transactions = append(s.transactions, models.LedgerTransaction{
		ID:            uuid.NewString(),
		Status:        models.TransactionStatusFailed,
		Currency:      req.Currency,
		FailureReason: cause.Error(),
		CreatedAt:     time.Now(),
	})
	s.mu.Unlock()
	return cause
}

func (s *MemoryStore) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockForLocked(accountID)
}

// lockForLocked requires s.mu to be held.
func (s *MemoryStore) lockForLocked(accountID string) *sync.Mutex {
	if _, ok := s.accountMu[accountID]; !ok {
		s.accountMu[accountID] = &sync.Mutex{}
	}
	return s.accountMu[accountID]
}

// copyTransaction requires s.mu to be held.
func (s *MemoryStore) copyTransaction(i int) *models.LedgerTransaction {
	copied := s.transactions[i]
	copied.Postings = append([]models.Posting(nil), s.transactions[i].Postings...)
	return &copied
}

func affects(tx *models.LedgerTransaction, accountID string) bool {
	for _, posting := range tx.Postings {
		if posting.AccountID == accountID {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
