package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bankstack/backend/internal/models"
)

// PostgresStore keeps the transaction log and the denormalized balances
// in one relational store. A transfer locks both account rows FOR UPDATE
// in ascending id order, so the no-overdraft check always sees a balance
// reflecting every previously committed transaction, and two opposed
// transfers between the same pair cannot deadlock.
type PostgresStore struct {
	db              *sql.DB
	treasuryAccount string
}

func NewPostgresStore(db *sql.DB, treasuryAccount string) *PostgresStore {
	if treasuryAccount == "" {
		treasuryAccount = "0000000001"
	}
	return &PostgresStore{
		db:              db,
		treasuryAccount: treasuryAccount,
	}
}

// TreasuryAccount returns the id of the overdraft-permitted system
// account that funds opening balances.
func (s *PostgresStore) TreasuryAccount() string {
	return s.treasuryAccount
}

type lockedAccount struct {
	ID               string
	PrincipalID      int64
	Currency         string
	Balance          int64
	Version          int
	OverdraftAllowed bool
	OwnerStatus      string
}

func (s *PostgresStore) OpenAccount(ctx context.Context, principalID int64, currency, accountType string, openingBalance int64) (*models.Account, error) {
	var ownerStatus string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM principals WHERE id = $1`, principalID).Scan(&ownerStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("principal %d not found", principalID)
		}
		return nil, err
	}
	if ownerStatus != models.PrincipalStatusActive {
		return nil, ErrAccountDisabled
	}

	account := &models.Account{
		PrincipalID: principalID,
		Type:        accountType,
		Currency:    currency,
		Balance:     0,
		Version:     1,
	}

	// Account ids can collide; retry a few times on the unique constraint.
	for attempt := 0; attempt < 3; attempt++ {
		account.ID = generateAccountID()
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO accounts (id, principal_id, type, currency, balance, version, overdraft_allowed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 1, FALSE, NOW(), NOW())
			RETURNING created_at, updated_at`,
			account.ID, principalID, accountType, currency).Scan(&account.CreatedAt, &account.UpdatedAt)
		if isUniqueViolation(err) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if openingBalance > 0 {
		_, err = s.Transfer(ctx, TransferRequest{
			FromAccountID:  s.treasuryAccount,
			ToAccountID:    account.ID,
			Amount:         openingBalance,
			Currency:       currency,
			IdempotencyKey: "open:" + account.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("funding opening balance: %w", err)
		}
		account.Balance = openingBalance
		account.Version = 2
	}

	return account, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, type, currency, balance, version, overdraft_allowed, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID).
		Scan(&account.ID, &account.PrincipalID, &account.Type, &account.Currency,
			&account.Balance, &account.Version, &account.OverdraftAllowed,
			&account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) AccountsByPrincipal(ctx context.Context, principalID int64) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, type, currency, balance, version, overdraft_allowed, created_at, updated_at
		FROM accounts WHERE principal_id = $1 ORDER BY created_at`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(&account.ID, &account.PrincipalID, &account.Type, &account.Currency,
			&account.Balance, &account.Version, &account.OverdraftAllowed,
			&account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) Transfer(ctx context.Context, req TransferRequest) (*models.LedgerTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	transaction, err := s.transfer(ctx, req)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost an idempotency race; the winner's transaction is the result.
			if existing, ferr := s.findByIdempotencyKey(ctx, req.IdempotencyKey); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		s.recordFailure(ctx, req, err)
		return nil, err
	}
	return transaction, nil
}

func (s *PostgresStore) transfer(ctx context.Context, req TransferRequest) (*models.LedgerTransaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	// Lock accounts in ascending id order to prevent deadlocks.
	firstLock, secondLock := req.FromAccountID, req.ToAccountID
	if req.FromAccountID > req.ToAccountID {
		firstLock, secondLock = req.ToAccountID, req.FromAccountID
	}

	fromAccount, err := s.lockAccount(ctx, dbTx, firstLock)
	if err != nil {
		return nil, err
	}
	toAccount, err := s.lockAccount(ctx, dbTx, secondLock)
	if err != nil {
		return nil, err
	}
	if firstLock != req.FromAccountID {
		fromAccount, toAccount = toAccount, fromAccount
	}

	if fromAccount.OwnerStatus != models.PrincipalStatusActive || toAccount.OwnerStatus != models.PrincipalStatusActive {
		return nil, ErrAccountDisabled
	}
	if fromAccount.Currency != req.Currency || toAccount.Currency != req.Currency {
		return nil, ErrCurrencyMismatch
	}
	if !fromAccount.OverdraftAllowed && fromAccount.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	transaction := &models.LedgerTransaction{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.TransactionStatusPending,
		Currency:       req.Currency,
		Postings: []models.Posting{
			{AccountID: fromAccount.ID, Amount: -req.Amount},
			{AccountID: toAccount.ID, Amount: req.Amount},
		},
	}

	err = dbTx.QueryRowContext(ctx,
		`INSERT INTO transactions (id, idempotency_key, status, currency, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING sequence, created_at`,
		transaction.ID, nullable(req.IdempotencyKey), models.TransactionStatusPending, req.Currency).
		Scan(&transaction.Sequence, &transaction.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := s.createLedgerEntry(ctx, dbTx, transaction.ID, fromAccount.ID, -req.Amount, models.EntryTypeDebit, fromAccount.Balance-req.Amount); err != nil {
		return nil, err
	}
	if err := s.createLedgerEntry(ctx, dbTx, transaction.ID, toAccount.ID, req.Amount, models.EntryTypeCredit, toAccount.Balance+req.Amount); err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(ctx, dbTx, fromAccount.ID, fromAccount.Balance-req.Amount, fromAccount.Version); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalance(ctx, dbTx, toAccount.ID, toAccount.Balance+req.Amount, toAccount.Version); err != nil {
		return nil, err
	}

	if _, err := dbTx.ExecContext(ctx,
		`UPDATE transactions SET status = $1 WHERE id = $2`,
		models.TransactionStatusCommitted, transaction.ID); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	transaction.Status = models.TransactionStatusCommitted
	return transaction, nil
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) History(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.sequence, t.status, t.currency, t.created_at
		FROM transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE e.account_id = $1 AND t.status = $2 AND t.sequence > $3
		ORDER BY t.sequence
		LIMIT $4`,
		accountID, models.TransactionStatusCommitted, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []models.LedgerTransaction
	var ids []string
	index := make(map[string]int)
	for rows.Next() {
		var tx models.LedgerTransaction
		if err := rows.Scan(&tx.ID, &tx.Sequence, &tx.Status, &tx.Currency, &tx.CreatedAt); err != nil {
			return nil, err
		}
		index[tx.ID] = len(transactions)
		transactions = append(transactions, tx)
		ids = append(ids, tx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(transactions) == 0 {
		return nil, nil
	}

	entryRows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, account_id, amount
		FROM ledger_entries
		WHERE transaction_id = ANY($1)
		ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var txID string
		var posting models.Posting
		if err := entryRows.Scan(&txID, &posting.AccountID, &posting.Amount); err != nil {
			return nil, err
		}
		if i, ok := index[txID]; ok {
			transactions[i].Postings = append(transactions[i].Postings, posting)
		}
	}
	return transactions, entryRows.Err()
}

func (s *PostgresStore) lockAccount(ctx context.Context, dbTx *sql.Tx, accountID string) (*lockedAccount, error) {
	var account lockedAccount
	err := dbTx.QueryRowContext(ctx,
		`SELECT a.id, a.principal_id, a.currency, a.balance, a.version, a.overdraft_allowed, p.status
		FROM accounts a
		JOIN principals p ON p.id = a.principal_id
		WHERE a.id = $1
		FOR UPDATE OF a`, accountID).
		Scan(&account.ID, &account.PrincipalID, &account.Currency, &account.Balance,
			&account.Version, &account.OverdraftAllowed, &account.OwnerStatus)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) createLedgerEntry(ctx context.Context, dbTx *sql.Tx, transactionID, accountID string, amount int64, entryType string, balance int64) error {
	_, err := dbTx.ExecContext(ctx,
		`INSERT INTO ledger_entries (transaction_id, account_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		transactionID, accountID, amount, entryType, balance)
	return err
}

func (s *PostgresStore) updateAccountBalance(ctx context.Context, dbTx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := dbTx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, version = version + 1, updated_at = NOW() WHERE id = $2 AND version = $3`,
		newBalance, accountID, version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrConcurrentModification, accountID)
	}
	return nil
}

func (s *PostgresStore) findByIdempotencyKey(ctx context.Context, key string) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, status, currency, created_at
		FROM transactions WHERE idempotency_key = $1 AND status = $2`,
		key, models.TransactionStatusCommitted).
		Scan(&tx.ID, &tx.Sequence, &tx.Status, &tx.Currency, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	tx.IdempotencyKey = key

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, amount FROM ledger_entries WHERE transaction_id = $1 ORDER BY id`, tx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var posting models.Posting
		if err := rows.Scan(&posting.AccountID, &posting.Amount); err != nil {
			return nil, err
		}
		tx.Postings = append(tx.Postings, posting)
	}
	return &tx, rows.Err()
}

// recordFailure retains a FAILED transaction row for audit after the
// money movement rolled back. Best effort: the failure itself is already
// on its way to the caller.
func (s *PostgresStore) recordFailure(ctx context.Context, req TransferRequest, cause error) {
	switch cause {
	case ErrAccountNotFound, ErrInvalidAmount, ErrSameAccount:
		// Nothing to audit: no postings were conceivable.
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, status, currency, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.NewString(), models.TransactionStatusFailed, req.Currency, cause.Error())
	if err != nil {
		log.Printf("[LEDGER] Failed to record failed transaction: %v", err)
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func generateAccountID() string {
	const digits = "0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = digits[rand.Intn(len(digits))]
	}
	return string(b)
}

var _ Store = (*PostgresStore)(nil)
