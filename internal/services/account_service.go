package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bankstack/backend/internal/config"
	"github.com/bankstack/backend/internal/events"
	"github.com/bankstack/backend/internal/ledger"
	"github.com/bankstack/backend/internal/middleware"
	"github.com/bankstack/backend/internal/models"
)

// AccountService fronts the ledger. Every handler runs behind the auth
// gateway; ownership of the operated account is confirmed against the
// authenticated principal before any ledger call, so no mutation path
// bypasses the check.
type AccountService struct {
	db        *sql.DB
	ledger    ledger.Store
	publisher events.Publisher
	cfg       *config.Config
	validator *ValidationHelper
}

// TransferRequest represents the transfer request payload
type TransferRequest struct {
	FromAccountID  string `json:"fromAccountId" validate:"required"`
	ToAccountID    string `json:"toAccountId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"omitempty,max=64"`
}

// OpenAccountRequest represents the account opening payload
type OpenAccountRequest struct {
	Currency string `json:"currency" validate:"omitempty,len=3"`
	Type     string `json:"type" validate:"omitempty,oneof=checking savings"`
}

func NewAccountService(db *sql.DB, ledgerStore ledger.Store, publisher events.Publisher, cfg *config.Config) *AccountService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &AccountService{
		db:        db,
		ledger:    ledgerStore,
		publisher: publisher,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// Me returns the authenticated principal and the accounts it owns.
func (s *AccountService) Me(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var principal models.Principal
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id, email, status, created_at FROM principals WHERE id = $1`, principalID).
		Scan(&principal.ID, &principal.Email, &principal.Status, &principal.CreatedAt)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch principal %d: %v", principalID, err)
		SendErrorResponse(w, "Failed to fetch principal", http.StatusInternalServerError, nil)
		return
	}

	accounts, err := s.ledger.AccountsByPrincipal(r.Context(), principalID)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts for principal %d: %v", principalID, err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"principal": PrincipalResponse{ID: principal.ID, Email: principal.Email},
		"accounts":  accounts,
	})
}

// OpenAccount opens an additional, unfunded account for the caller.
func (s *AccountService) OpenAccount(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	req, ok := decodeJSON[OpenAccountRequest](w, r, s.validator)
	if !ok {
		return
	}
	if req.Currency == "" {
		req.Currency = s.cfg.DefaultCurrency
	}
	if req.Type == "" {
		req.Type = models.AccountTypeChecking
	}

	account, err := s.ledger.OpenAccount(r.Context(), principalID, req.Currency, req.Type, 0)
	if err != nil {
		log.Printf("[ACCOUNT] Account opening failed for principal %d: %v", principalID, err)
		SendLedgerError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Account %s opened for principal %d", account.ID, principalID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// Balance returns the current balance of an account the caller owns.
func (s *AccountService) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, ok := s.requireOwnership(w, r, accountID)
	if !ok {
		return
	}

	balance, err := s.ledger.Balance(r.Context(), account.ID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id": account.ID,
		"balance":    balance,
		"currency":   account.Currency,
	})
}

// History streams committed transactions affecting an account the caller
// owns, in commit order, one bounded page per request. The `after`
// cursor makes the sequence restartable from any position.
func (s *AccountService) History(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, ok := s.requireOwnership(w, r, accountID)
	if !ok {
		return
	}

	afterSeq := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			SendErrorResponse(w, "Invalid after cursor", http.StatusBadRequest, nil)
			return
		}
		afterSeq = parsed
	}

	limit := s.cfg.HistoryPageSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 100 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	cursor := ledger.NewHistoryCursor(s.ledger, account.ID, afterSeq, limit)
	transactions := []models.LedgerTransaction{}
	nextAfter := afterSeq
	for len(transactions) < limit {
		tx, ok, err := cursor.Next(r.Context())
		if err != nil {
			log.Printf("[ACCOUNT] History fetch failed for account %s: %v", account.ID, err)
			SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
			return
		}
		if !ok {
			break
		}
		transactions = append(transactions, *tx)
		nextAfter = tx.Sequence
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id":   account.ID,
		"transactions": transactions,
		"count":        len(transactions),
		"next_after":   nextAfter,
	})
}

// Transfer moves money from an account the caller owns to another
// account in the same currency.
func (s *AccountService) Transfer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TransferRequest](w, r, s.validator)
	if !ok {
		return
	}

	if _, ok := s.requireOwnership(w, r, req.FromAccountID); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TransferTimeout)
	defer cancel()

	transaction, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		log.Printf("[ACCOUNT] Transfer failed %s -> %s: %v", req.FromAccountID, req.ToAccountID, err)
		SendLedgerError(w, err)
		return
	}

	go s.publishTransfer(transaction)

	log.Printf("[ACCOUNT] Transfer committed: %s (seq %d)", transaction.ID, transaction.Sequence)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(transaction)
}

// requireOwnership confirms the account exists and that its owning
// principal is the token's subject. It writes the error response itself
// when the check fails.
func (s *AccountService) requireOwnership(w http.ResponseWriter, r *http.Request, accountID string) (*models.Account, bool) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}

	account, err := s.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return nil, false
	}

	if account.PrincipalID != principalID {
		log.Printf("[ACCOUNT] Principal %d denied access to account %s", principalID, accountID)
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return nil, false
	}

	return account, true
}

func (s *AccountService) publishTransfer(transaction *models.LedgerTransaction) {
	err := s.publisher.PublishTransferCompleted(context.Background(), events.TransferCompleted{
		TransactionID: transaction.ID,
		Sequence:      transaction.Sequence,
		Currency:      transaction.Currency,
		Postings:      transaction.Postings,
		CommittedAt:   transaction.CreatedAt,
	})
	if err != nil {
		log.Printf("[ACCOUNT] Failed to publish transfer event for %s: %v", transaction.ID, err)
	}
}
