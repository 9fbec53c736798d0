package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bankstack/backend/internal/ledger"
	"github.com/bankstack/backend/internal/middleware"
	"github.com/bankstack/backend/internal/models"
)

// newAccountRouter mounts the handlers behind a stand-in for the auth
// gateway that stamps the given principal id onto every request.
func newAccountRouter(service *AccountService, principalID int64) *chi.Mux {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := middleware.WithPrincipalID(req.Context(), principalID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Get("/me", service.Me)
	r.Post("/accounts", service.OpenAccount)
	r.Get("/accounts/{accountId}/balance", service.Balance)
	r.Get("/accounts/{accountId}/history", service.History)
	r.Post("/transfers", service.Transfer)
	return r
}

type accountFixture struct {
	service *AccountService
	store   *ledger.MemoryStore
	mock    sqlmock.Sqlmock
	ownerA  *models.Account // principal 1, funded with 1000
	ownerB  *models.Account // principal 2, unfunded
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := ledger.NewMemoryStore()
	store.RegisterPrincipal(1, models.PrincipalStatusActive)
	store.RegisterPrincipal(2, models.PrincipalStatusActive)

	accountA, err := store.OpenAccount(context.Background(), 1, "USD", models.AccountTypeChecking, 1000)
	require.NoError(t, err)
	accountB, err := store.OpenAccount(context.Background(), 2, "USD", models.AccountTypeChecking, 0)
	require.NoError(t, err)

	return &accountFixture{
		service: NewAccountService(db, store, nil, testConfig()),
		store:   store,
		mock:    mock,
		ownerA:  accountA,
		ownerB:  accountB,
	}
}

func (f *accountFixture) do(principalID int64, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	newAccountRouter(f.service, principalID).ServeHTTP(w, r)
	return w
}

func TestAccountService_Transfer(t *testing.T) {
	t.Run("successful transfer", func(t *testing.T) {
		f := newAccountFixture(t)

		w := f.do(1, "POST", "/transfers", TransferRequest{
			FromAccountID: f.ownerA.ID,
			ToAccountID:   f.ownerB.ID,
			Amount:        300,
			Currency:      "USD",
		})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var transaction models.LedgerTransaction
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transaction))
		assert.Equal(t, models.TransactionStatusCommitted, transaction.Status)
		assert.Greater(t, transaction.Sequence, int64(0))
		require.Len(t, transaction.Postings, 2)
		assert.Equal(t, int64(0), transaction.Postings[0].Amount+transaction.Postings[1].Amount)

		fromBalance, err := f.store.Balance(context.Background(), f.ownerA.ID)
		require.NoError(t, err)
		toBalance, err := f.store.Balance(context.Background(), f.ownerB.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(700), fromBalance)
		assert.Equal(t, int64(300), toBalance)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		f := newAccountFixture(t)

		w := f.do(1, "POST", "/transfers", TransferRequest{
			FromAccountID: f.ownerA.ID,
			ToAccountID:   f.ownerB.ID,
			Amount:        5000,
			Currency:      "USD",
		})

		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.False(t, response.Retryable)

		balance, err := f.store.Balance(context.Background(), f.ownerA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("source account not owned by caller", func(t *testing.T) {
		f := newAccountFixture(t)

		w := f.do(2, "POST", "/transfers", TransferRequest{
			FromAccountID: f.ownerA.ID,
			ToAccountID:   f.ownerB.ID,
			Amount:        100,
			Currency:      "USD",
		})

		assert.Equal(t, http.StatusForbidden, w.Code)

		balance, err := f.store.Balance(context.Background(), f.ownerA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("destination account does not exist", func(t *testing.T) {
		f := newAccountFixture(t)

		w := f.do(1, "POST", "/transfers", TransferRequest{
			FromAccountID: f.ownerA.ID,
			ToAccountID:   "no-such-account",
			Amount:        100,
			Currency:      "USD",
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("validation rejects bad payloads before the ledger", func(t *testing.T) {
		f := newAccountFixture(t)

		for name, req := range map[string]TransferRequest{
			"zero amount":      {FromAccountID: f.ownerA.ID, ToAccountID: f.ownerB.ID, Amount: 0, Currency: "USD"},
			"negative amount":  {FromAccountID: f.ownerA.ID, ToAccountID: f.ownerB.ID, Amount: -50, Currency: "USD"},
			"bad currency":     {FromAccountID: f.ownerA.ID, ToAccountID: f.ownerB.ID, Amount: 100, Currency: "DOLLARS"},
			"missing accounts": {Amount: 100, Currency: "USD"},
		} {
			w := f.do(1, "POST", "/transfers", req)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
		}

		balance, err := f.store.Balance(context.Background(), f.ownerA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("idempotent replay returns the original transaction", func(t *testing.T) {
		f := newAccountFixture(t)

		req := TransferRequest{
			FromAccountID:  f.ownerA.ID,
			ToAccountID:    f.ownerB.ID,
			Amount:         250,
			Currency:       "USD",
			IdempotencyKey: "client-key-1",
		}

		first := f.do(1, "POST", "/transfers", req)
		require.Equal(t, http.StatusCreated, first.Code)
		second := f.do(1, "POST", "/transfers", req)
		require.Equal(t, http.StatusCreated, second.Code)

		var tx1, tx2 models.LedgerTransaction
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &tx1))
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &tx2))
		assert.Equal(t, tx1.ID, tx2.ID)
		assert.Equal(t, tx1.Sequence, tx2.Sequence)

		balance, err := f.store.Balance(context.Background(), f.ownerA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(750), balance)
	})
}

func TestAccountService_Balance(t *testing.T) {
	f := newAccountFixture(t)

	t.Run("owner reads balance", func(t *testing.T) {
		w := f.do(1, "GET", "/accounts/"+f.ownerA.ID+"/balance", nil)

		require.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, float64(1000), response["balance"])
		assert.Equal(t, "USD", response["currency"])
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		w := f.do(2, "GET", "/accounts/"+f.ownerA.ID+"/balance", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown account", func(t *testing.T) {
		w := f.do(1, "GET", "/accounts/no-such-account/balance", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAccountService_History(t *testing.T) {
	f := newAccountFixture(t)

	// The opening transfer from the treasury is sequence 1; three more
	// transfers give account A four committed transactions.
	for i := 0; i < 3; i++ {
		w := f.do(1, "POST", "/transfers", TransferRequest{
			FromAccountID: f.ownerA.ID,
			ToAccountID:   f.ownerB.ID,
			Amount:        int64(10 * (i + 1)),
			Currency:      "USD",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	type historyResponse struct {
		Transactions []models.LedgerTransaction `json:"transactions"`
		Count        int                        `json:"count"`
		NextAfter    int64                      `json:"next_after"`
	}

	t.Run("first page", func(t *testing.T) {
		w := f.do(1, "GET", "/accounts/"+f.ownerA.ID+"/history?limit=2", nil)

		require.Equal(t, http.StatusOK, w.Code)
		var response historyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		require.Equal(t, 2, response.Count)
		assert.Less(t, response.Transactions[0].Sequence, response.Transactions[1].Sequence)
		assert.Equal(t, response.Transactions[1].Sequence, response.NextAfter)
	})

	t.Run("resume from cursor", func(t *testing.T) {
		first := f.do(1, "GET", "/accounts/"+f.ownerA.ID+"/history?limit=2", nil)
		var page1 historyResponse
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &page1))

		second := f.do(1, "GET", fmt.Sprintf("/accounts/%s/history?after=%d&limit=10", f.ownerA.ID, page1.NextAfter), nil)
		require.Equal(t, http.StatusOK, second.Code)
		var page2 historyResponse
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &page2))
		require.Equal(t, 2, page2.Count)
		assert.Greater(t, page2.Transactions[0].Sequence, page1.NextAfter)

		for _, tx := range page2.Transactions {
			assert.Equal(t, models.TransactionStatusCommitted, tx.Status)
		}
	})

	t.Run("invalid cursor parameters", func(t *testing.T) {
		w := f.do(1, "GET", "/accounts/"+f.ownerA.ID+"/history?after=abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(1, "GET", "/accounts/"+f.ownerA.ID+"/history?limit=500", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-owner cannot read history", func(t *testing.T) {
		w := f.do(2, "GET", "/accounts/"+f.ownerA.ID+"/history", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAccountService_OpenAccount(t *testing.T) {
	f := newAccountFixture(t)

	t.Run("defaults applied", func(t *testing.T) {
		w := f.do(1, "POST", "/accounts", OpenAccountRequest{})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var account models.Account
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &account))
		assert.Equal(t, int64(1), account.PrincipalID)
		assert.Equal(t, "USD", account.Currency)
		assert.Equal(t, models.AccountTypeChecking, account.Type)
		assert.Equal(t, int64(0), account.Balance)
	})

	t.Run("explicit savings account", func(t *testing.T) {
		w := f.do(1, "POST", "/accounts", OpenAccountRequest{Currency: "EUR", Type: models.AccountTypeSavings})

		require.Equal(t, http.StatusCreated, w.Code)
		var account models.Account
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &account))
		assert.Equal(t, "EUR", account.Currency)
		assert.Equal(t, models.AccountTypeSavings, account.Type)
	})

	t.Run("invalid type rejected", func(t *testing.T) {
		w := f.do(1, "POST", "/accounts", OpenAccountRequest{Type: "offshore"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_Me(t *testing.T) {
	f := newAccountFixture(t)

	f.mock.ExpectQuery("SELECT id, email, status, created_at FROM principals").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "status", "created_at"}).
			AddRow(1, "test@example.com", models.PrincipalStatusActive, time.Now()))

	w := f.do(1, "GET", "/me", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var response struct {
		Principal PrincipalResponse `json:"principal"`
		Accounts  []models.Account  `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Principal.ID)
	assert.Equal(t, "test@example.com", response.Principal.Email)
	require.Len(t, response.Accounts, 1)
	assert.Equal(t, f.ownerA.ID, response.Accounts[0].ID)
}
