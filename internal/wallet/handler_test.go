package wallet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/models"
	"github.com/taskearn/backend/internal/validation"
)

// --- UserLookup mock ---

type mockUsers struct {
	byTelegram map[int64]*models.User
}

func (m *mockUsers) GetByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	return m.byTelegram[telegramID], nil
}

type testEnv struct {
	mux   *http.ServeMux
	store *ledger.MemoryStore
	lg    ledger.Service
	users *mockUsers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	store.CreateWallet(models.PlatformUserID, time.Now().Add(-72*time.Hour))
	l := ledger.NewService(store, ledger.DefaultConfig(), nil, quiet)
	users := &mockUsers{byTelegram: make(map[int64]*models.User)}
	v, err := validation.New()
	require.NoError(t, err)

	h := NewHandler(l, users, v, quiet)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/wallet", h.Get)
	mux.HandleFunc("GET /api/wallet/transactions", h.ListTransactions)
	mux.HandleFunc("POST /api/wallet/transfer", h.Transfer)
	mux.HandleFunc("POST /api/wallet/withdrawals", h.RequestWithdrawal)
	mux.HandleFunc("GET /api/wallet/withdrawals", h.ListWithdrawals)
	return &testEnv{mux: mux, store: store, lg: l, users: users}
}

// user registers a Telegram user with an aged wallet holding balance.
func (e *testEnv) user(t *testing.T, telegramID int64, balance string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	e.users.byTelegram[telegramID] = &models.User{ID: id, TelegramID: telegramID, Role: models.RoleWorker, Status: models.UserStatusActive}
	w := e.store.CreateWallet(id, time.Now().Add(-72*time.Hour))
	if amt := models.MustAmount(balance); amt.IsPositive() {
		_, err := e.lg.Apply(context.Background(), ledger.ApplyRequest{
			WalletID:       w.ID,
			Type:           models.TxDeposit,
			Amount:         amt,
			IdempotencyKey: "seed:" + id.String(),
		})
		require.NoError(t, err)
	}
	return id
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := e.lg.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, caller uuid.UUID, body string, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	req = req.WithContext(middleware.WithIdentity(req.Context(), &middleware.Identity{UserID: caller, Role: models.RoleWorker}))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestGetWallet(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "3.5")

	rec, env := e.do(t, http.MethodGet, "/api/wallet", alice, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var w models.Wallet
	require.NoError(t, json.Unmarshal(env.Data, &w))
	assert.True(t, models.MustAmount("3.5").Equal(w.Balance))

	rec, env = e.do(t, http.MethodGet, "/api/wallet", uuid.New(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestTransfer(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "10")
	bob := e.user(t, 200, "0")

	rec, env := e.do(t, http.MethodPost, "/api/wallet/transfer", alice, `{"receiverTelegramId":200,"amount":2.5,"note":"lunch"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tr models.Transfer
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, bob, tr.ReceiverID)

	assert.True(t, models.MustAmount("7.5").Equal(e.balance(t, alice).Balance))
	assert.True(t, models.MustAmount("2.5").Equal(e.balance(t, bob).Balance))
}

func TestTransfer_IdempotencyHeader(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "10")
	bob := e.user(t, 200, "0")
	header := http.Header{"Idempotency-Key": []string{"tap-1"}}

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		rec, env := e.do(t, http.MethodPost, "/api/wallet/transfer", alice, `{"receiverTelegramId":200,"amount":1}`, header)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var tr models.Transfer
		require.NoError(t, json.Unmarshal(env.Data, &tr))
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.True(t, models.MustAmount("1").Equal(e.balance(t, bob).Balance))
}

func TestTransfer_Errors(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "1")
	e.user(t, 200, "0")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown receiver", `{"receiverTelegramId":999,"amount":1}`, http.StatusNotFound, "RECEIVER_NOT_FOUND"},
		{"self transfer", `{"receiverTelegramId":100,"amount":1}`, http.StatusBadRequest, "SELF_TRANSFER"},
		{"insufficient funds", `{"receiverTelegramId":200,"amount":5}`, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"zero amount", `{"receiverTelegramId":200,"amount":0}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing receiver", `{"amount":1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := e.do(t, http.MethodPost, "/api/wallet/transfer", alice, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
	assert.True(t, models.MustAmount("1").Equal(e.balance(t, alice).Balance))
}

func TestRequestWithdrawal(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "20")

	rec, env := e.do(t, http.MethodPost, "/api/wallet/withdrawals", alice, `{"amount":10,"method":"ton","walletAddress":"UQabc"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wd models.Withdrawal
	require.NoError(t, json.Unmarshal(env.Data, &wd))
	assert.Equal(t, models.WithdrawalPending, wd.Status)
	assert.True(t, models.MustAmount("0.3").Equal(wd.Fee), "fee %s", wd.Fee)
	assert.True(t, models.MustAmount("9.7").Equal(wd.Payout), "payout %s", wd.Payout)
	assert.True(t, models.MustAmount("10").Equal(e.balance(t, alice).Balance))

	rec, env = e.do(t, http.MethodGet, "/api/wallet/withdrawals", alice, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)
}

func TestRequestWithdrawal_OverDailyLimit(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "100")

	rec, env := e.do(t, http.MethodPost, "/api/wallet/withdrawals", alice, `{"amount":60,"method":"manual","walletAddress":"card"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "WITHDRAWAL_LIMIT", env.Error.Code)

	rec, env = e.do(t, http.MethodPost, "/api/wallet/withdrawals", alice, `{"amount":5,"method":"paypal","walletAddress":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestListTransactions(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user(t, 100, "10")
	e.user(t, 200, "0")
	_, _ = e.do(t, http.MethodPost, "/api/wallet/transfer", alice, `{"receiverTelegramId":200,"amount":1}`, nil)

	rec, env := e.do(t, http.MethodGet, "/api/wallet/transactions?limit=1", alice, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items      []models.Transaction `json:"items"`
		Total      int                  `json:"total"`
		TotalPages int                  `json:"totalPages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 1)
}
