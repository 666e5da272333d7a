// Package wallet serves the caller's own balance, history, transfers and
// withdrawal requests. Every mutation goes through the ledger.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/models"
	"github.com/taskearn/backend/internal/respond"
	"github.com/taskearn/backend/internal/validation"
)

var ErrReceiverNotFound = errors.New("receiver not found")

// UserLookup resolves transfer receivers by Telegram id. It returns nil, nil
// when no such user exists.
type UserLookup interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
}

// Ledger is the part of the ledger this package calls.
type Ledger interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (*models.Transfer, error)
	RequestWithdrawal(ctx context.Context, req ledger.WithdrawalRequest) (*models.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error)
}

type Handler struct {
	ledger    Ledger
	users     UserLookup
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(l Ledger, users UserLookup, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, users: users, validator: validator, log: log}
}

var errorRules = []respond.Rule{
	{Err: ErrReceiverNotFound, Status: http.StatusNotFound, Code: "RECEIVER_NOT_FOUND"},
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respond.Error(w, h.log, err, errorRules...)
}

// idempotencyKey prefers the body field and falls back to the
// Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

// GET /api/wallet
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	wallet, err := h.ledger.GetWallet(r.Context(), caller.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, wallet)
}

// GET /api/wallet/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	p := respond.ParsePage(r)
	list, total, err := h.ledger.ListTransactions(r.Context(), caller.UserID, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

type transferRequest struct {
	ReceiverTelegramID int64           `json:"receiverTelegramId"`
	Amount             decimal.Decimal `json:"amount"`
	Note               *string         `json:"note"`
	IdempotencyKey     string          `json:"idempotencyKey"`
}

// POST /api/wallet/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	var req transferRequest
	if err := h.validator.Decode(r, validation.Transfer, &req); err != nil {
		h.fail(w, err)
		return
	}
	receiver, err := h.users.GetByTelegramID(r.Context(), req.ReceiverTelegramID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if receiver == nil {
		h.fail(w, ErrReceiverNotFound)
		return
	}
	t, err := h.ledger.Transfer(r.Context(), ledger.TransferRequest{
		SenderID:   caller.UserID,
		ReceiverID: receiver.ID,
		Amount:     req.Amount,
		Note:       req.Note,
		Key:        idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("transfer completed", "transfer_id", t.ID, "sender_id", caller.UserID, "receiver_id", receiver.ID, "amount", t.Amount)
	respond.JSON(w, http.StatusCreated, t)
}

type withdrawalRequest struct {
	Amount         decimal.Decimal         `json:"amount"`
	Method         models.WithdrawalMethod `json:"method"`
	WalletAddress  string                  `json:"walletAddress"`
	IdempotencyKey string                  `json:"idempotencyKey"`
}

// POST /api/wallet/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	var req withdrawalRequest
	if err := h.validator.Decode(r, validation.WithdrawalRequest, &req); err != nil {
		h.fail(w, err)
		return
	}
	wd, err := h.ledger.RequestWithdrawal(r.Context(), ledger.WithdrawalRequest{
		UserID:        caller.UserID,
		Amount:        req.Amount,
		Method:        req.Method,
		WalletAddress: req.WalletAddress,
		Key:           idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("withdrawal requested", "withdrawal_id", wd.ID, "user_id", caller.UserID, "amount", wd.Amount, "method", wd.Method)
	respond.JSON(w, http.StatusCreated, wd)
}

// GET /api/wallet/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	p := respond.ParsePage(r)
	list, total, err := h.ledger.ListWithdrawals(r.Context(), caller.UserID, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}
