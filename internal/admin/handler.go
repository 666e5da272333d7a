// Package admin serves /api/admin. Every route is mounted behind
// middleware.RequireCapability(models.CapAdmin).
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/models"
	"github.com/taskearn/backend/internal/respond"
	"github.com/taskearn/backend/internal/tasks"
	"github.com/taskearn/backend/internal/validation"
)

// Store is the admin read model and user updates.
type Store interface {
	Stats(ctx context.Context) (*Stats, error)
	ListUsers(ctx context.Context, search string, limit, offset int) ([]*UserSummary, int, error)
	GetUser(ctx context.Context, id uuid.UUID) (*UserSummary, error)
	UpdateUser(ctx context.Context, id uuid.UUID, u UserUpdate) (*UserSummary, error)
	ListWithdrawals(ctx context.Context, status models.WithdrawalStatus, limit, offset int) ([]*models.Withdrawal, int, error)
}

// Ledger is the part of the ledger admins drive directly.
type Ledger interface {
	Apply(ctx context.Context, req ledger.ApplyRequest) (*models.Transaction, error)
	Reverse(ctx context.Context, txID uuid.UUID, key, reason string) (*models.Transaction, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	TransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]*models.Transaction, error)
	ReviewWithdrawal(ctx context.Context, id, adminID uuid.UUID, approve bool, notes *string) (*models.Withdrawal, error)
	StartPayout(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id uuid.UUID, txHash string) (*models.Withdrawal, error)
}

// TaskReviewer is the task moderation the admin panel performs.
type TaskReviewer interface {
	ListPendingApproval(ctx context.Context, limit, offset int) ([]*models.Task, int, error)
	Review(ctx context.Context, taskID uuid.UUID, approve bool, notes *string) (*models.Task, error)
}

type Handler struct {
	store     Store
	ledger    Ledger
	tasks     TaskReviewer
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(store Store, l Ledger, t TaskReviewer, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, ledger: l, tasks: t, validator: validator, log: log}
}

var errorRules = append([]respond.Rule{
	{Err: ErrUserNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
}, tasks.ErrorRules()...)

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respond.Error(w, h.log, err, errorRules...)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respond.Fail(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/admin/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, s)
}

// GET /api/admin/users?search=
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	p := respond.ParsePage(r)
	list, total, err := h.store.ListUsers(r.Context(), r.URL.Query().Get("search"), p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

// PATCH /api/admin/users/{id}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UserUpdate
	if err := h.validator.Decode(r, validation.AdminUserUpdate, &req); err != nil {
		h.fail(w, err)
		return
	}
	u, err := h.store.UpdateUser(r.Context(), id, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	h.log.Info("user updated", "user_id", id, "admin_id", caller.UserID, "status", u.Status, "role", u.Role)
	respond.JSON(w, http.StatusOK, u)
}

type adjustRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// POST /api/admin/users/{id}/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := h.validator.Decode(r, validation.BalanceAdjustment, &req); err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	h.apply(w, r, id, ledger.ApplyRequest{
		Type:          models.TxAdminAdjustment,
		Amount:        req.Amount,
		ReferenceID:   caller.UserID.String(),
		ReferenceType: models.RefAdmin,
		Description:   req.Reason,
	})
}

type depositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// POST /api/admin/users/{id}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := h.validator.Decode(r, validation.Deposit, &req); err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	h.apply(w, r, id, ledger.ApplyRequest{
		Type:          models.TxDeposit,
		Amount:        req.Amount,
		ReferenceID:   req.Reference,
		ReferenceType: models.RefAdmin,
		Description:   "Deposit credited by admin " + caller.UserID.String(),
	})
}

// apply posts req against the user's wallet. The Idempotency-Key header makes
// retries safe; without it every call is a new posting.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, userID uuid.UUID, req ledger.ApplyRequest) {
	wallet, err := h.ledger.GetWallet(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = uuid.NewString()
	}
	req.WalletID = wallet.ID
	req.IdempotencyKey = "admin:" + string(req.Type) + ":" + userID.String() + ":" + key
	tx, err := h.ledger.Apply(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	h.log.Info("admin posting applied", "type", req.Type, "user_id", userID, "admin_id", caller.UserID, "amount", req.Amount, "transaction_id", tx.ID)
	respond.JSON(w, http.StatusCreated, tx)
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

// POST /api/admin/transactions/{id}/reverse
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if err := h.validator.Decode(r, validation.Reversal, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.ledger.Reverse(r.Context(), id, "admin:reverse:"+id.String(), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	h.log.Info("transaction reversed", "transaction_id", id, "reversal_id", tx.ID, "admin_id", caller.UserID)
	respond.JSON(w, http.StatusCreated, tx)
}

// GET /api/admin/ledger?referenceType=&referenceId=
func (h *Handler) LedgerByReference(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refType, refID := q.Get("referenceType"), q.Get("referenceId")
	if refType == "" || refID == "" {
		respond.Fail(w, http.StatusBadRequest, "VALIDATION_ERROR", "referenceType and referenceId are required")
		return
	}
	txs, err := h.ledger.TransactionsByReference(r.Context(), refType, refID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	respond.JSON(w, http.StatusOK, txs)
}

// GET /api/admin/tasks/pending
func (h *Handler) PendingTasks(w http.ResponseWriter, r *http.Request) {
	p := respond.ParsePage(r)
	list, total, err := h.tasks.ListPendingApproval(r.Context(), p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

type reviewRequest struct {
	Status          string  `json:"status"`
	AdminNotes      *string `json:"adminNotes"`
	TransactionHash *string `json:"transactionHash"`
}

// POST /api/admin/tasks/{id}/review
func (h *Handler) ReviewTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := h.validator.Decode(r, validation.AdminTaskReview, &req); err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.tasks.Review(r.Context(), id, req.Status == string(models.TaskActive), req.AdminNotes)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t)
}

// GET /api/admin/withdrawals?status=pending
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := models.WithdrawalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.WithdrawalPending
	}
	p := respond.ParsePage(r)
	list, total, err := h.store.ListWithdrawals(r.Context(), status, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

// POST /api/admin/withdrawals/{id}/review
//
// Approving with a transactionHash completes the payout in the same call.
func (h *Handler) ReviewWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := h.validator.Decode(r, validation.AdminWithdrawalReview, &req); err != nil {
		h.fail(w, err)
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	approve := req.Status == string(models.WithdrawalApproved)
	wd, err := h.ledger.ReviewWithdrawal(r.Context(), id, caller.UserID, approve, req.AdminNotes)
	if err != nil {
		h.fail(w, err)
		return
	}
	if approve && req.TransactionHash != nil && *req.TransactionHash != "" {
		wd, err = h.ledger.CompleteWithdrawal(r.Context(), id, *req.TransactionHash)
		if err != nil {
			h.fail(w, err)
			return
		}
	}
	h.log.Info("withdrawal reviewed", "withdrawal_id", id, "admin_id", caller.UserID, "status", wd.Status)
	respond.JSON(w, http.StatusOK, wd)
}

// POST /api/admin/withdrawals/{id}/processing
func (h *Handler) StartPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wd, err := h.ledger.StartPayout(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, wd)
}

type completeRequest struct {
	TransactionHash string `json:"transactionHash"`
}

// POST /api/admin/withdrawals/{id}/complete
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := h.validator.Decode(r, validation.WithdrawalComplete, &req); err != nil {
		h.fail(w, err)
		return
	}
	wd, err := h.ledger.CompleteWithdrawal(r.Context(), id, req.TransactionHash)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("withdrawal completed", "withdrawal_id", id, "payout", wd.Payout)
	respond.JSON(w, http.StatusOK, wd)
}
