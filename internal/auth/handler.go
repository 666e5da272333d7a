package auth

import (
	"log/slog"
	"net/http"

	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/respond"
	"github.com/taskearn/backend/internal/validation"
)

type TelegramLoginRequest struct {
	InitData     string `json:"initData"`
	ReferralCode string `json:"referralCode"`
}

type Handler struct {
	svc       Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

var errorRules = []respond.Rule{
	{Err: ErrInvalidInitData, Status: http.StatusUnauthorized, Code: "UNAUTHORIZED"},
	{Err: ErrUserBanned, Status: http.StatusForbidden, Code: "USER_BANNED"},
	{Err: ErrUserNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
}

// POST /api/auth/telegram
func (h *Handler) TelegramLogin(w http.ResponseWriter, r *http.Request) {
	var req TelegramLoginRequest
	if err := h.validator.Decode(r, validation.Auth, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	sess, err := h.svc.AuthenticateTelegram(r.Context(), req.InitData, req.ReferralCode)
	if err != nil {
		respond.Error(w, h.log, err, errorRules...)
		return
	}
	if sess.IsNew {
		h.log.Info("user registered", "user_id", sess.User.ID, "telegram_id", sess.User.TelegramID, "referred", sess.User.ReferredBy != nil)
	}
	respond.JSON(w, http.StatusOK, sess)
}

// GET /api/users/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	profile, err := h.svc.Me(r.Context(), id.UserID)
	if err != nil {
		respond.Error(w, h.log, err, errorRules...)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"user": profile})
}

// GET /api/users/referral-stats
func (h *Handler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	stats, err := h.svc.ReferralStats(r.Context(), id.UserID)
	if err != nil {
		respond.Error(w, h.log, err, errorRules...)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}
