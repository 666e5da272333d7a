// Package router mounts every API handler on one ServeMux with its
// middleware chain.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/taskearn/backend/internal/admin"
	"github.com/taskearn/backend/internal/auth"
	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/models"
	"github.com/taskearn/backend/internal/respond"
	"github.com/taskearn/backend/internal/tasks"
	"github.com/taskearn/backend/internal/wallet"
)

type Handlers struct {
	Auth   *auth.Handler
	Tasks  *tasks.Handler
	Wallet *wallet.Handler
	Admin  *admin.Handler
}

type Options struct {
	Tokens                middleware.TokenValidator
	Limiter               middleware.Counter
	MaxSubmissionsPerHour int
	Log                   *slog.Logger
}

type middlewareFunc func(http.Handler) http.Handler

// chain wraps h so that mws run in the order given.
func chain(h http.HandlerFunc, mws ...middlewareFunc) http.Handler {
	var out http.Handler = h
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// New returns the handler serving /api and /health.
func New(h Handlers, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	authn := middleware.Authenticate(opts.Tokens)
	can := func(c models.Capability) middlewareFunc { return middleware.RequireCapability(c) }
	submitLimit := middleware.RateLimit(opts.Limiter, "submit", opts.MaxSubmissionsPerHour, time.Hour, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Auth and profile
	mux.HandleFunc("POST /api/auth/telegram", h.Auth.TelegramLogin)
	mux.Handle("GET /api/users/me", chain(h.Auth.Me, authn))
	mux.Handle("GET /api/users/referral-stats", chain(h.Auth.ReferralStats, authn))

	// Tasks
	mux.Handle("GET /api/tasks", chain(h.Tasks.ListActive, authn))
	mux.Handle("POST /api/tasks", chain(h.Tasks.Create, authn, can(models.CapCreateTasks)))
	mux.Handle("GET /api/tasks/my-tasks", chain(h.Tasks.ListMine, authn, can(models.CapCreateTasks)))
	mux.Handle("GET /api/tasks/my-submissions", chain(h.Tasks.ListMySubmissions, authn))
	mux.Handle("GET /api/tasks/{id}", chain(h.Tasks.Get, authn))
	mux.Handle("POST /api/tasks/{id}/pause", chain(h.Tasks.SetPaused(true), authn, can(models.CapCreateTasks)))
	mux.Handle("POST /api/tasks/{id}/resume", chain(h.Tasks.SetPaused(false), authn, can(models.CapCreateTasks)))
	mux.Handle("POST /api/tasks/{id}/cancel", chain(h.Tasks.Cancel, authn, can(models.CapCreateTasks)))
	mux.Handle("POST /api/tasks/{id}/submit", chain(h.Tasks.Submit, authn, can(models.CapSubmitProofs), submitLimit))
	mux.Handle("GET /api/tasks/{id}/submissions", chain(h.Tasks.ListSubmissions, authn, can(models.CapCreateTasks)))
	mux.Handle("PATCH /api/tasks/{id}/submissions/{subId}", chain(h.Tasks.ReviewSubmission, authn, can(models.CapCreateTasks)))

	// Wallet
	mux.Handle("GET /api/wallet", chain(h.Wallet.Get, authn))
	mux.Handle("GET /api/wallet/transactions", chain(h.Wallet.ListTransactions, authn))
	mux.Handle("POST /api/wallet/transfer", chain(h.Wallet.Transfer, authn, can(models.CapMoveFunds)))
	mux.Handle("POST /api/wallet/withdrawals", chain(h.Wallet.RequestWithdrawal, authn, can(models.CapMoveFunds)))
	mux.Handle("GET /api/wallet/withdrawals", chain(h.Wallet.ListWithdrawals, authn))

	// Admin
	adm := func(fn http.HandlerFunc) http.Handler { return chain(fn, authn, can(models.CapAdmin)) }
	mux.Handle("GET /api/admin/stats", adm(h.Admin.Stats))
	mux.Handle("GET /api/admin/users", adm(h.Admin.ListUsers))
	mux.Handle("PATCH /api/admin/users/{id}", adm(h.Admin.UpdateUser))
	mux.Handle("POST /api/admin/users/{id}/adjust", adm(h.Admin.Adjust))
	mux.Handle("POST /api/admin/users/{id}/deposit", adm(h.Admin.Deposit))
	mux.Handle("POST /api/admin/transactions/{id}/reverse", adm(h.Admin.Reverse))
	mux.Handle("GET /api/admin/ledger", adm(h.Admin.LedgerByReference))
	mux.Handle("GET /api/admin/tasks/pending", adm(h.Admin.PendingTasks))
	mux.Handle("POST /api/admin/tasks/{id}/review", adm(h.Admin.ReviewTask))
	mux.Handle("GET /api/admin/withdrawals", adm(h.Admin.ListWithdrawals))
	mux.Handle("POST /api/admin/withdrawals/{id}/review", adm(h.Admin.ReviewWithdrawal))
	mux.Handle("POST /api/admin/withdrawals/{id}/processing", adm(h.Admin.StartPayout))
	mux.Handle("POST /api/admin/withdrawals/{id}/complete", adm(h.Admin.CompleteWithdrawal))

	return mux
}
