// Package respond writes the JSON envelope shared by every API handler:
// {"success":true,"data":...} or {"success":false,"error":{"code":...,"message":...}}.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/validation"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rule maps a sentinel error to an HTTP status and error code.
type Rule struct {
	Err    error
	Status int
	Code   string
}

var ledgerRules = []Rule{
	{validation.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ledger.ErrInsufficientFunds, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{ledger.ErrInvalidTransactionType, http.StatusBadRequest, "INVALID_TRANSACTION_TYPE"},
	{ledger.ErrIdempotencyKeyRequired, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ledger.ErrWithdrawalLimit, http.StatusBadRequest, "WITHDRAWAL_LIMIT"},
	{ledger.ErrInvalidMethod, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ledger.ErrSelfTransfer, http.StatusBadRequest, "SELF_TRANSFER"},
	{ledger.ErrWalletFrozenOrBanned, http.StatusForbidden, "WALLET_FROZEN"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ledger.ErrTransactionNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ledger.ErrWithdrawalNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ledger.ErrTransferNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ledger.ErrEscrowStateConflict, http.StatusConflict, "CONFLICT"},
	{ledger.ErrWithdrawalStateConflict, http.StatusConflict, "CONFLICT"},
	{ledger.ErrNotReversible, http.StatusConflict, "CONFLICT"},
}

// JSON writes v as the data of a successful response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	write(w, status, envelope{Success: true, Data: v})
}

// Fail writes an error response with an explicit code.
func Fail(w http.ResponseWriter, status int, code, message string) {
	write(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

// Error maps err through the package rules first, then the ledger rules.
// Anything unmatched is logged and reported as an internal error.
func Error(w http.ResponseWriter, log *slog.Logger, err error, rules ...Rule) {
	for _, set := range [][]Rule{rules, ledgerRules} {
		for _, rule := range set {
			if errors.Is(err, rule.Err) {
				Fail(w, rule.Status, rule.Code, err.Error())
				return
			}
		}
	}
	if log == nil {
		log = slog.Default()
	}
	log.Error("request failed", "error", err)
	Fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
}

func write(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Page is the paging window parsed from ?page=&limit=.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

// Paged is the data payload of list endpoints.
type Paged struct {
	Items      interface{} `json:"items"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int         `json:"total"`
	TotalPages int         `json:"totalPages"`
}

// ParsePage reads page (default 1) and limit (default 20, max 100). Invalid
// values fall back to the defaults.
func ParsePage(r *http.Request) Page {
	p := Page{Page: 1, Limit: defaultLimit}
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		p.Limit = n
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

func NewPaged(items interface{}, p Page, total int) Paged {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Paged{Items: items, Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages}
}
