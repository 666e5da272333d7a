package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrWalletFrozenOrBanned   = errors.New("wallet owner is frozen or banned")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrEscrowStateConflict    = errors.New("escrow state conflict")
	ErrStorageFailure         = errors.New("ledger storage failure")

	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrNotReversible           = errors.New("transaction cannot be reversed")
	ErrWithdrawalNotFound      = errors.New("withdrawal not found")
	ErrWithdrawalStateConflict = errors.New("withdrawal state conflict")
	ErrWithdrawalLimit         = errors.New("withdrawal limit")
	ErrInvalidMethod           = errors.New("invalid withdrawal method")
	ErrSelfTransfer            = errors.New("cannot transfer to yourself")
	ErrTransferNotFound        = errors.New("transfer not found")
)

// errKeyRace is returned by a unit when a concurrent posting with the same
// idempotency key committed first. Post retries once and replays it.
var errKeyRace = errors.New("idempotency key committed concurrently")

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}
