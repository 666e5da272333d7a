package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// Store is the durable home of wallets, the transaction log and the records
// the ledger keeps alongside them. Reads outside Within take no locks.
type Store interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetWalletByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error)
	TransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]*models.Transaction, error)
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error)
	GetReferralByReferred(ctx context.Context, referredID uuid.UUID) (*models.Referral, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*models.Transfer, error)

	// Within runs fn as one atomic unit. Nothing fn writes is visible to
	// others unless fn returns nil, and then all of it is.
	Within(ctx context.Context, fn func(ctx context.Context, u Unit) error) error
}

// Unit is the view of the store inside one atomic unit. Lock methods hold the
// row until the unit ends. Wallets must be locked before any other row.
type Unit interface {
	// LockWallet returns a copy of the wallet with OwnerStatus filled in.
	LockWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	SaveWallet(ctx context.Context, w *models.Wallet) error

	// AppendTransaction assigns Seq and CreatedAt.
	AppendTransaction(ctx context.Context, tx *models.Transaction) error
	TransactionsByKey(ctx context.Context, key string) ([]*models.Transaction, error)
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error

	// LockEscrow returns nil, nil when the task has no escrow.
	LockEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error)
	SaveEscrow(ctx context.Context, e *models.Escrow) error

	// LockReferral returns nil, nil when the user was not referred.
	LockReferral(ctx context.Context, referredID uuid.UUID) (*models.Referral, error)
	SaveReferral(ctx context.Context, r *models.Referral) error

	LockWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	SaveWithdrawal(ctx context.Context, w *models.Withdrawal) error
	// WithdrawnSince sums the user's non-rejected withdrawal requests.
	WithdrawnSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)

	SaveTransfer(ctx context.Context, t *models.Transfer) error
}

// Hook runs inside a unit after the posting's entries have been appended.
type Hook func(ctx context.Context, u Unit) error
