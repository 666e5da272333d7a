package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the mutable balance snapshot of one user. Only the ledger engine
// writes it.
type Wallet struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`
	FrozenBalance  decimal.Decimal `json:"frozenBalance"`
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn decimal.Decimal `json:"totalWithdrawn"`
	CreatedAt      time.Time       `json:"-"`
	UpdatedAt      time.Time       `json:"-"`

	// OwnerStatus is joined from users; it is never written through the wallet.
	OwnerStatus UserStatus `json:"-"`
}
