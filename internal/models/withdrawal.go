package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawalMethod string

const (
	WithdrawalTON       WithdrawalMethod = "ton"
	WithdrawalUSDTTRC20 WithdrawalMethod = "usdt_trc20"
	WithdrawalManual    WithdrawalMethod = "manual"
)

func (m WithdrawalMethod) Valid() bool {
	switch m {
	case WithdrawalTON, WithdrawalUSDTTRC20, WithdrawalManual:
		return true
	}
	return false
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// Withdrawal is a payout request. Amount is debited from the wallet when the
// request is created; Payout = Amount - Fee leaves the platform on completion.
type Withdrawal struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"userId"`
	WalletID         uuid.UUID        `json:"-"`
	Amount           decimal.Decimal  `json:"amount"`
	Fee              decimal.Decimal  `json:"fee"`
	Payout           decimal.Decimal  `json:"payout"`
	Method           WithdrawalMethod `json:"method"`
	WalletAddress    string           `json:"walletAddress"`
	Status           WithdrawalStatus `json:"status"`
	TransactionID    uuid.UUID        `json:"-"`
	FeeTransactionID *uuid.UUID       `json:"-"`
	AdminID          *uuid.UUID       `json:"adminId"`
	AdminNotes       *string          `json:"adminNotes"`
	TransactionHash  *string          `json:"transactionHash"`
	ProcessedAt      *time.Time       `json:"processedAt"`
	CreatedAt        time.Time        `json:"createdAt"`
}
