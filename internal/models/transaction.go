package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit           TransactionType = "deposit"
	TxWithdrawal        TransactionType = "withdrawal"
	TxTaskReward        TransactionType = "task_reward"
	TxTaskEscrowHold    TransactionType = "task_escrow_hold"
	TxTaskEscrowRelease TransactionType = "task_escrow_release"
	TxTransferIn        TransactionType = "transfer_in"
	TxTransferOut       TransactionType = "transfer_out"
	TxReferralBonus     TransactionType = "referral_bonus"
	TxPlatformFee       TransactionType = "platform_fee"
	TxAdminAdjustment   TransactionType = "admin_adjustment"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusReversed  TransactionStatus = "reversed"
)

// Reference types linking a transaction to the business record that caused it.
const (
	RefTask       = "task"
	RefWithdrawal = "withdrawal"
	RefTransfer   = "transfer"
	RefReferral   = "referral"
	RefReversal   = "reversal"
	RefAdmin      = "admin"
)

// Transaction is one immutable ledger entry. Amount is the balance delta and
// FrozenAmount the frozen-balance delta; both follow the same
// before + amount = after rule.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	Seq            int64             `json:"-"`
	WalletID       uuid.UUID         `json:"walletId"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	BalanceBefore  decimal.Decimal   `json:"balanceBefore"`
	BalanceAfter   decimal.Decimal   `json:"balanceAfter"`
	FrozenAmount   decimal.Decimal   `json:"frozenAmount"`
	FrozenBefore   decimal.Decimal   `json:"frozenBefore"`
	FrozenAfter    decimal.Decimal   `json:"frozenAfter"`
	ReferenceID    string            `json:"referenceId,omitempty"`
	ReferenceType  string            `json:"referenceType,omitempty"`
	IdempotencyKey string            `json:"-"`
	Description    string            `json:"description,omitempty"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
}
