package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Escrow tracks the funds a task creator has frozen for one task.
// Amount == Remaining() + Released + Refunded at all times.
type Escrow struct {
	TaskID    uuid.UUID       `json:"taskId"`
	CreatorID uuid.UUID       `json:"creatorId"`
	WalletID  uuid.UUID       `json:"walletId"`
	Amount    decimal.Decimal `json:"amount"`
	Released  decimal.Decimal `json:"released"`
	Refunded  decimal.Decimal `json:"refunded"`
	Status    EscrowStatus    `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (e *Escrow) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.Released).Sub(e.Refunded)
}
