package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferReversed  TransferStatus = "reversed"
)

type Transfer struct {
	ID         uuid.UUID       `json:"id"`
	SenderID   uuid.UUID       `json:"senderId"`
	ReceiverID uuid.UUID       `json:"receiverId"`
	Amount     decimal.Decimal `json:"amount"`
	Note       *string         `json:"note"`
	Status     TransferStatus  `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}
