package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReferralStatus string

const (
	ReferralPending  ReferralStatus = "pending"
	ReferralCredited ReferralStatus = "credited"
)

type Referral struct {
	ID          uuid.UUID        `json:"id"`
	ReferrerID  uuid.UUID        `json:"referrerId"`
	ReferredID  uuid.UUID        `json:"referredId"`
	BonusAmount *decimal.Decimal `json:"bonusAmount"`
	Status      ReferralStatus   `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	CreditedAt  *time.Time       `json:"-"`
}
