package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// Sign convention. Every entry carries two deltas: Amount applies to the
// wallet balance and FrozenAmount to the frozen balance. Credits are positive
// and debits negative on both views.
//
//	type                 balance delta            frozen delta
//	deposit              > 0                      0
//	task_reward          > 0                      0
//	transfer_in          > 0                      0
//	referral_bonus       > 0                      0
//	withdrawal           < 0                      0
//	transfer_out         < 0                      0
//	task_escrow_hold     < 0                      = -balance delta
//	task_escrow_release  0 (paid out) or refund   < 0, refund balance delta = -frozen delta
//	platform_fee         != 0                     0
//	admin_adjustment     != 0                     0
//
// Entries are written completed. Reverse flips the original to reversed and
// writes its compensating entry, which negates both deltas, as reversed too,
// so a wallet's balances always equal the sum of its completed entries.
// Compensating entries are exempt from the table.

// Leg is one wallet mutation inside a Posting.
type Leg struct {
	WalletID      uuid.UUID
	Type          models.TransactionType
	Amount        decimal.Decimal
	FrozenAmount  decimal.Decimal
	ReferenceID   string
	ReferenceType string
	Description   string

	reversal     bool
	bypassPolicy bool
}

func validType(t models.TransactionType) bool {
	switch t {
	case models.TxDeposit, models.TxWithdrawal, models.TxTaskReward, models.TxTaskEscrowHold,
		models.TxTaskEscrowRelease, models.TxTransferIn, models.TxTransferOut,
		models.TxReferralBonus, models.TxPlatformFee, models.TxAdminAdjustment:
		return true
	}
	return false
}

func validPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(models.MoneyScale))
}

// checkLeg validates a leg against the sign table. It never touches storage.
func checkLeg(l Leg) error {
	if !validType(l.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidTransactionType, l.Type)
	}
	if l.WalletID == uuid.Nil {
		return fmt.Errorf("%w: wallet id is required", ErrWalletNotFound)
	}
	if !validPrecision(l.Amount) || !validPrecision(l.FrozenAmount) {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, models.MoneyScale)
	}
	if l.Amount.IsZero() && l.FrozenAmount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	if l.reversal {
		return nil
	}

	mismatch := func(want string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidTransactionType, l.Type, want)
	}
	switch l.Type {
	case models.TxDeposit, models.TxTaskReward, models.TxTransferIn, models.TxReferralBonus:
		if !l.Amount.IsPositive() || !l.FrozenAmount.IsZero() {
			return mismatch("a positive balance delta")
		}
	case models.TxWithdrawal, models.TxTransferOut:
		if !l.Amount.IsNegative() || !l.FrozenAmount.IsZero() {
			return mismatch("a negative balance delta")
		}
	case models.TxTaskEscrowHold:
		if !l.Amount.IsNegative() || !l.FrozenAmount.Equal(l.Amount.Neg()) {
			return mismatch("a negative balance delta mirrored on the frozen balance")
		}
	case models.TxTaskEscrowRelease:
		if !l.FrozenAmount.IsNegative() {
			return mismatch("a negative frozen delta")
		}
		if !l.Amount.IsZero() && !l.Amount.Equal(l.FrozenAmount.Neg()) {
			return mismatch("a zero balance delta or a refund of the frozen delta")
		}
	case models.TxPlatformFee, models.TxAdminAdjustment:
		if l.Amount.IsZero() || !l.FrozenAmount.IsZero() {
			return mismatch("a non-zero balance delta")
		}
	}
	return nil
}

// statusChangeAllowed lists the only status moves an entry may make after it
// is written. The schema trigger on transactions enforces the same list.
func statusChangeAllowed(from, to models.TransactionStatus) bool {
	switch from {
	case models.TxStatusPending:
		return to == models.TxStatusCompleted || to == models.TxStatusReversed
	case models.TxStatusCompleted:
		return to == models.TxStatusReversed
	}
	return false
}

// isEarning reports whether a leg counts toward the wallet's total earned.
func isEarning(l Leg) bool {
	if l.reversal || !l.Amount.IsPositive() {
		return false
	}
	return l.Type == models.TxTaskReward || l.Type == models.TxReferralBonus
}

// StatusPolicy decides which legs may touch a wallet whose owner is not active.
// Debits from frozen or banned owners are always rejected.
type StatusPolicy struct {
	FrozenAllowCredits bool
	BannedAllowCredits bool
}

func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{FrozenAllowCredits: true}
}

func (p StatusPolicy) check(status models.UserStatus, l Leg) error {
	if l.bypassPolicy || status == models.UserStatusActive || status == "" {
		return nil
	}
	debit := l.Amount.IsNegative()
	switch status {
	case models.UserStatusFrozen:
		if !debit && p.FrozenAllowCredits {
			return nil
		}
	case models.UserStatusBanned:
		if !debit && p.BannedAllowCredits {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s on wallet %s", ErrWalletFrozenOrBanned, status, l.Type, l.WalletID)
}
