package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

type WithdrawalRequest struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Method        models.WithdrawalMethod
	WalletAddress string
	// Key deduplicates retried requests; empty means never deduplicated.
	Key string
}

// RequestWithdrawal debits the full amount now and books the withdrawal fee
// to the platform. The payout leaves the platform when an admin completes it.
func (e *Engine) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.Withdrawal, error) {
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if !req.Amount.IsPositive() || !validPrecision(req.Amount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if req.Amount.LessThan(e.cfg.MinWithdrawal) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", ErrWithdrawalLimit, e.cfg.MinWithdrawal)
	}
	w, err := e.store.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if now.Sub(w.CreatedAt) < e.cfg.NewAccountDelay {
		return nil, fmt.Errorf("%w: accounts can withdraw %s after creation", ErrWithdrawalLimit, e.cfg.NewAccountDelay)
	}

	fee := models.PercentOf(req.Amount, e.cfg.WithdrawalFeePercent)
	wd := &models.Withdrawal{
		ID:            uuid.New(),
		UserID:        req.UserID,
		WalletID:      w.ID,
		Amount:        req.Amount,
		Fee:           fee,
		Payout:        req.Amount.Sub(fee),
		Method:        req.Method,
		WalletAddress: req.WalletAddress,
		Status:        models.WithdrawalPending,
	}
	ref := wd.ID.String()
	legs := []Leg{{
		WalletID:      w.ID,
		Type:          models.TxWithdrawal,
		Amount:        req.Amount.Neg(),
		ReferenceID:   ref,
		ReferenceType: models.RefWithdrawal,
		Description:   "Withdrawal via " + string(req.Method),
	}}
	if fee.IsPositive() {
		platform, err := e.PlatformWallet(ctx)
		if err != nil {
			return nil, err
		}
		legs = append(legs, Leg{
			WalletID:      platform,
			Type:          models.TxPlatformFee,
			Amount:        fee,
			ReferenceID:   ref,
			ReferenceType: models.RefWithdrawal,
			Description:   "Withdrawal fee",
			bypassPolicy:  true,
		})
	}

	key := req.Key
	if key == "" {
		key = ref
	}
	res, err := e.Post(ctx, Posting{
		Key:  "withdrawal:" + req.UserID.String() + ":" + key,
		Legs: legs,
		Prepare: func(ctx context.Context, u Unit) error {
			since := startOfDay(now)
			spent, err := u.WithdrawnSince(ctx, req.UserID, since)
			if err != nil {
				return err
			}
			if spent.Add(req.Amount).GreaterThan(e.cfg.DailyWithdrawalLimit) {
				return fmt.Errorf("%w: daily limit is %s, already requested %s today", ErrWithdrawalLimit, e.cfg.DailyWithdrawalLimit, spent)
			}
			return nil
		},
		Finish: func(ctx context.Context, u Unit, txs []*models.Transaction) error {
			wd.TransactionID = txs[0].ID
			if len(txs) > 1 {
				feeID := txs[1].ID
				wd.FeeTransactionID = &feeID
			}
			wd.CreatedAt = txs[0].CreatedAt
			return u.SaveWithdrawal(ctx, wd)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		id, err := uuid.Parse(res.Transactions[0].ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("replayed withdrawal reference: %w", err)
		}
		return e.store.GetWithdrawal(ctx, id)
	}
	return wd, nil
}

// ReviewWithdrawal approves a pending withdrawal or rejects it. Rejecting
// reverses the debit and the fee in one posting.
func (e *Engine) ReviewWithdrawal(ctx context.Context, id, adminID uuid.UUID, approve bool, notes *string) (*models.Withdrawal, error) {
	if approve {
		return e.transitionWithdrawal(ctx, id, func(wd *models.Withdrawal) error {
			if wd.Status != models.WithdrawalPending {
				return fmt.Errorf("%w: withdrawal is %s", ErrWithdrawalStateConflict, wd.Status)
			}
			wd.Status = models.WithdrawalApproved
			wd.AdminID = &adminID
			wd.AdminNotes = notes
			return nil
		})
	}

	wd, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := []uuid.UUID{wd.TransactionID}
	if wd.FeeTransactionID != nil {
		ids = append(ids, *wd.FeeTransactionID)
	}
	var out *models.Withdrawal
	_, err = e.reverse(ctx, "withdrawal:reject:"+id.String(), ids, "Withdrawal rejected",
		func(ctx context.Context, u Unit) error {
			cur, err := u.LockWithdrawal(ctx, id)
			if err != nil {
				return err
			}
			if cur.Status != models.WithdrawalPending && cur.Status != models.WithdrawalApproved {
				return fmt.Errorf("%w: withdrawal is %s", ErrWithdrawalStateConflict, cur.Status)
			}
			return nil
		},
		func(ctx context.Context, u Unit) error {
			cur, err := u.LockWithdrawal(ctx, id)
			if err != nil {
				return err
			}
			now := e.now()
			cur.Status = models.WithdrawalRejected
			cur.AdminID = &adminID
			cur.AdminNotes = notes
			cur.ProcessedAt = &now
			out = cur
			return u.SaveWithdrawal(ctx, cur)
		},
	)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return e.store.GetWithdrawal(ctx, id)
	}
	return out, nil
}

// StartPayout marks an approved withdrawal as being paid out.
func (e *Engine) StartPayout(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return e.transitionWithdrawal(ctx, id, func(wd *models.Withdrawal) error {
		if wd.Status != models.WithdrawalApproved {
			return fmt.Errorf("%w: withdrawal is %s", ErrWithdrawalStateConflict, wd.Status)
		}
		wd.Status = models.WithdrawalProcessing
		return nil
	})
}

// CompleteWithdrawal records a finished payout and adds it to the wallet's
// total withdrawn. The debit was booked at request time. Completing an
// already completed withdrawal is a no-op.
func (e *Engine) CompleteWithdrawal(ctx context.Context, id uuid.UUID, txHash string) (*models.Withdrawal, error) {
	wd, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd.Status == models.WithdrawalCompleted {
		return wd, nil
	}
	var out *models.Withdrawal
	err = e.store.Within(ctx, func(ctx context.Context, u Unit) error {
		w, err := u.LockWallet(ctx, wd.WalletID)
		if err != nil {
			return err
		}
		cur, err := u.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == models.WithdrawalCompleted {
			out = cur
			return nil
		}
		if cur.Status != models.WithdrawalApproved && cur.Status != models.WithdrawalProcessing {
			return fmt.Errorf("%w: withdrawal is %s", ErrWithdrawalStateConflict, cur.Status)
		}
		w.TotalWithdrawn = w.TotalWithdrawn.Add(cur.Payout)
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}
		now := e.now()
		cur.Status = models.WithdrawalCompleted
		if txHash != "" {
			cur.TransactionHash = &txHash
		}
		cur.ProcessedAt = &now
		out = cur
		return u.SaveWithdrawal(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("withdrawal completed", "withdrawal_id", id, "payout", out.Payout.String())
	return out, nil
}

func (e *Engine) transitionWithdrawal(ctx context.Context, id uuid.UUID, apply func(*models.Withdrawal) error) (*models.Withdrawal, error) {
	var out *models.Withdrawal
	err := e.store.Within(ctx, func(ctx context.Context, u Unit) error {
		cur, err := u.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(cur); err != nil {
			return err
		}
		out = cur
		return u.SaveWithdrawal(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
