package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// EscrowManager moves task budgets between a creator's balance, the creator's
// frozen balance and worker wallets. Each operation is one engine posting
// that also updates the task's escrow record.
type EscrowManager struct {
	engine *Engine
	store  Store
}

func NewEscrowManager(engine *Engine, store Store) *EscrowManager {
	return &EscrowManager{engine: engine, store: store}
}

type HoldRequest struct {
	TaskID    uuid.UUID
	CreatorID uuid.UUID
	Amount    decimal.Decimal
	// OnApplied runs in the same unit once the funds are frozen.
	OnApplied Hook
}

type ReleaseRequest struct {
	TaskID       uuid.UUID
	SubmissionID uuid.UUID
	WorkerID     uuid.UUID
	Amount       decimal.Decimal
	OnApplied    Hook
}

type RefundRequest struct {
	TaskID    uuid.UUID
	CreatorID uuid.UUID
	Amount    decimal.Decimal
	OnApplied Hook
}

func HoldKey(taskID uuid.UUID) string { return "escrow:hold:" + taskID.String() }

func ReleaseKey(taskID, submissionID uuid.UUID) string {
	return "escrow:release:" + taskID.String() + ":" + submissionID.String()
}

func RefundKey(taskID uuid.UUID) string { return "escrow:refund:" + taskID.String() }

// Hold freezes the task budget on the creator's wallet. The task must not
// have an escrow yet.
func (m *EscrowManager) Hold(ctx context.Context, req HoldRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: escrow amount must be positive", ErrInvalidAmount)
	}
	walletID, err := m.engine.walletOf(ctx, req.CreatorID)
	if err != nil {
		return nil, err
	}
	ref := req.TaskID.String()
	return m.engine.Post(ctx, Posting{
		Key: HoldKey(req.TaskID),
		Legs: []Leg{{
			WalletID:      walletID,
			Type:          models.TxTaskEscrowHold,
			Amount:        req.Amount.Neg(),
			FrozenAmount:  req.Amount,
			ReferenceID:   ref,
			ReferenceType: models.RefTask,
			Description:   "Task budget held in escrow",
		}},
		Prepare: func(ctx context.Context, u Unit) error {
			existing, err := u.LockEscrow(ctx, req.TaskID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: task %s is already %s", ErrEscrowStateConflict, req.TaskID, existing.Status)
			}
			return nil
		},
		Finish: func(ctx context.Context, u Unit, _ []*models.Transaction) error {
			esc := &models.Escrow{
				TaskID:    req.TaskID,
				CreatorID: req.CreatorID,
				WalletID:  walletID,
				Amount:    req.Amount,
				Released:  decimal.Zero,
				Refunded:  decimal.Zero,
				Status:    models.EscrowHeld,
			}
			if err := u.SaveEscrow(ctx, esc); err != nil {
				return err
			}
			return runHook(ctx, u, req.OnApplied)
		},
	})
}

// Release pays one approved submission out of the task's escrow: the
// creator's frozen balance drops by Amount and the worker is credited Amount,
// less the platform fee the engine adds.
func (m *EscrowManager) Release(ctx context.Context, req ReleaseRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: release amount must be positive", ErrInvalidAmount)
	}
	esc, err := m.escrow(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	workerWallet, err := m.engine.walletOf(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	ref := req.TaskID.String()
	return m.engine.Post(ctx, Posting{
		Key: ReleaseKey(req.TaskID, req.SubmissionID),
		Legs: []Leg{
			{
				WalletID:      workerWallet,
				Type:          models.TxTaskReward,
				Amount:        req.Amount,
				ReferenceID:   ref,
				ReferenceType: models.RefTask,
				Description:   "Task reward",
			},
			{
				WalletID:      esc.WalletID,
				Type:          models.TxTaskEscrowRelease,
				FrozenAmount:  req.Amount.Neg(),
				ReferenceID:   ref,
				ReferenceType: models.RefTask,
				Description:   "Escrow released to worker",
			},
		},
		Prepare: func(ctx context.Context, u Unit) error {
			_, err := lockHeld(ctx, u, req.TaskID, req.Amount)
			return err
		},
		Finish: func(ctx context.Context, u Unit, _ []*models.Transaction) error {
			cur, err := u.LockEscrow(ctx, req.TaskID)
			if err != nil {
				return err
			}
			cur.Released = cur.Released.Add(req.Amount)
			if cur.Remaining().IsZero() {
				cur.Status = models.EscrowReleased
			}
			if err := u.SaveEscrow(ctx, cur); err != nil {
				return err
			}
			return runHook(ctx, u, req.OnApplied)
		},
	})
}

// Refund returns the task's whole remaining escrow to the creator's balance
// and closes the escrow. Amount must equal the remaining escrow. Repeating a
// completed refund with the same amount replays it.
func (m *EscrowManager) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrInvalidAmount)
	}
	esc, err := m.escrow(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if esc.CreatorID != req.CreatorID {
		return nil, fmt.Errorf("%w: task %s is not funded by %s", ErrEscrowStateConflict, req.TaskID, req.CreatorID)
	}
	if esc.Status == models.EscrowRefunded && !esc.Refunded.Equal(req.Amount) {
		return nil, fmt.Errorf("%w: task %s was already refunded %s", ErrEscrowStateConflict, req.TaskID, esc.Refunded)
	}
	ref := req.TaskID.String()
	return m.engine.Post(ctx, Posting{
		Key: RefundKey(req.TaskID),
		Legs: []Leg{{
			WalletID:      esc.WalletID,
			Type:          models.TxTaskEscrowRelease,
			Amount:        req.Amount,
			FrozenAmount:  req.Amount.Neg(),
			ReferenceID:   ref,
			ReferenceType: models.RefTask,
			Description:   "Escrow refunded",
		}},
		Prepare: func(ctx context.Context, u Unit) error {
			cur, err := lockHeld(ctx, u, req.TaskID, req.Amount)
			if err != nil {
				return err
			}
			if !req.Amount.Equal(cur.Remaining()) {
				return fmt.Errorf("%w: refund %s must cover the remaining %s", ErrEscrowStateConflict, req.Amount, cur.Remaining())
			}
			return nil
		},
		Finish: func(ctx context.Context, u Unit, _ []*models.Transaction) error {
			cur, err := u.LockEscrow(ctx, req.TaskID)
			if err != nil {
				return err
			}
			cur.Refunded = cur.Refunded.Add(req.Amount)
			cur.Status = models.EscrowRefunded
			if err := u.SaveEscrow(ctx, cur); err != nil {
				return err
			}
			return runHook(ctx, u, req.OnApplied)
		},
	})
}

// Get returns the task's escrow record.
func (m *EscrowManager) Get(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	return m.escrow(ctx, taskID)
}

func (m *EscrowManager) escrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	esc, err := m.store.GetEscrow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, fmt.Errorf("%w: task %s is not funded", ErrEscrowStateConflict, taskID)
	}
	return esc, nil
}

// lockHeld locks the escrow and checks that amount can still leave it.
func lockHeld(ctx context.Context, u Unit, taskID uuid.UUID, amount decimal.Decimal) (*models.Escrow, error) {
	esc, err := u.LockEscrow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, fmt.Errorf("%w: task %s is not funded", ErrEscrowStateConflict, taskID)
	}
	if esc.Status != models.EscrowHeld {
		return nil, fmt.Errorf("%w: task %s is %s", ErrEscrowStateConflict, taskID, esc.Status)
	}
	if amount.GreaterThan(esc.Remaining()) {
		return nil, fmt.Errorf("%w: %s exceeds remaining %s", ErrEscrowStateConflict, amount, esc.Remaining())
	}
	return esc, nil
}

func runHook(ctx context.Context, u Unit, h Hook) error {
	if h == nil {
		return nil
	}
	return h(ctx, u)
}
