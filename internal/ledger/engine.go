package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// Config holds the money rules of the platform.
type Config struct {
	PlatformFeePercent   decimal.Decimal
	WithdrawalFeePercent decimal.Decimal
	MinWithdrawal        decimal.Decimal
	DailyWithdrawalLimit decimal.Decimal
	NewAccountDelay      time.Duration
	ReferralBonus        decimal.Decimal
	Policy               StatusPolicy
}

func DefaultConfig() Config {
	return Config{
		PlatformFeePercent:   decimal.NewFromInt(10),
		WithdrawalFeePercent: decimal.NewFromInt(3),
		MinWithdrawal:        decimal.NewFromInt(1),
		DailyWithdrawalLimit: decimal.NewFromInt(50),
		NewAccountDelay:      24 * time.Hour,
		ReferralBonus:        decimal.RequireFromString("0.05"),
		Policy:               DefaultStatusPolicy(),
	}
}

// EventSink receives the entries of every committed posting.
type EventSink interface {
	Committed(ctx context.Context, txs []*models.Transaction)
}

// Posting is an atomic set of legs sharing one idempotency key.
type Posting struct {
	Key  string
	Legs []Leg
	// Prepare runs after the wallets are locked and before any leg is applied.
	// It is skipped when the key has already been committed.
	Prepare Hook
	// Finish runs after the entries are appended, in the same unit.
	Finish func(ctx context.Context, u Unit, txs []*models.Transaction) error
}

type Result struct {
	Transactions []*models.Transaction
	// Replayed is true when the key had already been committed and nothing
	// was written.
	Replayed bool
}

// ApplyRequest is a single-wallet mutation.
type ApplyRequest struct {
	WalletID       uuid.UUID
	Type           models.TransactionType
	Amount         decimal.Decimal
	ReferenceID    string
	ReferenceType  string
	IdempotencyKey string
	Description    string
}

// Engine is the only writer of wallet balances.
type Engine struct {
	store  Store
	cfg    Config
	events EventSink
	log    *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	platformWallet uuid.UUID
}

func NewEngine(store Store, cfg Config, events EventSink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, events: events, log: log, now: time.Now}
}

// Apply posts one leg. Escrow types are rejected here; they go through the
// escrow operations so the escrow record moves with the funds.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*models.Transaction, error) {
	if req.Type == models.TxTaskEscrowHold || req.Type == models.TxTaskEscrowRelease {
		return nil, fmt.Errorf("%w: %s must go through escrow", ErrInvalidTransactionType, req.Type)
	}
	res, err := e.Post(ctx, Posting{
		Key: req.IdempotencyKey,
		Legs: []Leg{{
			WalletID:      req.WalletID,
			Type:          req.Type,
			Amount:        req.Amount,
			ReferenceID:   req.ReferenceID,
			ReferenceType: req.ReferenceType,
			Description:   req.Description,
			bypassPolicy:  req.Type == models.TxAdminAdjustment,
		}},
	})
	if err != nil {
		return nil, err
	}
	return res.Transactions[0], nil
}

// Post applies all legs of p in one unit or none of them. A key that was
// already committed returns the stored entries without touching balances.
func (e *Engine) Post(ctx context.Context, p Posting) (*Result, error) {
	if p.Key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if len(p.Legs) == 0 {
		return nil, fmt.Errorf("%w: posting has no legs", ErrInvalidAmount)
	}
	for _, l := range p.Legs {
		if err := checkLeg(l); err != nil {
			return nil, err
		}
	}
	legs, err := e.withFees(ctx, p.Legs)
	if err != nil {
		return nil, err
	}

	res, err := e.post(ctx, p, legs)
	if errors.Is(err, errKeyRace) {
		res, err = e.post(ctx, p, legs)
	}
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		e.log.Info("ledger posting replayed", "key", p.Key)
		return res, nil
	}
	e.log.Info("ledger posting committed", "key", p.Key, "entries", len(res.Transactions))
	if e.events != nil {
		e.events.Committed(context.WithoutCancel(ctx), res.Transactions)
	}
	return res, nil
}

func (e *Engine) post(ctx context.Context, p Posting, legs []Leg) (*Result, error) {
	res := &Result{}
	err := e.store.Within(ctx, func(ctx context.Context, u Unit) error {
		wallets, err := lockWallets(ctx, u, legs)
		if err != nil {
			return err
		}

		prior, err := u.TransactionsByKey(ctx, p.Key)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			res.Transactions = prior
			res.Replayed = true
			return nil
		}

		if p.Prepare != nil {
			if err := p.Prepare(ctx, u); err != nil {
				return err
			}
		}

		txs := make([]*models.Transaction, 0, len(legs))
		for _, l := range legs {
			w := wallets[l.WalletID]
			if err := e.cfg.Policy.check(w.OwnerStatus, l); err != nil {
				return err
			}
			tx := entryFor(w, l, p.Key)
			if tx.BalanceAfter.IsNegative() || tx.FrozenAfter.IsNegative() {
				return fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, w.ID)
			}
			w.Balance = tx.BalanceAfter
			w.FrozenBalance = tx.FrozenAfter
			if isEarning(l) {
				w.TotalEarned = w.TotalEarned.Add(l.Amount)
			}
			if err := u.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			txs = append(txs, tx)
		}
		for _, w := range wallets {
			if err := u.SaveWallet(ctx, w); err != nil {
				return err
			}
		}

		if p.Finish != nil {
			if err := p.Finish(ctx, u, txs); err != nil {
				return err
			}
		}
		res.Transactions = txs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// lockWallets locks every wallet the legs touch in ascending id order so
// postings over overlapping wallets never wait on each other in a cycle.
func lockWallets(ctx context.Context, u Unit, legs []Leg) (map[uuid.UUID]*models.Wallet, error) {
	wallets := make(map[uuid.UUID]*models.Wallet, len(legs))
	ids := make([]uuid.UUID, 0, len(legs))
	for _, l := range legs {
		if _, ok := wallets[l.WalletID]; !ok {
			wallets[l.WalletID] = nil
			ids = append(ids, l.WalletID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		w, err := u.LockWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	return wallets, nil
}

func entryFor(w *models.Wallet, l Leg, key string) *models.Transaction {
	status := models.TxStatusCompleted
	if l.reversal {
		status = models.TxStatusReversed
	}
	return &models.Transaction{
		ID:             uuid.New(),
		WalletID:       w.ID,
		Type:           l.Type,
		Amount:         l.Amount,
		BalanceBefore:  w.Balance,
		BalanceAfter:   w.Balance.Add(l.Amount),
		FrozenAmount:   l.FrozenAmount,
		FrozenBefore:   w.FrozenBalance,
		FrozenAfter:    w.FrozenBalance.Add(l.FrozenAmount),
		ReferenceID:    l.ReferenceID,
		ReferenceType:  l.ReferenceType,
		IdempotencyKey: key,
		Description:    l.Description,
		Status:         status,
	}
}

// withFees appends the platform fee legs owed on every task reward: a debit
// on the rewarded wallet and the matching credit on the platform wallet.
func (e *Engine) withFees(ctx context.Context, legs []Leg) ([]Leg, error) {
	out := make([]Leg, 0, len(legs)+2)
	for _, l := range legs {
		out = append(out, l)
		if l.Type != models.TxTaskReward || l.reversal {
			continue
		}
		fee := models.PercentOf(l.Amount, e.cfg.PlatformFeePercent)
		if !fee.IsPositive() {
			continue
		}
		platform, err := e.PlatformWallet(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out,
			Leg{
				WalletID:      l.WalletID,
				Type:          models.TxPlatformFee,
				Amount:        fee.Neg(),
				ReferenceID:   l.ReferenceID,
				ReferenceType: l.ReferenceType,
				Description:   "Platform fee",
				// The owner status was judged on the reward this fee belongs to.
				bypassPolicy: true,
			},
			Leg{
				WalletID:      platform,
				Type:          models.TxPlatformFee,
				Amount:        fee,
				ReferenceID:   l.ReferenceID,
				ReferenceType: l.ReferenceType,
				Description:   "Platform fee",
				bypassPolicy:  true,
			},
		)
	}
	return out, nil
}

// PlatformWallet returns the id of the wallet that collects fees.
func (e *Engine) PlatformWallet(ctx context.Context) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.platformWallet != uuid.Nil {
		return e.platformWallet, nil
	}
	w, err := e.store.GetWallet(ctx, models.PlatformUserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("platform wallet: %w", err)
	}
	e.platformWallet = w.ID
	return w.ID, nil
}

// walletOf resolves a user's wallet id.
func (e *Engine) walletOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	w, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	return w.ID, nil
}

// Reverse marks a transaction reversed and appends a compensating entry with
// both deltas negated. Reversing a task reward also reverses the platform fee
// legs posted with it. The returned entry compensates txID.
func (e *Engine) Reverse(ctx context.Context, txID uuid.UUID, key string, reason string) (*models.Transaction, error) {
	ids := []uuid.UUID{txID}
	orig, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if orig.Type == models.TxTaskReward && orig.ReferenceType != models.RefReversal {
		fees, err := e.feesOf(ctx, orig)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fees...)
	}
	res, err := e.reverse(ctx, key, ids, reason, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, tx := range res.Transactions {
		if tx.ReferenceID == txID.String() {
			return tx, nil
		}
	}
	return res.Transactions[0], nil
}

// feesOf returns the platform fee legs committed in the same posting as the
// task reward orig.
func (e *Engine) feesOf(ctx context.Context, orig *models.Transaction) ([]uuid.UUID, error) {
	related, err := e.store.TransactionsByReference(ctx, orig.ReferenceType, orig.ReferenceID)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, tx := range related {
		if tx.Type == models.TxPlatformFee && tx.IdempotencyKey == orig.IdempotencyKey && tx.Status == models.TxStatusCompleted {
			ids = append(ids, tx.ID)
		}
	}
	return ids, nil
}

func (e *Engine) reverse(ctx context.Context, key string, ids []uuid.UUID, reason string, prepare Hook, finish Hook) (*Result, error) {
	legs := make([]Leg, 0, len(ids))
	for _, id := range ids {
		orig, err := e.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if orig.ReferenceType == models.RefReversal {
			return nil, fmt.Errorf("%w: %s is itself a reversal", ErrNotReversible, id)
		}
		legs = append(legs, Leg{
			WalletID:      orig.WalletID,
			Type:          orig.Type,
			Amount:        orig.Amount.Neg(),
			FrozenAmount:  orig.FrozenAmount.Neg(),
			ReferenceID:   orig.ID.String(),
			ReferenceType: models.RefReversal,
			Description:   reason,
			reversal:      true,
			bypassPolicy:  true,
		})
	}
	// Credits first, so no wallet dips below zero partway through.
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].Amount.IsPositive() && !legs[j].Amount.IsPositive()
	})
	return e.Post(ctx, Posting{
		Key:  key,
		Legs: legs,
		Prepare: func(ctx context.Context, u Unit) error {
			for _, id := range ids {
				orig, err := u.LockTransaction(ctx, id)
				if err != nil {
					return err
				}
				if orig.Status != models.TxStatusCompleted {
					return fmt.Errorf("%w: %s is %s", ErrNotReversible, id, orig.Status)
				}
			}
			if prepare != nil {
				return prepare(ctx, u)
			}
			return nil
		},
		Finish: func(ctx context.Context, u Unit, _ []*models.Transaction) error {
			for _, id := range ids {
				if err := u.SetTransactionStatus(ctx, id, models.TxStatusReversed); err != nil {
					return err
				}
			}
			if finish != nil {
				return finish(ctx, u)
			}
			return nil
		},
	})
}
