package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskearn/backend/internal/models"
)

func TestApply_DepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")

	dep, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("12.5"), IdempotencyKey: "dep-1",
	})
	require.NoError(t, err)
	requireAmount(t, "0", dep.BalanceBefore, "deposit before")
	requireAmount(t, "12.5", dep.BalanceAfter, "deposit after")
	assert.Equal(t, models.TxStatusCompleted, dep.Status)
	assert.NotZero(t, dep.Seq)

	wd, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxWithdrawal, Amount: models.MustAmount("-2.25"), IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	requireAmount(t, "12.5", wd.BalanceBefore, "withdrawal before")
	requireAmount(t, "10.25", wd.BalanceAfter, "withdrawal after")
	assert.Greater(t, wd.Seq, dep.Seq)

	requireAmount(t, "10.25", f.wallet(t, wallet).Balance, "balance")
	f.requireChain(t)
}

func TestApply_WithdrawalBeyondBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "10.00")
	before := len(f.store.Transactions())

	_, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxWithdrawal, Amount: models.MustAmount("-15.00"), IdempotencyKey: "wd-15",
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	requireAmount(t, "10.00", f.wallet(t, wallet).Balance, "balance after failed withdrawal")
	assert.Len(t, f.store.Transactions(), before, "no entry may be written")
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")
	req := ApplyRequest{
		WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("3"), IdempotencyKey: "same-key",
	}

	first, err := f.engine.Apply(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Apply(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	requireAmount(t, "3", second.BalanceAfter, "replayed entry")
	requireAmount(t, "3", f.wallet(t, wallet).Balance, "balance applied once")
	assert.Len(t, f.events.committed, 1, "replays publish nothing")
}

func TestApply_ValidationHappensFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "5")

	cases := []struct {
		name string
		req  ApplyRequest
		want error
	}{
		{"unknown type", ApplyRequest{Type: "bonus", Amount: models.MustAmount("1")}, ErrInvalidTransactionType},
		{"negative deposit", ApplyRequest{Type: models.TxDeposit, Amount: models.MustAmount("-1")}, ErrInvalidTransactionType},
		{"positive withdrawal", ApplyRequest{Type: models.TxWithdrawal, Amount: models.MustAmount("1")}, ErrInvalidTransactionType},
		{"zero adjustment", ApplyRequest{Type: models.TxAdminAdjustment}, ErrInvalidAmount},
		{"escrow through apply", ApplyRequest{Type: models.TxTaskEscrowHold, Amount: models.MustAmount("-1")}, ErrInvalidTransactionType},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.WalletID = wallet
			tc.req.IdempotencyKey = fmt.Sprintf("invalid-%d", i)
			_, err := f.engine.Apply(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.engine.Apply(ctx, ApplyRequest{WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("1")})
	require.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	_, err = f.engine.Apply(ctx, ApplyRequest{WalletID: uuid.New(), Type: models.TxDeposit, Amount: models.MustAmount("1"), IdempotencyKey: "ghost"})
	require.ErrorIs(t, err, ErrWalletNotFound)

	requireAmount(t, "5", f.wallet(t, wallet).Balance, "balance untouched")
}

func TestApply_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "100")

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Apply(ctx, ApplyRequest{
				WalletID:       wallet,
				Type:           models.TxWithdrawal,
				Amount:         models.MustAmount("-3"),
				IdempotencyKey: fmt.Sprintf("debit-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	requireAmount(t, "1", f.wallet(t, wallet).Balance, "final balance")
	f.requireChain(t)
}

func TestApply_TaskRewardChargesPlatformFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")

	tx, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxTaskReward, Amount: models.MustAmount("1.00"),
		ReferenceID: "task-1", ReferenceType: models.RefTask, IdempotencyKey: "reward-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxTaskReward, tx.Type)

	w := f.wallet(t, wallet)
	requireAmount(t, "0.90", w.Balance, "worker balance")
	requireAmount(t, "1.00", w.TotalEarned, "worker total earned")
	requireAmount(t, "0.10", f.wallet(t, f.platform.ID).Balance, "platform balance")

	fees := 0
	for _, e := range f.store.Transactions() {
		if e.Type == models.TxPlatformFee {
			fees++
			assert.Equal(t, "reward-1", e.IdempotencyKey)
		}
	}
	assert.Equal(t, 2, fees)
	f.requireChain(t)
}

func TestStatusPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	frozenUser, frozenWallet := f.user(t, "10")
	bannedUser, bannedWallet := f.user(t, "10")
	f.store.SetOwnerStatus(frozenUser, models.UserStatusFrozen)
	f.store.SetOwnerStatus(bannedUser, models.UserStatusBanned)

	apply := func(wallet uuid.UUID, typ models.TransactionType, amount, key string) error {
		_, err := f.engine.Apply(ctx, ApplyRequest{WalletID: wallet, Type: typ, Amount: models.MustAmount(amount), IdempotencyKey: key})
		return err
	}

	require.ErrorIs(t, apply(frozenWallet, models.TxWithdrawal, "-1", "f-debit"), ErrWalletFrozenOrBanned)
	require.NoError(t, apply(frozenWallet, models.TxDeposit, "1", "f-credit"))
	require.ErrorIs(t, apply(bannedWallet, models.TxWithdrawal, "-1", "b-debit"), ErrWalletFrozenOrBanned)
	require.ErrorIs(t, apply(bannedWallet, models.TxDeposit, "1", "b-credit"), ErrWalletFrozenOrBanned)
	require.NoError(t, apply(bannedWallet, models.TxAdminAdjustment, "-2", "b-adjust"))

	requireAmount(t, "11", f.wallet(t, frozenWallet).Balance, "frozen wallet")
	requireAmount(t, "8", f.wallet(t, bannedWallet).Balance, "banned wallet")

	cfg := DefaultConfig()
	cfg.Policy = StatusPolicy{FrozenAllowCredits: false, BannedAllowCredits: true}
	g := newFixtureWithConfig(t, cfg)
	u1, w1 := g.user(t, "0")
	u2, w2 := g.user(t, "0")
	g.store.SetOwnerStatus(u1, models.UserStatusFrozen)
	g.store.SetOwnerStatus(u2, models.UserStatusBanned)
	_, err := g.engine.Apply(ctx, ApplyRequest{WalletID: w1, Type: models.TxDeposit, Amount: models.MustAmount("1"), IdempotencyKey: "k1"})
	require.ErrorIs(t, err, ErrWalletFrozenOrBanned)
	_, err = g.engine.Apply(ctx, ApplyRequest{WalletID: w2, Type: models.TxDeposit, Amount: models.MustAmount("1"), IdempotencyKey: "k2"})
	require.NoError(t, err)
}

func TestReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")

	dep, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("5"), IdempotencyKey: "dep",
	})
	require.NoError(t, err)

	comp, err := f.engine.Reverse(ctx, dep.ID, "reverse-dep", "duplicate deposit")
	require.NoError(t, err)
	requireAmount(t, "-5", comp.Amount, "compensating amount")
	assert.Equal(t, models.TxDeposit, comp.Type)
	assert.Equal(t, models.RefReversal, comp.ReferenceType)
	assert.Equal(t, dep.ID.String(), comp.ReferenceID)
	requireAmount(t, "0", f.wallet(t, wallet).Balance, "balance after reversal")

	orig, err := f.store.GetTransaction(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusReversed, orig.Status)
	requireAmount(t, "5", orig.Amount, "original amount is immutable")

	again, err := f.engine.Reverse(ctx, dep.ID, "reverse-dep", "duplicate deposit")
	require.NoError(t, err)
	assert.Equal(t, comp.ID, again.ID)

	_, err = f.engine.Reverse(ctx, dep.ID, "reverse-dep-2", "again")
	require.ErrorIs(t, err, ErrNotReversible)
	_, err = f.engine.Reverse(ctx, comp.ID, "reverse-comp", "nested")
	require.ErrorIs(t, err, ErrNotReversible)
	f.requireChain(t)
}

func TestReverse_TaskRewardTakesItsFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")

	reward, err := f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxTaskReward, Amount: models.MustAmount("1"), IdempotencyKey: "reward",
	})
	require.NoError(t, err)
	requireAmount(t, "0.9", f.wallet(t, wallet).Balance, "reward less fee")
	requireAmount(t, "0.1", f.wallet(t, f.platform.ID).Balance, "fee")

	comp, err := f.engine.Reverse(ctx, reward.ID, "reverse-reward", "fraud")
	require.NoError(t, err)
	assert.Equal(t, reward.ID.String(), comp.ReferenceID)
	requireAmount(t, "-1", comp.Amount, "compensates the reward")
	assert.Equal(t, models.TxStatusReversed, comp.Status)

	requireAmount(t, "0", f.wallet(t, wallet).Balance, "worker back to zero")
	requireAmount(t, "0", f.wallet(t, f.platform.ID).Balance, "fee returned")
	requireAmount(t, "1", f.wallet(t, wallet).TotalEarned, "total earned is monotonic")
	for _, tx := range f.store.Transactions() {
		if tx.IdempotencyKey == "reward" {
			assert.Equal(t, models.TxStatusReversed, tx.Status, "%s leg", tx.Type)
		}
	}
	f.requireChain(t)
}

func TestReverse_CompletedSumsMatchBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, wallet := f.user(t, "10")

	wd, err := f.engine.RequestWithdrawal(ctx, WithdrawalRequest{UserID: user, Amount: models.MustAmount("5"), Method: models.WithdrawalTON})
	require.NoError(t, err)
	f.requireChain(t)
	_, err = f.engine.ReviewWithdrawal(ctx, wd.ID, uuid.New(), false, nil)
	require.NoError(t, err)
	requireAmount(t, "10", f.wallet(t, wallet).Balance, "rejected withdrawal")
	f.requireChain(t)

	dep, err := f.engine.Apply(ctx, ApplyRequest{WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("5"), IdempotencyKey: "extra"})
	require.NoError(t, err)
	_, err = f.engine.Reverse(ctx, dep.ID, "reverse-extra", "mistake")
	require.NoError(t, err)
	requireAmount(t, "10", f.wallet(t, wallet).Balance, "reversed deposit")
	f.requireChain(t)
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "0")
	dep, err := f.engine.Apply(ctx, ApplyRequest{WalletID: wallet, Type: models.TxDeposit, Amount: models.MustAmount("1"), IdempotencyKey: "d"})
	require.NoError(t, err)

	set := func(status models.TransactionStatus) error {
		return f.store.Within(ctx, func(ctx context.Context, u Unit) error {
			return u.SetTransactionStatus(ctx, dep.ID, status)
		})
	}
	require.ErrorIs(t, set(models.TxStatusPending), ErrNotReversible)
	require.ErrorIs(t, set(models.TxStatusFailed), ErrNotReversible)
	require.NoError(t, set(models.TxStatusReversed))
	require.ErrorIs(t, set(models.TxStatusCompleted), ErrNotReversible, "reversed is final")
}

func TestPost_FinishErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, wallet := f.user(t, "4")
	boom := fmt.Errorf("boom")

	_, err := f.engine.Post(ctx, Posting{
		Key:  "rollback",
		Legs: []Leg{{WalletID: wallet, Type: models.TxWithdrawal, Amount: models.MustAmount("-1")}},
		Finish: func(context.Context, Unit, []*models.Transaction) error {
			return boom
		},
	})
	require.ErrorIs(t, err, boom)
	requireAmount(t, "4", f.wallet(t, wallet).Balance, "balance")

	_, err = f.engine.Apply(ctx, ApplyRequest{
		WalletID: wallet, Type: models.TxWithdrawal, Amount: models.MustAmount("-1"), IdempotencyKey: "rollback",
	})
	require.NoError(t, err, "a rolled back key stays free")
}

// TestLedgerIntegrity runs a mixed concurrent workload and checks that every
// wallet's entries chain together and add up to its balances.
func TestLedgerIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := make([]uuid.UUID, 4)
	wallets := make([]uuid.UUID, 4)
	for i := range users {
		users[i], wallets[i] = f.user(t, "20")
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := i%4, (i+1)%4
			switch i % 4 {
			case 0:
				_, _ = f.engine.Transfer(ctx, TransferRequest{SenderID: users[a], ReceiverID: users[b], Amount: models.MustAmount("1.5")})
			case 1:
				_, _ = f.engine.Apply(ctx, ApplyRequest{WalletID: wallets[a], Type: models.TxTaskReward, Amount: models.MustAmount("0.33"), IdempotencyKey: fmt.Sprintf("r%d", i)})
			case 2:
				_, _ = f.engine.Apply(ctx, ApplyRequest{WalletID: wallets[a], Type: models.TxWithdrawal, Amount: models.MustAmount("-2"), IdempotencyKey: fmt.Sprintf("w%d", i)})
			case 3:
				_, _ = f.escrow.Hold(ctx, HoldRequest{TaskID: uuid.New(), CreatorID: users[a], Amount: models.MustAmount("0.7")})
			}
		}(i)
	}
	wg.Wait()
	f.requireChain(t)
}
