package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/taskearn/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Test fixture: an Engine over a MemoryStore with a funded platform wallet.
// ---------------------------------------------------------------------------

type fixture struct {
	store    *MemoryStore
	engine   *Engine
	escrow   *EscrowManager
	platform *models.Wallet
	events   *recordingSink
}

type recordingSink struct {
	committed [][]*models.Transaction
}

func (r *recordingSink) Committed(_ context.Context, txs []*models.Transaction) {
	r.committed = append(r.committed, txs)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := NewMemoryStore()
	platform := store.CreateWallet(models.PlatformUserID, time.Now().Add(-72*time.Hour))
	sink := &recordingSink{}
	engine := NewEngine(store, cfg, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{
		store:    store,
		engine:   engine,
		escrow:   NewEscrowManager(engine, store),
		platform: platform,
		events:   sink,
	}
}

// user creates a user old enough to withdraw and deposits balance into it.
func (f *fixture) user(t *testing.T, balance string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	w := f.store.CreateWallet(id, time.Now().Add(-72*time.Hour))
	if amt := models.MustAmount(balance); amt.IsPositive() {
		_, err := f.engine.Apply(context.Background(), ApplyRequest{
			WalletID:       w.ID,
			Type:           models.TxDeposit,
			Amount:         amt,
			IdempotencyKey: "seed:" + id.String(),
		})
		require.NoError(t, err)
	}
	return id, w.ID
}

func (f *fixture) wallet(t *testing.T, walletID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := f.store.GetWalletByID(context.Background(), walletID)
	require.NoError(t, err)
	return w
}

func requireAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	require.Truef(t, models.MustAmount(want).Equal(got), "%s: got %s, want %s", msg, got, want)
}

// requireChain checks every wallet's entries link up in sequence order, that
// the chain ends at the wallet's balances, and that the completed entries
// alone add up to those balances.
func (f *fixture) requireChain(t *testing.T) {
	t.Helper()
	byWallet := map[uuid.UUID][]*models.Transaction{}
	for _, tx := range f.store.Transactions() {
		require.Truef(t, tx.BalanceBefore.Add(tx.Amount).Equal(tx.BalanceAfter), "tx %s balance arithmetic", tx.ID)
		require.Truef(t, tx.FrozenBefore.Add(tx.FrozenAmount).Equal(tx.FrozenAfter), "tx %s frozen arithmetic", tx.ID)
		byWallet[tx.WalletID] = append(byWallet[tx.WalletID], tx)
	}
	for walletID, txs := range byWallet {
		bal, frozen := decimal.Zero, decimal.Zero
		sumBal, sumFrozen := decimal.Zero, decimal.Zero
		for _, tx := range txs {
			if tx.Status == models.TxStatusCompleted {
				sumBal = sumBal.Add(tx.Amount)
				sumFrozen = sumFrozen.Add(tx.FrozenAmount)
			}
			require.Truef(t, bal.Equal(tx.BalanceBefore), "wallet %s: entry %d starts at %s, chain at %s", walletID, tx.Seq, tx.BalanceBefore, bal)
			bal = tx.BalanceAfter
			frozen = tx.FrozenAfter
			require.False(t, bal.IsNegative())
			require.False(t, frozen.IsNegative())
		}
		w := f.wallet(t, walletID)
		require.Truef(t, w.Balance.Equal(bal), "wallet %s balance %s, log says %s", walletID, w.Balance, bal)
		require.Truef(t, w.FrozenBalance.Equal(frozen), "wallet %s frozen %s, log says %s", walletID, w.FrozenBalance, frozen)
		require.Truef(t, w.Balance.Equal(sumBal), "wallet %s balance %s, completed entries sum to %s", walletID, w.Balance, sumBal)
		require.Truef(t, w.FrozenBalance.Equal(sumFrozen), "wallet %s frozen %s, completed entries sum to %s", walletID, w.FrozenBalance, sumFrozen)
	}
}
