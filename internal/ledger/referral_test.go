package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskearn/backend/internal/models"
)

func TestCreditReferral_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer, referrerWallet := f.user(t, "0")
	referred, _ := f.user(t, "0")
	ref := f.store.AddReferral(referrer, referred)
	proc := NewReferralProcessor(f.engine, f.store)

	credited, err := proc.CreditReferral(ctx, referred, "first task approved")
	require.NoError(t, err)
	require.NotNil(t, credited)
	assert.Equal(t, ref.ID, credited.ID)
	assert.Equal(t, models.ReferralCredited, credited.Status)
	require.NotNil(t, credited.BonusAmount)
	requireAmount(t, "0.05", *credited.BonusAmount, "bonus")

	for i := 0; i < 3; i++ {
		again, err := proc.CreditReferral(ctx, referred, "another approval")
		require.NoError(t, err)
		assert.Nil(t, again)
	}

	w := f.wallet(t, referrerWallet)
	requireAmount(t, "0.05", w.Balance, "referrer balance")
	requireAmount(t, "0.05", w.TotalEarned, "referrer total earned")

	stored, err := f.store.GetReferralByReferred(ctx, referred)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralCredited, stored.Status)
}

func TestCreditReferral_NoReferralIsNoop(t *testing.T) {
	f := newFixture(t)
	proc := NewReferralProcessor(f.engine, f.store)
	before := len(f.store.Transactions())

	got, err := proc.CreditReferral(context.Background(), uuid.New(), "first task approved")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Len(t, f.store.Transactions(), before)
}

func TestCreditReferral_ConcurrentTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer, referrerWallet := f.user(t, "0")
	referred, _ := f.user(t, "0")
	f.store.AddReferral(referrer, referred)
	proc := NewReferralProcessor(f.engine, f.store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := proc.CreditReferral(ctx, referred, "approval")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	requireAmount(t, "0.05", f.wallet(t, referrerWallet).Balance, "bonus paid once")
	bonuses := 0
	for _, tx := range f.store.Transactions() {
		if tx.Type == models.TxReferralBonus {
			bonuses++
		}
	}
	assert.Equal(t, 1, bonuses)
}
