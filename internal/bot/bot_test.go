package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/taskearn/backend/internal/models"
)

type stubUsers map[int64]*models.User

func (s stubUsers) GetByTelegramID(_ context.Context, id int64) (*models.User, error) {
	if id < 0 {
		return nil, errors.New("db down")
	}
	return s[id], nil
}

type stubWallets map[uuid.UUID]*models.Wallet

func (s stubWallets) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, ok := s[userID]
	if !ok {
		return nil, errors.New("no wallet")
	}
	return w, nil
}

func newTestResponder() *responder {
	alice := &models.User{ID: uuid.New(), TelegramID: 42}
	return &responder{
		users: stubUsers{42: alice},
		wallets: stubWallets{alice.ID: {
			Balance:       models.MustAmount("12.5"),
			FrozenBalance: models.MustAmount("3"),
			TotalEarned:   models.MustAmount("20.125"),
		}},
		miniAppURL: "https://t.me/taskearn_bot/app",
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestStart_WithReferralCode(t *testing.T) {
	r := newTestResponder()

	got := r.start("Alice <3", []string{"AbC123xyz0"})
	assert.Contains(t, got.Text, "Alice &lt;3")
	assert.Contains(t, got.Text, "<code>AbC123xyz0</code>")
	assert.Equal(t, "https://t.me/taskearn_bot/app?startapp=AbC123xyz0", got.OpenAppURL)

	plain := r.start("Bob", nil)
	assert.NotContains(t, plain.Text, "invited")
	assert.Equal(t, r.miniAppURL, plain.OpenAppURL)
}

func TestBalance(t *testing.T) {
	r := newTestResponder()

	got := r.balance(context.Background(), 42)
	assert.Contains(t, got.Text, "Available: 12.50")
	assert.Contains(t, got.Text, "In escrow: 3.00")
	assert.Contains(t, got.Text, "Total earned: 20.13")
	assert.Empty(t, got.OpenAppURL)

	unknown := r.balance(context.Background(), 7)
	assert.Contains(t, unknown.Text, "don't have an account")
	assert.Equal(t, r.miniAppURL, unknown.OpenAppURL)

	broken := r.balance(context.Background(), -1)
	assert.Contains(t, broken.Text, "went wrong")
}

func TestWithStartParam(t *testing.T) {
	assert.Equal(t, "https://x.app/?a=1&startapp=c", withStartParam("https://x.app/?a=1", "c"))
	assert.Equal(t, "", withStartParam("", "c"))
}

func TestIsPlainText(t *testing.T) {
	assert.True(t, isPlainText(&gotgbot.Message{Text: "hello"}))
	assert.False(t, isPlainText(&gotgbot.Message{Text: "/start"}))
	assert.False(t, isPlainText(&gotgbot.Message{}))
}
