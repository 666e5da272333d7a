// Package bot runs the Telegram bot that points users to the Mini App.
package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
)

// Users resolves Telegram senders. It returns nil, nil for unknown ids.
type Users interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
}

// Wallets reads balances from the ledger.
type Wallets interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

// reply is what the bot sends back, independent of the Telegram client.
type reply struct {
	Text       string
	OpenAppURL string
}

// responder builds replies. It holds no Telegram state.
type responder struct {
	users      Users
	wallets    Wallets
	miniAppURL string
	log        *slog.Logger
}

func (r *responder) start(firstName string, args []string) reply {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to TaskEarn, <b>%s</b>!\n\n", html.EscapeString(firstName))
	b.WriteString("Complete simple tasks and earn rewards, or post your own tasks for others to do.")
	url := r.miniAppURL
	if len(args) > 0 && args[0] != "" {
		code := args[0]
		url = withStartParam(url, code)
		fmt.Fprintf(&b, "\n\nYou were invited with code <code>%s</code>. Open the app to claim your referral.", html.EscapeString(code))
	}
	return reply{Text: b.String(), OpenAppURL: url}
}

func (r *responder) help() reply {
	return reply{
		Text: "<b>Commands</b>\n" +
			"/start - open TaskEarn\n" +
			"/balance - show your wallet\n" +
			"/help - this message\n\n" +
			"Tasks, transfers and withdrawals live in the app.",
		OpenAppURL: r.miniAppURL,
	}
}

func (r *responder) balance(ctx context.Context, telegramID int64) reply {
	u, err := r.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		r.log.Error("bot balance: user lookup failed", "error", err, "telegram_id", telegramID)
		return reply{Text: "Something went wrong, please try again later."}
	}
	if u == nil {
		return reply{Text: "You don't have an account yet. Open the app to get started.", OpenAppURL: r.miniAppURL}
	}
	w, err := r.wallets.GetWallet(ctx, u.ID)
	if err != nil {
		r.log.Error("bot balance: wallet lookup failed", "error", err, "user_id", u.ID)
		return reply{Text: "Something went wrong, please try again later."}
	}
	return reply{Text: fmt.Sprintf(
		"<b>Your wallet</b>\nAvailable: %s\nIn escrow: %s\nTotal earned: %s",
		w.Balance.StringFixed(2), w.FrozenBalance.StringFixed(2), w.TotalEarned.StringFixed(2),
	)}
}

func (r *responder) fallback() reply {
	return reply{Text: "Use the app to browse tasks and manage your wallet.", OpenAppURL: r.miniAppURL}
}

// withStartParam passes the referral code to the Mini App as its start
// parameter.
func withStartParam(url, code string) string {
	if url == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "startapp=" + code
}

// Bot is a long-polling Telegram bot.
type Bot struct {
	api     *gotgbot.Bot
	updater *ext.Updater
	resp    *responder
	log     *slog.Logger
}

func New(token, miniAppURL string, users Users, wallets Wallets, log *slog.Logger) (*Bot, error) {
	if log == nil {
		log = slog.Default()
	}
	api, err := gotgbot.NewBot(token, nil)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	b := &Bot{
		api:  api,
		resp: &responder{users: users, wallets: wallets, miniAppURL: miniAppURL, log: log},
		log:  log,
	}

	d := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(_ *gotgbot.Bot, _ *ext.Context, err error) ext.DispatcherAction {
			log.Error("bot update failed", "error", err)
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	d.AddHandler(handlers.NewCommand("start", b.onStart))
	d.AddHandler(handlers.NewCommand("help", b.onHelp))
	d.AddHandler(handlers.NewCommand("balance", b.onBalance))
	d.AddHandler(handlers.NewMessage(isPlainText, b.onText))
	b.updater = ext.NewUpdater(d, nil)
	return b, nil
}

func isPlainText(msg *gotgbot.Message) bool {
	return msg.Text != "" && !strings.HasPrefix(msg.Text, "/")
}

// Start begins long polling in the background.
func (b *Bot) Start() error {
	err := b.updater.StartPolling(b.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	b.log.Info("telegram bot polling", "username", b.api.User.Username)
	return nil
}

func (b *Bot) Stop() {
	if err := b.updater.Stop(); err != nil {
		b.log.Error("stop bot", "error", err)
	}
}

func (b *Bot) onStart(api *gotgbot.Bot, ctx *ext.Context) error {
	args := ctx.Args()
	if len(args) > 0 {
		args = args[1:]
	}
	return b.send(api, ctx, b.resp.start(ctx.EffectiveUser.FirstName, args))
}

func (b *Bot) onHelp(api *gotgbot.Bot, ctx *ext.Context) error {
	return b.send(api, ctx, b.resp.help())
}

func (b *Bot) onBalance(api *gotgbot.Bot, ctx *ext.Context) error {
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.send(api, ctx, b.resp.balance(reqCtx, ctx.EffectiveUser.Id))
}

func (b *Bot) onText(api *gotgbot.Bot, ctx *ext.Context) error {
	return b.send(api, ctx, b.resp.fallback())
}

func (b *Bot) send(api *gotgbot.Bot, ctx *ext.Context, r reply) error {
	opts := &gotgbot.SendMessageOpts{ParseMode: "HTML"}
	if r.OpenAppURL != "" {
		opts.ReplyMarkup = gotgbot.InlineKeyboardMarkup{
			InlineKeyboard: [][]gotgbot.InlineKeyboardButton{{
				{Text: "Open TaskEarn", WebApp: &gotgbot.WebAppInfo{Url: r.OpenAppURL}},
			}},
		}
	}
	if _, err := ctx.EffectiveMessage.Reply(api, r.Text, opts); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}
