package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskearn/backend/internal/models"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrDuplicateTelegramUser = errors.New("telegram user already registered")
)

// WalletCreator opens the ledger wallet of a new user inside the signup
// transaction.
type WalletCreator interface {
	CreateWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
}

// NewUser is the data taken from validated initData on first login.
type NewUser struct {
	TelegramID  int64
	Username    *string
	DisplayName *string
	Role        models.Role
}

type ReferralStats struct {
	ReferralCode    string `json:"referralCode"`
	TotalReferred   int    `json:"totalReferred"`
	PendingBonuses  int    `json:"pendingBonuses"`
	CreditedBonuses int    `json:"creditedBonuses"`
}

type Repository struct {
	pool    *pgxpool.Pool
	wallets WalletCreator
}

func NewRepository(pool *pgxpool.Pool, wallets WalletCreator) *Repository {
	return &Repository{pool: pool, wallets: wallets}
}

const userColumns = `id, telegram_id, telegram_username, display_name, role, status, referral_code, referred_by, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var role, status string
	if err := row.Scan(&u.ID, &u.TelegramID, &u.TelegramUsername, &u.DisplayName, &role, &status,
		&u.ReferralCode, &u.ReferredBy, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.Status = models.UserStatus(status)
	return &u, nil
}

// GetByTelegramID returns nil if no user has the Telegram id.
func (r *Repository) GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

const maxCodeAttempts = 3

// Create inserts the user, its wallet and, when referrerCode names another
// user, a pending referral, all in one transaction.
func (r *Repository) Create(ctx context.Context, nu NewUser, referrerCode string) (*models.User, error) {
	for attempt := 1; ; attempt++ {
		u, err := r.create(ctx, nu, referrerCode)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "users_telegram_id_key":
				return nil, ErrDuplicateTelegramUser
			case "users_referral_code_key":
				if attempt < maxCodeAttempts {
					continue
				}
			}
		}
		return u, err
	}
}

func (r *Repository) create(ctx context.Context, nu NewUser, referrerCode string) (*models.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx, `
		INSERT INTO users (id, telegram_id, telegram_username, display_name, role, referral_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		uuid.New(), nu.TelegramID, nu.Username, nu.DisplayName, string(nu.Role), newReferralCode()))
	if err != nil {
		return nil, err
	}
	if _, err := r.wallets.CreateWalletTx(ctx, tx, u.ID); err != nil {
		return nil, err
	}

	if referrerCode != "" {
		var referrerID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE referral_code = $1`, referrerCode).Scan(&referrerID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("lookup referrer: %w", err)
		case referrerID != u.ID:
			if _, err := tx.Exec(ctx, `UPDATE users SET referred_by = $2 WHERE id = $1`, u.ID, referrerID); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO referrals (id, referrer_id, referred_id, status)
				VALUES ($1, $2, $3, 'pending')
			`, uuid.New(), referrerID, u.ID); err != nil {
				return nil, err
			}
			u.ReferredBy = &referrerID
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) ReferralStats(ctx context.Context, userID uuid.UUID) (*ReferralStats, error) {
	var s ReferralStats
	err := r.pool.QueryRow(ctx, `
		SELECT u.referral_code,
		       COUNT(rf.id),
		       COUNT(rf.id) FILTER (WHERE rf.status = 'pending'),
		       COUNT(rf.id) FILTER (WHERE rf.status = 'credited')
		FROM users u
		LEFT JOIN referrals rf ON rf.referrer_id = u.id
		WHERE u.id = $1
		GROUP BY u.referral_code
	`, userID).Scan(&s.ReferralCode, &s.TotalReferred, &s.PendingBonuses, &s.CreditedBonuses)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_-"

// newReferralCode returns 10 random characters from a URL-safe alphabet.
func newReferralCode() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
