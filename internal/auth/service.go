package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
)

// ErrUserBanned is returned when a banned user tries to sign in.
var ErrUserBanned = errors.New("user is banned")

// UserStore is the persistence the auth service needs.
type UserStore interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Create(ctx context.Context, nu NewUser, referrerCode string) (*models.User, error)
	ReferralStats(ctx context.Context, userID uuid.UUID) (*ReferralStats, error)
}

// WalletReader reads the caller's wallet for the profile endpoint.
type WalletReader interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

type Options struct {
	BotToken       string
	JWTSecret      string
	TokenTTL       time.Duration
	InitDataMaxAge time.Duration
	// IsAdmin reports whether a Telegram id is promoted to admin on signup.
	IsAdmin func(telegramID int64) bool
}

type Session struct {
	Token  string         `json:"token"`
	User   *models.User   `json:"user"`
	Wallet *models.Wallet `json:"wallet,omitempty"`
	IsNew  bool           `json:"isNew"`
}

type Profile struct {
	*models.User
	Wallet *models.Wallet `json:"wallet"`
}

type Service interface {
	AuthenticateTelegram(ctx context.Context, initData, referralCode string) (*Session, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, models.Role, error)
	Me(ctx context.Context, userID uuid.UUID) (*Profile, error)
	ReferralStats(ctx context.Context, userID uuid.UUID) (*ReferralStats, error)
}

type service struct {
	users   UserStore
	wallets WalletReader
	opts    Options
	secret  []byte
	now     func() time.Time
}

func NewService(users UserStore, wallets WalletReader, opts Options) *service {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 7 * 24 * time.Hour
	}
	if opts.InitDataMaxAge == 0 {
		opts.InitDataMaxAge = 24 * time.Hour
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(int64) bool { return false }
	}
	return &service{users: users, wallets: wallets, opts: opts, secret: []byte(opts.JWTSecret), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	TelegramID string `json:"telegram_id"`
	Role       string `json:"role"`
}

func (s *service) AuthenticateTelegram(ctx context.Context, initData, referralCode string) (*Session, error) {
	tg, err := ValidateInitData(initData, s.opts.BotToken, s.opts.InitDataMaxAge, s.now())
	if err != nil {
		return nil, err
	}

	user, isNew, err := s.findOrCreate(ctx, tg, referralCode)
	if err != nil {
		return nil, err
	}
	if user.Status == models.UserStatusBanned {
		return nil, ErrUserBanned
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, err
	}
	wallet, err := s.wallets.GetWallet(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &Session{Token: token, User: user, Wallet: wallet, IsNew: isNew}, nil
}

func (s *service) findOrCreate(ctx context.Context, tg *TelegramUser, referralCode string) (*models.User, bool, error) {
	user, err := s.users.GetByTelegramID(ctx, tg.ID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	nu := NewUser{TelegramID: tg.ID, Role: models.RoleWorker}
	if tg.Username != "" {
		nu.Username = &tg.Username
	}
	if tg.FirstName != "" {
		nu.DisplayName = &tg.FirstName
	}
	if s.opts.IsAdmin(tg.ID) {
		nu.Role = models.RoleAdmin
	}

	user, err = s.users.Create(ctx, nu, referralCode)
	if errors.Is(err, ErrDuplicateTelegramUser) {
		// A concurrent first login won the insert.
		user, err = s.users.GetByTelegramID(ctx, tg.ID)
		if err == nil && user == nil {
			err = ErrUserNotFound
		}
		return user, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *service) issueToken(u *models.User) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TelegramID: strconv.FormatInt(u.TelegramID, 10),
		Role:       string(u.Role),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, models.Role, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	role := models.Role(c.Role)
	if !role.Valid() {
		return uuid.Nil, "", errors.New("invalid role claim")
	}
	return id, role, nil
}

func (s *service) Me(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.wallets.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: user, Wallet: wallet}, nil
}

func (s *service) ReferralStats(ctx context.Context, userID uuid.UUID) (*ReferralStats, error) {
	return s.users.ReferralStats(ctx, userID)
}
