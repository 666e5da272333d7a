package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// Stats is the admin dashboard summary.
type Stats struct {
	TotalUsers         int             `json:"totalUsers"`
	ActiveTasks        int             `json:"activeTasks"`
	PendingTasks       int             `json:"pendingTasks"`
	PendingWithdrawals int             `json:"pendingWithdrawals"`
	TotalBalance       decimal.Decimal `json:"totalBalance"`
	TotalEscrowed      decimal.Decimal `json:"totalEscrowed"`
	PlatformRevenue    decimal.Decimal `json:"platformRevenue"`
	TotalWithdrawn     decimal.Decimal `json:"totalWithdrawn"`
}

// UserSummary is a user row with its wallet balances.
type UserSummary struct {
	models.User
	Balance       decimal.Decimal `json:"balance"`
	FrozenBalance decimal.Decimal `json:"frozenBalance"`
	TotalEarned   decimal.Decimal `json:"totalEarned"`
}

// UserUpdate carries the fields an admin may change. Nil fields are kept.
type UserUpdate struct {
	Status *models.UserStatus `json:"status"`
	Role   *models.Role       `json:"role"`
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE id <> $1),
			(SELECT COUNT(*) FROM tasks WHERE status = 'active'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'pending_approval'),
			(SELECT COUNT(*) FROM withdrawals WHERE status = 'pending'),
			(SELECT COALESCE(SUM(balance), 0) FROM wallets WHERE user_id <> $1),
			(SELECT COALESCE(SUM(frozen_balance), 0) FROM wallets),
			COALESCE((SELECT balance FROM wallets WHERE user_id = $1), 0),
			(SELECT COALESCE(SUM(total_withdrawn), 0) FROM wallets)`,
		models.PlatformUserID,
	).Scan(&s.TotalUsers, &s.ActiveTasks, &s.PendingTasks, &s.PendingWithdrawals,
		&s.TotalBalance, &s.TotalEscrowed, &s.PlatformRevenue, &s.TotalWithdrawn)
	if err != nil {
		return nil, fmt.Errorf("admin stats: %w", err)
	}
	return &s, nil
}

const summaryColumns = `u.id, u.telegram_id, u.telegram_username, u.display_name, u.role, u.status,
	u.referral_code, u.referred_by, u.created_at, u.updated_at,
	COALESCE(w.balance, 0), COALESCE(w.frozen_balance, 0), COALESCE(w.total_earned, 0)`

func scanSummary(row pgx.Row) (*UserSummary, error) {
	var s UserSummary
	var role, status string
	if err := row.Scan(&s.ID, &s.TelegramID, &s.TelegramUsername, &s.DisplayName, &role, &status,
		&s.ReferralCode, &s.ReferredBy, &s.CreatedAt, &s.UpdatedAt,
		&s.Balance, &s.FrozenBalance, &s.TotalEarned); err != nil {
		return nil, err
	}
	s.Role = models.Role(role)
	s.Status = models.UserStatus(status)
	return &s, nil
}

// ListUsers pages through users, newest first. search matches the username
// or display name case-insensitively.
func (r *Repository) ListUsers(ctx context.Context, search string, limit, offset int) ([]*UserSummary, int, error) {
	where := `u.id <> $1`
	args := []any{models.PlatformUserID}
	if search = strings.TrimSpace(search); search != "" {
		args = append(args, "%"+search+"%")
		where += ` AND (u.telegram_username ILIKE $2 OR u.display_name ILIKE $2)`
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users u WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM users u LEFT JOIN wallets w ON w.user_id = u.id
		WHERE %s ORDER BY u.created_at DESC LIMIT $%d OFFSET $%d`, summaryColumns, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*UserSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// UpdateUser applies u and returns the updated row. The ledger reads the
// owner status through the users table, so a freeze takes effect on the
// next posting.
func (r *Repository) UpdateUser(ctx context.Context, id uuid.UUID, u UserUpdate) (*UserSummary, error) {
	var status, role *string
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}
	if u.Role != nil {
		s := string(*u.Role)
		role = &s
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET status = COALESCE($2, status), role = COALESCE($3, role), updated_at = now()
		WHERE id = $1 AND id <> $4`, id, status, role, models.PlatformUserID)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrUserNotFound
	}
	return r.GetUser(ctx, id)
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*UserSummary, error) {
	s, err := scanSummary(r.pool.QueryRow(ctx, `
		SELECT `+summaryColumns+` FROM users u LEFT JOIN wallets w ON w.user_id = u.id
		WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return s, err
}

// ListWithdrawals pages through withdrawals in one status, oldest first so
// the queue is worked in order.
func (r *Repository) ListWithdrawals(ctx context.Context, status models.WithdrawalStatus, limit, offset int) ([]*models.Withdrawal, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawals WHERE status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count withdrawals: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, fee, payout, method, wallet_address, status,
		       admin_id, admin_notes, transaction_hash, processed_at, created_at
		FROM withdrawals WHERE status = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*models.Withdrawal
	for rows.Next() {
		var w models.Withdrawal
		var method, st string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.Payout, &method, &w.WalletAddress, &st,
			&w.AdminID, &w.AdminNotes, &w.TransactionHash, &w.ProcessedAt, &w.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan withdrawal: %w", err)
		}
		w.Method = models.WithdrawalMethod(method)
		w.Status = models.WithdrawalStatus(st)
		out = append(out, &w)
	}
	return out, total, rows.Err()
}
