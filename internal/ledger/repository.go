package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Repository is the PostgreSQL Store. Units are pgx transactions and row
// locks are SELECT ... FOR UPDATE.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// TxFrom returns the pgx transaction behind a unit, or nil for units that are
// not backed by PostgreSQL.
func TxFrom(u Unit) pgx.Tx {
	if pu, ok := u.(*pgUnit); ok {
		return pu.tx
	}
	return nil
}

func (r *Repository) Within(ctx context.Context, fn func(ctx context.Context, u Unit) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, &pgUnit{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// CreateWalletTx opens an empty wallet for a user inside the caller's
// transaction.
func (r *Repository) CreateWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO wallets (id, user_id)
		VALUES ($1, $2)
		RETURNING `+walletColumns, uuid.New(), userID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, storageErr("create wallet", err)
	}
	return w, nil
}

const walletColumns = `id, user_id, balance, frozen_balance, total_earned, total_withdrawn, created_at, updated_at`

func scanWallet(row rowScanner, extra ...any) (*models.Wallet, error) {
	var w models.Wallet
	dest := append([]any{&w.ID, &w.UserID, &w.Balance, &w.FrozenBalance, &w.TotalEarned, &w.TotalWithdrawn, &w.CreatedAt, &w.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &w, nil
}

func getWallet(ctx context.Context, q querier, where string, arg any, lock bool) (*models.Wallet, error) {
	sql := `
		SELECT w.id, w.user_id, w.balance, w.frozen_balance, w.total_earned, w.total_withdrawn,
		       w.created_at, w.updated_at, u.status
		FROM wallets w JOIN users u ON u.id = w.user_id
		WHERE ` + where
	if lock {
		sql += ` FOR UPDATE OF w`
	}
	var status string
	w, err := scanWallet(q.QueryRow(ctx, sql, arg), &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, storageErr("get wallet", err)
	}
	w.OwnerStatus = models.UserStatus(status)
	return w, nil
}

func (r *Repository) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return getWallet(ctx, r.pool, `w.user_id = $1`, userID, false)
}

func (r *Repository) GetWalletByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return getWallet(ctx, r.pool, `w.id = $1`, walletID, false)
}

const txColumns = `id, seq, wallet_id, type, amount, balance_before, balance_after,
	frozen_amount, frozen_before, frozen_after,
	COALESCE(reference_id, ''), COALESCE(reference_type, ''), COALESCE(idempotency_key, ''),
	COALESCE(description, ''), status, created_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var typ, status string
	err := row.Scan(&t.ID, &t.Seq, &t.WalletID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.FrozenAmount, &t.FrozenBefore, &t.FrozenAfter,
		&t.ReferenceID, &t.ReferenceType, &t.IdempotencyKey, &t.Description, &status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func queryTransactions(ctx context.Context, q querier, sql string, args ...any) ([]*models.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr("query transactions", err)
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storageErr("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query transactions", err)
	}
	return out, nil
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, storageErr("get transaction", err)
	}
	return t, nil
}

func (r *Repository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE wallet_id = $1`, walletID).Scan(&total); err != nil {
		return nil, 0, storageErr("count transactions", err)
	}
	txs, err := queryTransactions(ctx, r.pool, `
		SELECT `+txColumns+` FROM transactions
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, walletID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (r *Repository) TransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]*models.Transaction, error) {
	return queryTransactions(ctx, r.pool, `
		SELECT `+txColumns+` FROM transactions
		WHERE reference_id = $1 AND reference_type = $2
		ORDER BY seq`, referenceID, referenceType)
}

const escrowColumns = `task_id, creator_id, wallet_id, amount, released, refunded, status, created_at, updated_at`

func getEscrow(ctx context.Context, q querier, taskID uuid.UUID, lock bool) (*models.Escrow, error) {
	sql := `SELECT ` + escrowColumns + ` FROM escrows WHERE task_id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var e models.Escrow
	var status string
	err := q.QueryRow(ctx, sql, taskID).Scan(&e.TaskID, &e.CreatorID, &e.WalletID, &e.Amount,
		&e.Released, &e.Refunded, &status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get escrow", err)
	}
	e.Status = models.EscrowStatus(status)
	return &e, nil
}

func (r *Repository) GetEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	return getEscrow(ctx, r.pool, taskID, false)
}

const referralColumns = `id, referrer_id, referred_id, bonus_amount, status, created_at, credited_at`

func getReferral(ctx context.Context, q querier, referredID uuid.UUID, lock bool) (*models.Referral, error) {
	sql := `SELECT ` + referralColumns + ` FROM referrals WHERE referred_id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var ref models.Referral
	var bonus decimal.NullDecimal
	var status string
	err := q.QueryRow(ctx, sql, referredID).Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &bonus,
		&status, &ref.CreatedAt, &ref.CreditedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get referral", err)
	}
	if bonus.Valid {
		ref.BonusAmount = &bonus.Decimal
	}
	ref.Status = models.ReferralStatus(status)
	return &ref, nil
}

func (r *Repository) GetReferralByReferred(ctx context.Context, referredID uuid.UUID) (*models.Referral, error) {
	return getReferral(ctx, r.pool, referredID, false)
}

const withdrawalColumns = `id, user_id, wallet_id, amount, fee, payout, method, wallet_address, status,
	transaction_id, fee_transaction_id, admin_id, admin_notes, transaction_hash, processed_at, created_at`

func scanWithdrawal(row rowScanner) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var method, status string
	err := row.Scan(&w.ID, &w.UserID, &w.WalletID, &w.Amount, &w.Fee, &w.Payout, &method, &w.WalletAddress,
		&status, &w.TransactionID, &w.FeeTransactionID, &w.AdminID, &w.AdminNotes, &w.TransactionHash,
		&w.ProcessedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Method = models.WithdrawalMethod(method)
	w.Status = models.WithdrawalStatus(status)
	return &w, nil
}

func getWithdrawal(ctx context.Context, q querier, id uuid.UUID, lock bool) (*models.Withdrawal, error) {
	sql := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	w, err := scanWithdrawal(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, storageErr("get withdrawal", err)
	}
	return w, nil
}

func (r *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return getWithdrawal(ctx, r.pool, id, false)
}

func (r *Repository) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM withdrawals WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, storageErr("count withdrawals", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, storageErr("list withdrawals", err)
	}
	defer rows.Close()
	var out []*models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, storageErr("scan withdrawal", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list withdrawals", err)
	}
	return out, total, nil
}

func (r *Repository) GetTransfer(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, sender_id, receiver_id, amount, note, status, created_at
		FROM transfers WHERE id = $1`, id).Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Note, &status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, storageErr("get transfer", err)
	}
	t.Status = models.TransferStatus(status)
	return &t, nil
}

// pgUnit is one pgx transaction.
type pgUnit struct {
	tx pgx.Tx
}

var _ Unit = (*pgUnit)(nil)

func (u *pgUnit) LockWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return getWallet(ctx, u.tx, `w.id = $1`, walletID, true)
}

func (u *pgUnit) SaveWallet(ctx context.Context, w *models.Wallet) error {
	_, err := u.tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $2, frozen_balance = $3, total_earned = $4, total_withdrawn = $5, updated_at = now()
		WHERE id = $1`, w.ID, w.Balance, w.FrozenBalance, w.TotalEarned, w.TotalWithdrawn)
	if err != nil {
		return storageErr("save wallet", err)
	}
	return nil
}

func (u *pgUnit) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := u.tx.QueryRow(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, balance_before, balance_after,
			frozen_amount, frozen_before, frozen_after, reference_id, reference_type,
			idempotency_key, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)
		RETURNING seq, created_at`,
		t.ID, t.WalletID, string(t.Type), t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.FrozenAmount, t.FrozenBefore, t.FrozenAfter, t.ReferenceID, t.ReferenceType,
		t.IdempotencyKey, t.Description, string(t.Status),
	).Scan(&t.Seq, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "transactions_idempotency_idx" {
			return errKeyRace
		}
		return storageErr("append transaction", err)
	}
	return nil
}

func (u *pgUnit) TransactionsByKey(ctx context.Context, key string) ([]*models.Transaction, error) {
	return queryTransactions(ctx, u.tx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1 ORDER BY seq`, key)
}

func (u *pgUnit) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(u.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, storageErr("lock transaction", err)
	}
	return t, nil
}

func (u *pgUnit) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	tag, err := u.tx.Exec(ctx, `UPDATE transactions SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return storageErr("set transaction status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (u *pgUnit) LockEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	return getEscrow(ctx, u.tx, taskID, true)
}

func (u *pgUnit) SaveEscrow(ctx context.Context, e *models.Escrow) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO escrows (task_id, creator_id, wallet_id, amount, released, refunded, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE
		SET released = EXCLUDED.released, refunded = EXCLUDED.refunded, status = EXCLUDED.status, updated_at = now()`,
		e.TaskID, e.CreatorID, e.WalletID, e.Amount, e.Released, e.Refunded, string(e.Status))
	if err != nil {
		return storageErr("save escrow", err)
	}
	return nil
}

func (u *pgUnit) LockReferral(ctx context.Context, referredID uuid.UUID) (*models.Referral, error) {
	return getReferral(ctx, u.tx, referredID, true)
}

func (u *pgUnit) SaveReferral(ctx context.Context, ref *models.Referral) error {
	_, err := u.tx.Exec(ctx, `
		UPDATE referrals SET status = $2, bonus_amount = $3, credited_at = $4
		WHERE id = $1`, ref.ID, string(ref.Status), ref.BonusAmount, ref.CreditedAt)
	if err != nil {
		return storageErr("save referral", err)
	}
	return nil
}

func (u *pgUnit) LockWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return getWithdrawal(ctx, u.tx, id, true)
}

func (u *pgUnit) SaveWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO withdrawals (id, user_id, wallet_id, amount, fee, payout, method, wallet_address, status,
			transaction_id, fee_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, admin_id = $12, admin_notes = $13, transaction_hash = $14, processed_at = $15`,
		w.ID, w.UserID, w.WalletID, w.Amount, w.Fee, w.Payout, string(w.Method), w.WalletAddress, string(w.Status),
		w.TransactionID, w.FeeTransactionID, w.AdminID, w.AdminNotes, w.TransactionHash, w.ProcessedAt)
	if err != nil {
		return storageErr("save withdrawal", err)
	}
	return nil
}

func (u *pgUnit) WithdrawnSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := u.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE user_id = $1 AND created_at >= $2 AND status <> 'rejected'`, userID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, storageErr("sum withdrawals", err)
	}
	return total, nil
}

func (u *pgUnit) SaveTransfer(ctx context.Context, t *models.Transfer) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO transfers (id, sender_id, receiver_id, amount, note, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SenderID, t.ReceiverID, t.Amount, t.Note, string(t.Status), t.CreatedAt)
	if err != nil {
		return storageErr("save transfer", err)
	}
	return nil
}
