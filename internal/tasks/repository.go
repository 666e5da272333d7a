package tasks

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskearn/backend/internal/models"
)

// Repository persists tasks and submissions. Methods ending in Tx run inside
// the caller's transaction, usually the ledger unit that moves the escrow.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const taskColumns = `id, creator_id, title, description, instructions, proof_type, reward_per_user,
	max_completions, current_completions, total_budget, status, rejection_reason, expires_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var proof, status string
	if err := row.Scan(&t.ID, &t.CreatorID, &t.Title, &t.Description, &t.Instructions, &proof, &t.RewardPerUser,
		&t.MaxCompletions, &t.CurrentCompletions, &t.TotalBudget, &status, &t.RejectionReason, &t.ExpiresAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	t.ProofType = models.ProofType(proof)
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, creator_id, title, description, instructions, proof_type, reward_per_user,
		                   max_completions, total_budget, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, t.ID, t.CreatorID, t.Title, t.Description, t.Instructions, string(t.ProofType), t.RewardPerUser,
		t.MaxCompletions, t.TotalBudget, string(t.Status), t.ExpiresAt).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (r *Repository) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.TaskStatus, reason *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, rejection_reason = COALESCE($3, rejection_reason), updated_at = now()
		WHERE id = $1
	`, id, string(status), reason)
	return err
}

// AddCompletionTx counts one approved submission and closes the task when the
// last slot is filled. It returns the updated task.
func (r *Repository) AddCompletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET current_completions = current_completions + 1,
		    status = CASE WHEN current_completions + 1 >= max_completions THEN 'completed' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns, id))
}

func (r *Repository) list(ctx context.Context, where string, limit, offset int, args ...any) ([]*models.Task, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $`+strconv.Itoa(n+1)+` OFFSET $`+strconv.Itoa(n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectTasks(rows)
	return list, total, err
}

func (r *Repository) ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*models.Task, int, error) {
	return r.list(ctx, `status = 'active' AND current_completions < max_completions AND (expires_at IS NULL OR expires_at > $1)`, limit, offset, now)
}

func (r *Repository) ListByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]*models.Task, int, error) {
	return r.list(ctx, `creator_id = $1`, limit, offset, creatorID)
}

func (r *Repository) ListByStatus(ctx context.Context, status models.TaskStatus, limit, offset int) ([]*models.Task, int, error) {
	return r.list(ctx, `status = $1`, limit, offset, string(status))
}

// ListExpired returns open tasks whose expiry has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending_approval', 'active', 'paused') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const submissionColumns = `id, task_id, worker_id, proof_text, proof_url, status, rejection_reason, reviewed_at, created_at`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var s models.Submission
	var status string
	if err := row.Scan(&s.ID, &s.TaskID, &s.WorkerID, &s.ProofText, &s.ProofURL, &status,
		&s.RejectionReason, &s.ReviewedAt, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	s.Status = models.SubmissionStatus(status)
	return &s, nil
}

func (r *Repository) CreateSubmission(ctx context.Context, s *models.Submission) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO submissions (id, task_id, worker_id, proof_text, proof_url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, s.ID, s.TaskID, s.WorkerID, s.ProofText, s.ProofURL, string(s.Status)).Scan(&s.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadySubmitted
	}
	return err
}

func (r *Repository) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

func (r *Repository) LockSubmissionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Submission, error) {
	return scanSubmission(tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) ReviewSubmissionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.SubmissionStatus, reason *string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE submissions SET status = $2, rejection_reason = $3, reviewed_at = $4 WHERE id = $1
	`, id, string(status), reason, at)
	return err
}

// RejectPendingTx closes every pending submission of a task that no longer
// pays out.
func (r *Repository) RejectPendingTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE submissions SET status = 'rejected', rejection_reason = $2, reviewed_at = $3
		WHERE task_id = $1 AND status = 'pending'
	`, taskID, reason, at)
	return err
}

func (r *Repository) listSubmissions(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE `+column+` = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []*models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, s)
	}
	return list, total, rows.Err()
}

func (r *Repository) ListSubmissionsByTask(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	return r.listSubmissions(ctx, "task_id", taskID, limit, offset)
}

func (r *Repository) ListSubmissionsByWorker(ctx context.Context, workerID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	return r.listSubmissions(ctx, "worker_id", workerID, limit, offset)
}
