package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/jobs"
	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/models"
)

// Repo is the task persistence the service needs.
type Repo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.TaskStatus, reason *string) error
	AddCompletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*models.Task, int, error)
	ListByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]*models.Task, int, error)
	ListByStatus(ctx context.Context, status models.TaskStatus, limit, offset int) ([]*models.Task, int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)

	CreateSubmission(ctx context.Context, s *models.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	LockSubmissionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Submission, error)
	ReviewSubmissionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.SubmissionStatus, reason *string, at time.Time) error
	RejectPendingTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, reason string, at time.Time) error
	ListSubmissionsByTask(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]*models.Submission, int, error)
	ListSubmissionsByWorker(ctx context.Context, workerID uuid.UUID, limit, offset int) ([]*models.Submission, int, error)
}

// Escrow is the part of the ledger that funds tasks.
type Escrow interface {
	HoldEscrow(ctx context.Context, req ledger.HoldRequest) (*ledger.Result, error)
	ReleaseEscrow(ctx context.Context, req ledger.ReleaseRequest) (*ledger.Result, error)
	RefundEscrow(ctx context.Context, req ledger.RefundRequest) (*ledger.Result, error)
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error)
}

type CreateInput struct {
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Instructions   string           `json:"instructions"`
	ProofType      models.ProofType `json:"proofType"`
	RewardPerUser  decimal.Decimal  `json:"rewardPerUser"`
	MaxCompletions int              `json:"maxCompletions"`
	ExpiresAt      *time.Time       `json:"expiresAt"`
}

type SubmitInput struct {
	ProofText     *string `json:"proofText"`
	ProofLink     *string `json:"proofLink"`
	ProofImageURL *string `json:"proofImageUrl"`
}

type Service interface {
	Create(ctx context.Context, creatorID uuid.UUID, in CreateInput) (*models.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListActive(ctx context.Context, limit, offset int) ([]*models.Task, int, error)
	ListByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]*models.Task, int, error)
	ListPendingApproval(ctx context.Context, limit, offset int) ([]*models.Task, int, error)
	Review(ctx context.Context, taskID uuid.UUID, approve bool, notes *string) (*models.Task, error)
	SetPaused(ctx context.Context, taskID, creatorID uuid.UUID, paused bool) (*models.Task, error)
	Cancel(ctx context.Context, taskID, creatorID uuid.UUID) (*models.Task, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)

	Submit(ctx context.Context, taskID, workerID uuid.UUID, in SubmitInput) (*models.Submission, error)
	ListSubmissions(ctx context.Context, taskID, creatorID uuid.UUID, limit, offset int) ([]*models.Submission, int, error)
	ListMySubmissions(ctx context.Context, workerID uuid.UUID, limit, offset int) ([]*models.Submission, int, error)
	ReviewSubmission(ctx context.Context, taskID, submissionID, creatorID uuid.UUID, approve bool, reason *string) (*models.Submission, error)
}

type service struct {
	repo           Repo
	escrow         Escrow
	insertReferral jobs.InsertCreditReferralTxFunc
	minReward      decimal.Decimal
	log            *slog.Logger
	now            func() time.Time
}

// NewService creates the task service. insertReferral is typically a closure
// over river.Client.InsertTx.
func NewService(repo Repo, escrow Escrow, insertReferral jobs.InsertCreditReferralTxFunc, minReward decimal.Decimal, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{repo: repo, escrow: escrow, insertReferral: insertReferral, minReward: minReward, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

const (
	expireBatch        = 100
	referralTrigger    = "task_approved"
	cancelledRejection = "task was cancelled"
)

func (s *service) Create(ctx context.Context, creatorID uuid.UUID, in CreateInput) (*models.Task, error) {
	if err := s.checkCreate(in); err != nil {
		return nil, err
	}
	t := &models.Task{
		ID:             uuid.New(),
		CreatorID:      creatorID,
		Title:          in.Title,
		Description:    in.Description,
		Instructions:   in.Instructions,
		ProofType:      in.ProofType,
		RewardPerUser:  in.RewardPerUser,
		MaxCompletions: in.MaxCompletions,
		TotalBudget:    in.RewardPerUser.Mul(decimal.NewFromInt(int64(in.MaxCompletions))),
		Status:         models.TaskPendingApproval,
		ExpiresAt:      in.ExpiresAt,
	}
	_, err := s.escrow.HoldEscrow(ctx, ledger.HoldRequest{
		TaskID:    t.ID,
		CreatorID: creatorID,
		Amount:    t.TotalBudget,
		OnApplied: func(ctx context.Context, u ledger.Unit) error {
			return s.repo.CreateTx(ctx, ledger.TxFrom(u), t)
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task created", "task_id", t.ID, "creator_id", creatorID, "budget", t.TotalBudget)
	return t, nil
}

func (s *service) checkCreate(in CreateInput) error {
	switch {
	case !in.ProofType.Valid():
		return fmt.Errorf("%w: unknown proof type %q", ErrInvalidTask, in.ProofType)
	case in.RewardPerUser.LessThan(s.minReward):
		return fmt.Errorf("%w: reward per user must be at least %s", ErrInvalidTask, s.minReward)
	case !in.RewardPerUser.Equal(in.RewardPerUser.Truncate(models.MoneyScale)):
		return fmt.Errorf("%w: reward has more than %d decimal places", ErrInvalidTask, models.MoneyScale)
	case in.MaxCompletions < 1:
		return fmt.Errorf("%w: max completions must be at least 1", ErrInvalidTask)
	case in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()):
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidTask)
	}
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) ListActive(ctx context.Context, limit, offset int) ([]*models.Task, int, error) {
	return s.repo.ListActive(ctx, s.now(), limit, offset)
}

func (s *service) ListByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]*models.Task, int, error) {
	return s.repo.ListByCreator(ctx, creatorID, limit, offset)
}

func (s *service) ListPendingApproval(ctx context.Context, limit, offset int) ([]*models.Task, int, error) {
	return s.repo.ListByStatus(ctx, models.TaskPendingApproval, limit, offset)
}

// Review is the admin decision on a new task. Rejection refunds the whole
// budget to the creator.
func (s *service) Review(ctx context.Context, taskID uuid.UUID, approve bool, notes *string) (*models.Task, error) {
	if approve {
		return s.transition(ctx, taskID, func(t *models.Task) error {
			if t.Status != models.TaskPendingApproval {
				return ErrTaskStateConflict
			}
			t.Status = models.TaskActive
			return nil
		})
	}
	return s.close(ctx, taskID, func(t *models.Task) error {
		if t.Status != models.TaskPendingApproval {
			return ErrTaskStateConflict
		}
		t.Status = models.TaskRejected
		t.RejectionReason = notes
		return nil
	})
}

func (s *service) SetPaused(ctx context.Context, taskID, creatorID uuid.UUID, paused bool) (*models.Task, error) {
	return s.transition(ctx, taskID, func(t *models.Task) error {
		if t.CreatorID != creatorID {
			return ErrNotTaskOwner
		}
		switch {
		case paused && t.Status == models.TaskActive:
			t.Status = models.TaskPaused
		case !paused && t.Status == models.TaskPaused:
			t.Status = models.TaskActive
		default:
			return ErrTaskStateConflict
		}
		return nil
	})
}

// Cancel closes an open task and refunds what is left of its budget.
func (s *service) Cancel(ctx context.Context, taskID, creatorID uuid.UUID) (*models.Task, error) {
	return s.close(ctx, taskID, func(t *models.Task) error {
		if t.CreatorID != creatorID {
			return ErrNotTaskOwner
		}
		if !t.Status.Open() {
			return ErrTaskStateConflict
		}
		t.Status = models.TaskCancelled
		return nil
	})
}

// ExpireDue cancels open tasks past their expiry and refunds the remainder.
// It returns how many tasks were closed.
func (s *service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListExpired(ctx, now, expireBatch)
	if err != nil {
		return 0, err
	}
	var n int
	var errs []error
	for _, t := range due {
		_, err := s.close(ctx, t.ID, func(cur *models.Task) error {
			if !cur.Status.Open() {
				return ErrTaskStateConflict
			}
			cur.Status = models.TaskCancelled
			reason := "expired"
			cur.RejectionReason = &reason
			return nil
		})
		if errors.Is(err, ErrTaskStateConflict) {
			continue
		}
		if err != nil {
			s.log.Error("expire task failed", "error", err, "task_id", t.ID)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// transition applies a status change that moves no money.
func (s *service) transition(ctx context.Context, taskID uuid.UUID, apply func(t *models.Task) error) (*models.Task, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := apply(t); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatusTx(ctx, tx, t.ID, t.Status, t.RejectionReason); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// close refunds the remaining escrow and applies the closing status in the
// same ledger unit. Pending submissions are rejected.
func (s *service) close(ctx context.Context, taskID uuid.UUID, apply func(t *models.Task) error) (*models.Task, error) {
	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	esc, err := s.escrow.GetEscrow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if esc == nil || esc.Status != models.EscrowHeld {
		return nil, ErrTaskStateConflict
	}

	var closed *models.Task
	res, err := s.escrow.RefundEscrow(ctx, ledger.RefundRequest{
		TaskID:    taskID,
		CreatorID: t.CreatorID,
		Amount:    esc.Remaining(),
		OnApplied: func(ctx context.Context, u ledger.Unit) error {
			tx := ledger.TxFrom(u)
			cur, err := s.repo.LockTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if err := apply(cur); err != nil {
				return err
			}
			if err := s.repo.UpdateStatusTx(ctx, tx, cur.ID, cur.Status, cur.RejectionReason); err != nil {
				return err
			}
			if err := s.repo.RejectPendingTx(ctx, tx, cur.ID, cancelledRejection, s.now()); err != nil {
				return err
			}
			closed = cur
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrEscrowStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrTaskStateConflict, err)
		}
		return nil, err
	}
	if res.Replayed || closed == nil {
		return s.repo.GetByID(ctx, taskID)
	}
	s.log.Info("task closed", "task_id", taskID, "status", closed.Status, "refunded", esc.Remaining())
	return closed, nil
}

func (s *service) Submit(ctx context.Context, taskID, workerID uuid.UUID, in SubmitInput) (*models.Submission, error) {
	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.CreatorID == workerID:
		return nil, ErrOwnTask
	case t.Status != models.TaskActive:
		return nil, ErrTaskStateConflict
	case t.ExpiresAt != nil && !t.ExpiresAt.After(s.now()):
		return nil, ErrTaskStateConflict
	case t.CurrentCompletions >= t.MaxCompletions:
		return nil, ErrTaskFull
	}

	sub := &models.Submission{
		ID:       uuid.New(),
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   models.SubmissionPending,
	}
	if err := attachProof(sub, t.ProofType, in); err != nil {
		return nil, err
	}
	if err := s.repo.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// attachProof checks that the proof fits the task: text tasks need text,
// link and image tasks need a URL.
func attachProof(sub *models.Submission, proof models.ProofType, in SubmitInput) error {
	sub.ProofText = in.ProofText
	switch proof {
	case models.ProofText:
		if in.ProofText == nil || *in.ProofText == "" {
			return fmt.Errorf("%w: proofText is required", ErrProofMismatch)
		}
	case models.ProofLink:
		if in.ProofLink == nil {
			return fmt.Errorf("%w: proofLink is required", ErrProofMismatch)
		}
		sub.ProofURL = in.ProofLink
	default:
		if in.ProofImageURL == nil {
			return fmt.Errorf("%w: proofImageUrl is required", ErrProofMismatch)
		}
		sub.ProofURL = in.ProofImageURL
	}
	return nil
}

func (s *service) ListSubmissions(ctx context.Context, taskID, creatorID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, 0, err
	}
	if t.CreatorID != creatorID {
		return nil, 0, ErrNotTaskOwner
	}
	return s.repo.ListSubmissionsByTask(ctx, taskID, limit, offset)
}

func (s *service) ListMySubmissions(ctx context.Context, workerID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	return s.repo.ListSubmissionsByWorker(ctx, workerID, limit, offset)
}

// ReviewSubmission is the creator's decision on a proof. Approval pays the
// worker from escrow, counts the completion and enqueues the worker's
// referral credit, all in one ledger unit.
func (s *service) ReviewSubmission(ctx context.Context, taskID, submissionID, creatorID uuid.UUID, approve bool, reason *string) (*models.Submission, error) {
	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.CreatorID != creatorID {
		return nil, ErrNotTaskOwner
	}
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.TaskID != taskID {
		return nil, ErrSubmissionNotFound
	}
	if !approve {
		return s.rejectSubmission(ctx, submissionID, reason)
	}

	var reviewed *models.Submission
	res, err := s.escrow.ReleaseEscrow(ctx, ledger.ReleaseRequest{
		TaskID:       taskID,
		SubmissionID: submissionID,
		WorkerID:     sub.WorkerID,
		Amount:       t.RewardPerUser,
		OnApplied: func(ctx context.Context, u ledger.Unit) error {
			tx := ledger.TxFrom(u)
			cur, err := s.repo.LockTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if !cur.Status.Open() || cur.CurrentCompletions >= cur.MaxCompletions {
				return ErrTaskStateConflict
			}
			sub, err := s.repo.LockSubmissionTx(ctx, tx, submissionID)
			if err != nil {
				return err
			}
			if sub.Status != models.SubmissionPending {
				return ErrSubmissionReviewed
			}
			now := s.now()
			if err := s.repo.ReviewSubmissionTx(ctx, tx, submissionID, models.SubmissionApproved, nil, now); err != nil {
				return err
			}
			if _, err := s.repo.AddCompletionTx(ctx, tx, taskID); err != nil {
				return err
			}
			if s.insertReferral != nil {
				if err := s.insertReferral(ctx, tx, jobs.CreditReferralArgs{ReferredUserID: sub.WorkerID, Trigger: referralTrigger}); err != nil {
					return fmt.Errorf("enqueue referral credit: %w", err)
				}
			}
			sub.Status = models.SubmissionApproved
			sub.ReviewedAt = &now
			reviewed = sub
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrEscrowStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrTaskStateConflict, err)
		}
		return nil, err
	}
	if res.Replayed || reviewed == nil {
		return s.repo.GetSubmission(ctx, submissionID)
	}
	s.log.Info("submission approved", "task_id", taskID, "submission_id", submissionID, "worker_id", reviewed.WorkerID, "reward", t.RewardPerUser)
	return reviewed, nil
}

func (s *service) rejectSubmission(ctx context.Context, submissionID uuid.UUID, reason *string) (*models.Submission, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sub, err := s.repo.LockSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionPending {
		return nil, ErrSubmissionReviewed
	}
	now := s.now()
	if err := s.repo.ReviewSubmissionTx(ctx, tx, submissionID, models.SubmissionRejected, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sub.Status = models.SubmissionRejected
	sub.RejectionReason = reason
	sub.ReviewedAt = &now
	return sub, nil
}
