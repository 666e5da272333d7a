package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/taskearn/backend/internal/models"
)

// CreditReferralArgs asks for the referral bonus of ReferredUserID to be
// paid. It is enqueued in the same transaction as the qualifying event.
type CreditReferralArgs struct {
	ReferredUserID uuid.UUID `json:"referred_user_id"`
	Trigger        string    `json:"trigger"`
}

func (CreditReferralArgs) Kind() string { return "credit_referral" }

// InsertCreditReferralTxFunc enqueues a CreditReferral job within the given
// transaction. Provided by main using river.Client.InsertTx.
type InsertCreditReferralTxFunc func(ctx context.Context, tx pgx.Tx, args CreditReferralArgs) error

// ReferralCrediter is the ledger operation the worker runs.
type ReferralCrediter interface {
	CreditReferral(ctx context.Context, referredID uuid.UUID, trigger string) (*models.Referral, error)
}

type CreditReferralWorker struct {
	river.WorkerDefaults[CreditReferralArgs]
	ledger ReferralCrediter
	log    *slog.Logger
}

func NewCreditReferralWorker(l ReferralCrediter, log *slog.Logger) *CreditReferralWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CreditReferralWorker{ledger: l, log: log}
}

// Work credits the referral. Crediting is idempotent, so River retries after
// a failure are safe.
func (w *CreditReferralWorker) Work(ctx context.Context, job *river.Job[CreditReferralArgs]) error {
	args := job.Args
	ref, err := w.ledger.CreditReferral(ctx, args.ReferredUserID, args.Trigger)
	if err != nil {
		return fmt.Errorf("credit referral for %s: %w", args.ReferredUserID, err)
	}
	if ref != nil {
		w.log.Info("referral credited", "referral_id", ref.ID, "referrer_id", ref.ReferrerID, "referred_id", ref.ReferredID, "trigger", args.Trigger)
	}
	return nil
}
