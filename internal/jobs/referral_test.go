package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/taskearn/backend/internal/models"
)

type mockCrediter struct {
	calls []uuid.UUID
	ref   *models.Referral
	err   error
}

func (m *mockCrediter) CreditReferral(_ context.Context, referredID uuid.UUID, _ string) (*models.Referral, error) {
	m.calls = append(m.calls, referredID)
	return m.ref, m.err
}

func jobFor(args CreditReferralArgs) *river.Job[CreditReferralArgs] {
	return &river.Job[CreditReferralArgs]{JobRow: &rivertype.JobRow{ID: 1}, Args: args}
}

func TestCreditReferralWorker_Credits(t *testing.T) {
	referred := uuid.New()
	m := &mockCrediter{ref: &models.Referral{ID: uuid.New(), ReferredID: referred, Status: models.ReferralCredited}}
	w := NewCreditReferralWorker(m, nil)

	if err := w.Work(context.Background(), jobFor(CreditReferralArgs{ReferredUserID: referred, Trigger: "task_approved"})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(m.calls) != 1 || m.calls[0] != referred {
		t.Errorf("unexpected calls %v", m.calls)
	}
}

func TestCreditReferralWorker_NoReferralIsSuccess(t *testing.T) {
	w := NewCreditReferralWorker(&mockCrediter{}, nil)
	if err := w.Work(context.Background(), jobFor(CreditReferralArgs{ReferredUserID: uuid.New()})); err != nil {
		t.Fatalf("expected nil for a user without referral, got %v", err)
	}
}

func TestCreditReferralWorker_ErrorRetries(t *testing.T) {
	boom := errors.New("storage failure")
	w := NewCreditReferralWorker(&mockCrediter{err: boom}, nil)
	if err := w.Work(context.Background(), jobFor(CreditReferralArgs{ReferredUserID: uuid.New()})); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestCreditReferralArgs_Kind(t *testing.T) {
	if (CreditReferralArgs{}).Kind() != "credit_referral" {
		t.Fatal("kind changed; queued jobs would be orphaned")
	}
}
