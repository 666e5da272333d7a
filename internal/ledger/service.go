package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
)

// Service is the ledger as seen by the HTTP handlers, the bot and the jobs.
type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (*models.Transaction, error)
	Reverse(ctx context.Context, txID uuid.UUID, key, reason string) (*models.Transaction, error)

	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error)
	TransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]*models.Transaction, error)

	HoldEscrow(ctx context.Context, req HoldRequest) (*Result, error)
	ReleaseEscrow(ctx context.Context, req ReleaseRequest) (*Result, error)
	RefundEscrow(ctx context.Context, req RefundRequest) (*Result, error)
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error)

	CreditReferral(ctx context.Context, referredID uuid.UUID, trigger string) (*models.Referral, error)

	Transfer(ctx context.Context, req TransferRequest) (*models.Transfer, error)

	RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error)
	ReviewWithdrawal(ctx context.Context, id, adminID uuid.UUID, approve bool, notes *string) (*models.Withdrawal, error)
	StartPayout(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id uuid.UUID, txHash string) (*models.Withdrawal, error)
}

type service struct {
	*Engine
	store     Store
	escrow    *EscrowManager
	referrals *ReferralProcessor
}

func NewService(store Store, cfg Config, events EventSink, log *slog.Logger) Service {
	engine := NewEngine(store, cfg, events, log)
	return &service{
		Engine:    engine,
		store:     store,
		escrow:    NewEscrowManager(engine, store),
		referrals: NewReferralProcessor(engine, store),
	}
}

var _ Service = (*service)(nil)

func (s *service) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListTransactions(ctx, w.ID, limit, offset)
}

func (s *service) TransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]*models.Transaction, error) {
	return s.store.TransactionsByReference(ctx, referenceType, referenceID)
}

func (s *service) HoldEscrow(ctx context.Context, req HoldRequest) (*Result, error) {
	return s.escrow.Hold(ctx, req)
}

func (s *service) ReleaseEscrow(ctx context.Context, req ReleaseRequest) (*Result, error) {
	return s.escrow.Release(ctx, req)
}

func (s *service) RefundEscrow(ctx context.Context, req RefundRequest) (*Result, error) {
	return s.escrow.Refund(ctx, req)
}

func (s *service) GetEscrow(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	return s.store.GetEscrow(ctx, taskID)
}

func (s *service) CreditReferral(ctx context.Context, referredID uuid.UUID, trigger string) (*models.Referral, error) {
	return s.referrals.CreditReferral(ctx, referredID, trigger)
}

func (s *service) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error) {
	return s.store.ListWithdrawals(ctx, userID, limit, offset)
}
