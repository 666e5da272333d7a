package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

type TransferRequest struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Amount     decimal.Decimal
	Note       *string
	// Key identifies the request for retries. Transfers with an empty key
	// get a fresh one and are never deduplicated.
	Key string
}

// Transfer moves funds between two users in one posting.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*models.Transfer, error) {
	if req.SenderID == req.ReceiverID {
		return nil, ErrSelfTransfer
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	from, err := e.walletOf(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	to, err := e.walletOf(ctx, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	t := &models.Transfer{
		ID:         uuid.New(),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Note:       req.Note,
		Status:     models.TransferCompleted,
	}
	key := req.Key
	if key == "" {
		key = t.ID.String()
	}
	ref := t.ID.String()
	res, err := e.Post(ctx, Posting{
		Key: "transfer:" + req.SenderID.String() + ":" + key,
		Legs: []Leg{
			{WalletID: from, Type: models.TxTransferOut, Amount: req.Amount.Neg(), ReferenceID: ref, ReferenceType: models.RefTransfer, Description: "Transfer sent"},
			{WalletID: to, Type: models.TxTransferIn, Amount: req.Amount, ReferenceID: ref, ReferenceType: models.RefTransfer, Description: "Transfer received"},
		},
		Finish: func(ctx context.Context, u Unit, txs []*models.Transaction) error {
			t.CreatedAt = txs[0].CreatedAt
			return u.SaveTransfer(ctx, t)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		id, err := uuid.Parse(res.Transactions[0].ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("replayed transfer reference: %w", err)
		}
		return e.store.GetTransfer(ctx, id)
	}
	return t, nil
}
