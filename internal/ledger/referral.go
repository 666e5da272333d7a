package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
)

// ReferralProcessor pays the referral bonus once a referred user completes a
// qualifying action.
type ReferralProcessor struct {
	engine *Engine
	store  Store
}

func NewReferralProcessor(engine *Engine, store Store) *ReferralProcessor {
	return &ReferralProcessor{engine: engine, store: store}
}

func ReferralKey(referralID uuid.UUID) string { return "referral:" + referralID.String() }

var errAlreadyCredited = errors.New("referral already credited")

// CreditReferral credits the referrer of referredID. It returns nil, nil when
// there is no pending referral, including when it was credited before.
func (p *ReferralProcessor) CreditReferral(ctx context.Context, referredID uuid.UUID, trigger string) (*models.Referral, error) {
	ref, err := p.store.GetReferralByReferred(ctx, referredID)
	if err != nil {
		return nil, err
	}
	if ref == nil || ref.Status == models.ReferralCredited {
		return nil, nil
	}
	walletID, err := p.engine.walletOf(ctx, ref.ReferrerID)
	if err != nil {
		return nil, err
	}
	bonus := p.engine.cfg.ReferralBonus

	var credited *models.Referral
	res, err := p.engine.Post(ctx, Posting{
		Key: ReferralKey(ref.ID),
		Legs: []Leg{{
			WalletID:      walletID,
			Type:          models.TxReferralBonus,
			Amount:        bonus,
			ReferenceID:   ref.ID.String(),
			ReferenceType: models.RefReferral,
			Description:   "Referral bonus: " + trigger,
		}},
		Prepare: func(ctx context.Context, u Unit) error {
			cur, err := u.LockReferral(ctx, referredID)
			if err != nil {
				return err
			}
			if cur == nil || cur.Status == models.ReferralCredited {
				return errAlreadyCredited
			}
			return nil
		},
		Finish: func(ctx context.Context, u Unit, _ []*models.Transaction) error {
			cur, err := u.LockReferral(ctx, referredID)
			if err != nil {
				return err
			}
			now := p.engine.now()
			amount := bonus
			cur.Status = models.ReferralCredited
			cur.BonusAmount = &amount
			cur.CreditedAt = &now
			credited = cur
			return u.SaveReferral(ctx, cur)
		},
	})
	if errors.Is(err, errAlreadyCredited) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return nil, nil
	}
	p.engine.log.Info("referral credited", "referral_id", ref.ID, "referrer_id", ref.ReferrerID, "trigger", trigger)
	return credited, nil
}
