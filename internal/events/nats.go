package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/models"
)

// SubjectPrefix is followed by the transaction type, e.g. ledger.tx.deposit.
const SubjectPrefix = "ledger.tx."

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// TransactionEvent is the message body published for each committed entry.
type TransactionEvent struct {
	ID            uuid.UUID                `json:"id"`
	Seq           int64                    `json:"seq"`
	WalletID      uuid.UUID                `json:"walletId"`
	Type          models.TransactionType   `json:"type"`
	Amount        decimal.Decimal          `json:"amount"`
	FrozenAmount  decimal.Decimal          `json:"frozenAmount"`
	BalanceAfter  decimal.Decimal          `json:"balanceAfter"`
	ReferenceID   string                   `json:"referenceId,omitempty"`
	ReferenceType string                   `json:"referenceType,omitempty"`
	Status        models.TransactionStatus `json:"status"`
	CreatedAt     time.Time                `json:"createdAt"`
}

// NATSSink publishes committed ledger entries. Publishing is best effort: the
// entries are already durable when it runs, so failures are only logged.
type NATSSink struct {
	pub Publisher
	log *slog.Logger
}

var _ ledger.EventSink = (*NATSSink)(nil)

func NewNATSSink(pub Publisher, log *slog.Logger) *NATSSink {
	if log == nil {
		log = slog.Default()
	}
	return &NATSSink{pub: pub, log: log}
}

// Connect dials NATS and returns a sink over the connection. The caller owns
// the returned connection.
func Connect(url string, log *slog.Logger) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskearn-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, err
	}
	return NewNATSSink(nc, log), nc, nil
}

func (s *NATSSink) Committed(_ context.Context, txs []*models.Transaction) {
	if s.pub == nil {
		return
	}
	for _, tx := range txs {
		data, err := json.Marshal(eventOf(tx))
		if err != nil {
			s.log.Error("encode ledger event", "error", err, "transaction_id", tx.ID)
			continue
		}
		if err := s.pub.Publish(SubjectPrefix+string(tx.Type), data); err != nil {
			s.log.Warn("publish ledger event", "error", err, "transaction_id", tx.ID, "type", tx.Type)
		}
	}
}

func eventOf(tx *models.Transaction) TransactionEvent {
	return TransactionEvent{
		ID:            tx.ID,
		Seq:           tx.Seq,
		WalletID:      tx.WalletID,
		Type:          tx.Type,
		Amount:        tx.Amount,
		FrozenAmount:  tx.FrozenAmount,
		BalanceAfter:  tx.BalanceAfter,
		ReferenceID:   tx.ReferenceID,
		ReferenceType: tx.ReferenceType,
		Status:        tx.Status,
		CreatedAt:     tx.CreatedAt,
	}
}
