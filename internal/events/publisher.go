package events

import (
	"context"
	"time"

	"github.com/bankstack/backend/internal/models"
)

// TransferCompleted is emitted after a ledger transaction commits. It is
// an integration feed, not part of the commit's atomic unit: consumers
// must treat the ledger as the source of truth.
type TransferCompleted struct {
	TransactionID string           `json:"transaction_id"`
	Sequence      int64            `json:"sequence"`
	Currency      string           `json:"currency"`
	Postings      []models.Posting `json:"postings"`
	CommittedAt   time.Time        `json:"committed_at"`
}

// Publisher delivers committed-transfer events to an external feed.
type Publisher interface {
	PublishTransferCompleted(ctx context.Context, event TransferCompleted) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishTransferCompleted(context.Context, TransferCompleted) error { return nil }
func (NopPublisher) Close() error                                                      { return nil }
