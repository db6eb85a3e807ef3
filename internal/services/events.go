package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event types published after a ledger entry reaches a terminal status.
const (
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	EventReversalSucceeded = "reversal.succeeded"
	EventPersistenceFailed = "payment.persistence_failed"
)

// PaymentEvent is the payload published for downstream consumers.
type PaymentEvent struct {
	EventType            string          `json:"event_type"`
	OrderID              string          `json:"order_id"`
	TransactionType      string          `json:"transaction_type"`
	CaseID               string          `json:"case_id,omitempty"`
	PaymentLinkID        string          `json:"payment_link_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Message              string          `json:"message,omitempty"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// EventPublisher delivers payment events. Publishing is best effort and never
// changes the outcome of a payment.
type EventPublisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

// Notifier alerts operators.
type Notifier interface {
	NotifyPaymentSuccess(n PaymentSuccessNotification) error
	NotifyPersistenceFailure(n PersistenceFailureNotification) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, PaymentEvent) error { return nil }

// NoopPublisher discards every event.
func NoopPublisher() EventPublisher {
	return noopPublisher{}
}
