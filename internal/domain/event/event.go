package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the notification kind sent to the counterparty.
type Type string

const (
	TypeOfferReceived   Type = "offer_received"
	TypeCounterReceived Type = "counter_received"
	TypeAccepted        Type = "accepted"
	TypeRejected        Type = "rejected"
)

// Notification tells a party that the other side (or the system) acted.
type Notification struct {
	EventID       uuid.UUID        `json:"eventId"`
	Type          Type             `json:"type"`
	NegotiationID uuid.UUID        `json:"negotiationId"`
	ProductID     uuid.UUID        `json:"productId"`
	RecipientID   uuid.UUID        `json:"recipientId"`
	ActorID       *uuid.UUID       `json:"actorId,omitempty"`
	Status        string           `json:"status"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      int              `json:"quantity"`
	Reason        *string          `json:"reason,omitempty"`
	Message       *string          `json:"message,omitempty"`
	OccurredAt    time.Time        `json:"occurredAt"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Fanout delivers to every notifier and returns the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n *Notification) error {
	var first error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
