package negotiation

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action names the step a history entry records.
type Action string

const (
	ActionOpen        Action = "OPEN"
	ActionCounter     Action = "COUNTER"
	ActionAccept      Action = "ACCEPT"
	ActionReject      Action = "REJECT"
	ActionForceReject Action = "FORCE_REJECT"
	ActionOrder       Action = "ORDER"
)

// ActorKind distinguishes party-authored entries from system-authored ones.
type ActorKind string

const (
	ActorBuyer  ActorKind = "BUYER"
	ActorSeller ActorKind = "SELLER"
	ActorSystem ActorKind = "SYSTEM"
)

// HistoryEntry is one append-only step. Seq equals the negotiation version it produced.
type HistoryEntry struct {
	ID            int64           `json:"id"`
	EntryID       uuid.UUID       `json:"entryId"`
	NegotiationID uuid.UUID       `json:"negotiationId"`
	Seq           int64           `json:"seq"`
	Action        Action          `json:"action"`
	ActorKind     ActorKind       `json:"actorKind"`
	ActorID       *uuid.UUID      `json:"actorId,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int             `json:"quantity"`
	Message       *string         `json:"message,omitempty"`
	Reason        *Reason         `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewPartyEntry records a step taken by the buyer or the seller.
func NewPartyEntry(n *Negotiation, action Action, actor uuid.UUID, message *string) *HistoryEntry {
	kind := ActorBuyer
	if actor == n.SellerID {
		kind = ActorSeller
	}
	id := actor
	return &HistoryEntry{
		EntryID:       uuid.New(),
		NegotiationID: n.NegotiationID,
		Seq:           n.Version,
		Action:        action,
		ActorKind:     kind,
		ActorID:       &id,
		Price:         n.ProposedPrice,
		Quantity:      n.ProposedQuantity,
		Message:       normalizeMessage(message),
		Reason:        n.RejectReason,
		CreatedAt:     n.UpdatedAt,
	}
}

// NewSystemEntry records a step forced by the engine.
func NewSystemEntry(n *Negotiation, action Action, reason Reason) *HistoryEntry {
	return &HistoryEntry{
		EntryID:       uuid.New(),
		NegotiationID: n.NegotiationID,
		Seq:           n.Version,
		Action:        action,
		ActorKind:     ActorSystem,
		Price:         n.ProposedPrice,
		Quantity:      n.ProposedQuantity,
		Reason:        &reason,
		CreatedAt:     n.UpdatedAt,
	}
}

// MaxMessageLength is the longest message, in characters, a party may attach.
const MaxMessageLength = 2000

// ValidateMessage rejects messages that are not UTF-8 or exceed MaxMessageLength.
func ValidateMessage(m *string) error {
	if m == nil {
		return nil
	}
	if !utf8.ValidString(*m) {
		return ErrMessageEncoding
	}
	if utf8.RuneCountInString(*m) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

func normalizeMessage(m *string) *string {
	if m == nil || *m == "" {
		return nil
	}
	v := *m
	return &v
}
