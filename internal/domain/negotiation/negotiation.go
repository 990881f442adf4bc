package negotiation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status describes negotiation state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusCounterOffer Status = "COUNTER_OFFER"
	StatusAccepted     Status = "ACCEPTED"
	StatusRejected     Status = "REJECTED"
	StatusOrdered      Status = "ORDERED"
)

// Reason explains why a negotiation was rejected.
type Reason string

const (
	ReasonRejectedByParty Reason = "rejected_by_party"
	ReasonStockDepleted   Reason = "stock_depleted"
	ReasonPolicyChanged   Reason = "policy_changed"
	ReasonExpired         Reason = "expired"
)

// ActiveStatuses are the statuses a party can still act on.
var ActiveStatuses = []Status{StatusPending, StatusCounterOffer}

// Negotiation is one evolving price/quantity deal between a buyer and a seller for a product.
type Negotiation struct {
	ID               int64           `json:"id"`
	NegotiationID    uuid.UUID       `json:"negotiationId"`
	BuyerID          uuid.UUID       `json:"buyerId"`
	SellerID         uuid.UUID       `json:"sellerId"`
	ProductID        uuid.UUID       `json:"productId"`
	ProposedPrice    decimal.Decimal `json:"proposedPrice"`
	ProposedQuantity int             `json:"proposedQuantity"`
	Status           Status          `json:"status"`
	LastOfferBy      uuid.UUID       `json:"lastOfferBy"`
	RejectReason     *Reason         `json:"rejectReason,omitempty"`
	OrderRef         *string         `json:"orderRef,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	AcceptedAt       *time.Time      `json:"acceptedAt,omitempty"`
	OrderedAt        *time.Time      `json:"orderedAt,omitempty"`

	// Lock state lives in the coordination store; these mirror it on reads.
	LockOwner     *uuid.UUID `json:"lockOwner,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`
}

// New builds a PENDING negotiation for the buyer's opening offer.
func New(buyerID, sellerID, productID uuid.UUID, price decimal.Decimal, quantity int, now time.Time) *Negotiation {
	return &Negotiation{
		NegotiationID:    uuid.New(),
		BuyerID:          buyerID,
		SellerID:         sellerID,
		ProductID:        productID,
		ProposedPrice:    price,
		ProposedQuantity: quantity,
		Status:           StatusPending,
		LastOfferBy:      buyerID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy.
func (n *Negotiation) Clone() *Negotiation {
	if n == nil {
		return nil
	}
	c := *n
	if n.RejectReason != nil {
		r := *n.RejectReason
		c.RejectReason = &r
	}
	if n.OrderRef != nil {
		o := *n.OrderRef
		c.OrderRef = &o
	}
	if n.AcceptedAt != nil {
		t := *n.AcceptedAt
		c.AcceptedAt = &t
	}
	if n.OrderedAt != nil {
		t := *n.OrderedAt
		c.OrderedAt = &t
	}
	if n.LockOwner != nil {
		o := *n.LockOwner
		c.LockOwner = &o
	}
	if n.LockExpiresAt != nil {
		t := *n.LockExpiresAt
		c.LockExpiresAt = &t
	}
	return &c
}

// IsActive reports whether parties may still counter or accept.
func (n *Negotiation) IsActive() bool {
	return n.Status == StatusPending || n.Status == StatusCounterOffer
}

// IsTerminal reports whether the negotiation can no longer change.
func (n *Negotiation) IsTerminal() bool {
	return n.Status == StatusRejected || n.Status == StatusOrdered
}

// IsParty reports whether userID is the buyer or the seller.
func (n *Negotiation) IsParty(userID uuid.UUID) bool {
	return userID == n.BuyerID || userID == n.SellerID
}

// Counterparty returns the other party of userID.
func (n *Negotiation) Counterparty(userID uuid.UUID) uuid.UUID {
	if userID == n.BuyerID {
		return n.SellerID
	}
	return n.BuyerID
}

// ExpiresAt is the instant the inactivity window closes.
func (n *Negotiation) ExpiresAt(window time.Duration) time.Time {
	return n.UpdatedAt.Add(window)
}

// IsExpired reports whether an active negotiation has been idle longer than window.
func (n *Negotiation) IsExpired(now time.Time, window time.Duration) bool {
	if !n.IsActive() || window <= 0 {
		return false
	}
	return now.Sub(n.UpdatedAt) > window
}

// CanTransitionTo checks if a transition to the target status is valid.
func (n *Negotiation) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:      {StatusCounterOffer, StatusAccepted, StatusRejected},
		StatusCounterOffer: {StatusCounterOffer, StatusAccepted, StatusRejected},
		StatusAccepted:     {StatusOrdered},
		StatusRejected:     {},
		StatusOrdered:      {},
	}
	for _, s := range transitions[n.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// ApplyCounter records a revised proposal by actor.
func (n *Negotiation) ApplyCounter(actor uuid.UUID, price decimal.Decimal, quantity int, now time.Time) error {
	if !n.CanTransitionTo(StatusCounterOffer) {
		return ErrInvalidTransition
	}
	if actor == n.LastOfferBy {
		return ErrNotYourTurn
	}
	n.ProposedPrice = price
	n.ProposedQuantity = quantity
	n.Status = StatusCounterOffer
	n.LastOfferBy = actor
	n.touch(now)
	return nil
}

// ApplyAccept finalizes the current proposal.
func (n *Negotiation) ApplyAccept(actor uuid.UUID, now time.Time) error {
	if !n.CanTransitionTo(StatusAccepted) {
		return ErrInvalidTransition
	}
	if actor == n.LastOfferBy {
		return ErrNotYourTurn
	}
	n.Status = StatusAccepted
	n.AcceptedAt = &now
	n.touch(now)
	return nil
}

// ApplyReject terminates the negotiation with reason.
func (n *Negotiation) ApplyReject(reason Reason, now time.Time) error {
	if !n.CanTransitionTo(StatusRejected) {
		return ErrInvalidTransition
	}
	n.Status = StatusRejected
	n.RejectReason = &reason
	n.touch(now)
	return nil
}

// ApplyOrdered consumes an accepted negotiation into an order.
func (n *Negotiation) ApplyOrdered(orderRef string, now time.Time) error {
	if n.Status == StatusOrdered {
		return ErrAlreadyConsumed
	}
	if !n.CanTransitionTo(StatusOrdered) {
		return ErrInvalidTransition
	}
	n.Status = StatusOrdered
	n.OrderRef = &orderRef
	n.OrderedAt = &now
	n.touch(now)
	return nil
}

// MarkExpired rewrites an overdue active negotiation as rejected for display.
func (n *Negotiation) MarkExpired() {
	reason := ReasonExpired
	n.Status = StatusRejected
	n.RejectReason = &reason
}

func (n *Negotiation) touch(now time.Time) {
	n.UpdatedAt = now
	n.Version++
}

// Filter controls negotiation listing.
type Filter struct {
	PartyID   *uuid.UUID
	Status    *Status
	ProductID *uuid.UUID
	// ExpiredBefore makes active negotiations last updated before it match as REJECTED.
	ExpiredBefore *time.Time
}

// MatchesStatus reports whether n, as displayed, passes the status filter.
func (f Filter) MatchesStatus(n *Negotiation) bool {
	if f.Status == nil {
		return true
	}
	status := n.Status
	if f.ExpiredBefore != nil && n.IsActive() && n.UpdatedAt.Before(*f.ExpiredBefore) {
		status = StatusRejected
	}
	return status == *f.Status
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusPending, StatusCounterOffer, StatusAccepted, StatusRejected, StatusOrdered:
		return s, true
	default:
		return "", false
	}
}
