package negotiation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

// Actor identifies the caller of a party-scoped read or lock override.
type Actor struct {
	UserID uuid.UUID
	Admin  bool
}

// View is the party-facing projection. The proposed price only appears as
// MaskedPrice, and only when the viewer may see it.
type View struct {
	NegotiationID    uuid.UUID           `json:"negotiationId"`
	BuyerID          uuid.UUID           `json:"buyerId"`
	SellerID         uuid.UUID           `json:"sellerId"`
	ProductID        uuid.UUID           `json:"productId"`
	MaskedPrice      *decimal.Decimal    `json:"maskedPrice"`
	ProposedQuantity int                 `json:"proposedQuantity"`
	Status           negotiation.Status  `json:"status"`
	RejectReason     *negotiation.Reason `json:"rejectReason,omitempty"`
	LastOfferBy      uuid.UUID           `json:"lastOfferBy"`
	YourTurn         bool                `json:"yourTurn"`
	IsLocked         bool                `json:"isLocked"`
	LockOwner        *uuid.UUID          `json:"lockOwner,omitempty"`
	LockExpiresIn    *int64              `json:"lockExpiresIn"`
	ExpiresAt        *time.Time          `json:"expiresAt,omitempty"`
	OrderRef         *string             `json:"orderRef,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	AcceptedAt       *time.Time          `json:"acceptedAt,omitempty"`
	OrderedAt        *time.Time          `json:"orderedAt,omitempty"`
}

// HistoryView is one history step as a party sees it.
type HistoryView struct {
	Seq       int64                 `json:"seq"`
	Action    negotiation.Action    `json:"action"`
	ActorKind negotiation.ActorKind `json:"actorKind"`
	ActorID   *uuid.UUID            `json:"actorId,omitempty"`
	Price     *decimal.Decimal      `json:"price"`
	Quantity  int                   `json:"quantity"`
	Message   *string               `json:"message,omitempty"`
	Reason    *negotiation.Reason   `json:"reason,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

// Project builds viewer's view of n. Overdue active negotiations read as expired.
func (s *Service) Project(ctx context.Context, n *negotiation.Negotiation, viewerID uuid.UUID) (*View, error) {
	now := s.now()
	cur := n.Clone()
	if cur.IsExpired(now, s.cfg.InactivityWindow) {
		cur.MarkExpired()
	}

	v := &View{
		NegotiationID:    cur.NegotiationID,
		BuyerID:          cur.BuyerID,
		SellerID:         cur.SellerID,
		ProductID:        cur.ProductID,
		ProposedQuantity: cur.ProposedQuantity,
		Status:           cur.Status,
		RejectReason:     cur.RejectReason,
		LastOfferBy:      cur.LastOfferBy,
		OrderRef:         cur.OrderRef,
		Version:          cur.Version,
		CreatedAt:        cur.CreatedAt,
		UpdatedAt:        cur.UpdatedAt,
		AcceptedAt:       cur.AcceptedAt,
		OrderedAt:        cur.OrderedAt,
	}

	switch {
	case cur.Status == negotiation.StatusAccepted || cur.Status == negotiation.StatusOrdered:
		price := cur.ProposedPrice
		v.MaskedPrice = &price
	case cur.IsActive():
		visible, err := s.visibility.CanView(ctx, cur.NegotiationID, viewerID)
		if err != nil {
			return nil, err
		}
		if visible {
			price := cur.ProposedPrice
			v.MaskedPrice = &price
		}
	}

	if !cur.IsActive() {
		return v, nil
	}
	expiresAt := cur.ExpiresAt(s.cfg.InactivityWindow)
	v.ExpiresAt = &expiresAt
	v.YourTurn = cur.IsParty(viewerID) && viewerID != cur.LastOfferBy

	holder, err := s.locks.Holder(ctx, cur.NegotiationID)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		v.IsLocked = true
		owner := holder.Owner
		v.LockOwner = &owner
		secs := int64(math.Ceil(holder.ExpiresAt.Sub(now).Seconds()))
		if secs < 0 {
			secs = 0
		}
		v.LockExpiresIn = &secs
	}
	return v, nil
}

// Get returns one negotiation for a party or an administrator.
func (s *Service) Get(ctx context.Context, negotiationID uuid.UUID, actor Actor) (*View, error) {
	n, err := s.loadForViewer(ctx, negotiationID, actor)
	if err != nil {
		return nil, err
	}
	return s.Project(ctx, n, actor.UserID)
}

// List returns the caller's negotiations, newest first.
func (s *Service) List(ctx context.Context, viewerID uuid.UUID, filter negotiation.Filter, limit, offset int) ([]*View, error) {
	filter.PartyID = &viewerID
	if w := s.cfg.InactivityWindow; w > 0 {
		cutoff := s.now().Add(-w)
		filter.ExpiredBefore = &cutoff
	}
	items, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	out := make([]*View, 0, len(items))
	for _, n := range items {
		v, err := s.Project(ctx, n, viewerID)
		if err != nil {
			return nil, err
		}
		if filter.Status != nil && v.Status != *filter.Status {
			// expired between the query and the projection
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ActiveFor returns the non-terminal negotiation between the viewer and counterparty on product, or nil.
func (s *Service) ActiveFor(ctx context.Context, viewerID, productID, counterpartyID uuid.UUID) (*View, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return nil, negotiation.ErrProductNotFound
	}

	var buyerID uuid.UUID
	switch {
	case viewerID == product.SellerID:
		buyerID = counterpartyID
	case counterpartyID == product.SellerID:
		buyerID = viewerID
	default:
		return nil, nil
	}

	n, err := s.repo.FindActive(ctx, buyerID, product.SellerID, productID)
	if err != nil {
		return nil, fmt.Errorf("find active negotiation: %w", err)
	}
	if n == nil || n.IsExpired(s.now(), s.cfg.InactivityWindow) {
		return nil, nil
	}
	return s.Project(ctx, n, viewerID)
}

// History returns the ordered steps of a negotiation. The figure still under
// negotiation stays hidden from a party without visibility.
func (s *Service) History(ctx context.Context, negotiationID uuid.UUID, actor Actor) ([]*HistoryView, error) {
	n, err := s.loadForViewer(ctx, negotiationID, actor)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListHistory(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	hideLatest := false
	if n.IsActive() && !n.IsExpired(s.now(), s.cfg.InactivityWindow) {
		visible, err := s.visibility.CanView(ctx, negotiationID, actor.UserID)
		if err != nil {
			return nil, err
		}
		hideLatest = !visible
	}

	out := make([]*HistoryView, 0, len(entries))
	for _, e := range entries {
		hv := &HistoryView{
			Seq:       e.Seq,
			Action:    e.Action,
			ActorKind: e.ActorKind,
			ActorID:   e.ActorID,
			Quantity:  e.Quantity,
			Message:   e.Message,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt,
		}
		if !(hideLatest && e.Seq == n.Version) {
			price := e.Price
			hv.Price = &price
		}
		out = append(out, hv)
	}
	return out, nil
}

func (s *Service) loadForViewer(ctx context.Context, negotiationID uuid.UUID, actor Actor) (*negotiation.Negotiation, error) {
	if actor.Admin {
		return s.load(ctx, negotiationID)
	}
	return s.loadForParty(ctx, negotiationID, actor.UserID)
}
