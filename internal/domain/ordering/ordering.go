package ordering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrDuplicateOrderRef = errors.New("order reference already used")

// Terms are the negotiated conditions handed to checkout.
type Terms struct {
	NegotiationID      uuid.UUID
	BuyerID            uuid.UUID
	SellerID           uuid.UUID
	ProductID          uuid.UUID
	UnitPrice          decimal.Decimal
	NegotiatedQuantity int
	Quantity           int
	OrderRef           string
}

// Total is the order value at the negotiated unit price.
func (t Terms) Total() decimal.Decimal {
	return t.UnitPrice.Mul(decimal.NewFromInt(int64(t.Quantity)))
}

// Order is the record checkout reads to apply negotiated pricing.
type Order struct {
	ID            int64           `json:"id"`
	OrderID       uuid.UUID       `json:"orderId"`
	OrderRef      string          `json:"orderRef"`
	NegotiationID uuid.UUID       `json:"negotiationId"`
	BuyerID       uuid.UUID       `json:"buyerId"`
	SellerID      uuid.UUID       `json:"sellerId"`
	ProductID     uuid.UUID       `json:"productId"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Quantity      int             `json:"quantity"`
	Total         decimal.Decimal `json:"total"`
	PlacedAt      time.Time       `json:"placedAt"`
}

// NewOrder builds the order for terms.
func NewOrder(t Terms, now time.Time) *Order {
	return &Order{
		OrderID:       uuid.New(),
		OrderRef:      t.OrderRef,
		NegotiationID: t.NegotiationID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		ProductID:     t.ProductID,
		UnitPrice:     t.UnitPrice,
		Quantity:      t.Quantity,
		Total:         t.Total(),
		PlacedAt:      now,
	}
}

// Placer records the order that consumes a negotiation. Implementations must
// write through the ctx they are given so the write joins the caller's transaction.
type Placer interface {
	PlaceNegotiatedOrder(ctx context.Context, terms Terms) (*Order, error)
}
