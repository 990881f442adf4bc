package catalog

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_catalog.go -package=mocks . Catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product holds the catalog facts a negotiation is checked against.
// The catalog owns these; the engine only reads them.
type Product struct {
	ProductID          uuid.UUID       `json:"productId"`
	SellerID           uuid.UUID       `json:"sellerId"`
	ListedPrice        decimal.Decimal `json:"listedPrice"`
	FloorPrice         decimal.Decimal `json:"floorPrice"`
	FloorExpr          *string         `json:"floorExpr,omitempty"`
	MinOrderQuantity   int             `json:"minOrderQuantity"`
	Stock              int             `json:"stock"`
	NegotiationEnabled bool            `json:"negotiationEnabled"`
	Available          bool            `json:"available"`
}

// Negotiable reports whether new offers may be made on the product.
func (p *Product) Negotiable() bool {
	return p.NegotiationEnabled && p.Available
}

// Catalog reads product facts.
type Catalog interface {
	// GetProduct returns nil, nil when the product does not exist.
	GetProduct(ctx context.Context, productID uuid.UUID) (*Product, error)
}

// ChangeType identifies a catalog fact change.
type ChangeType string

const (
	ChangeStockChanged        ChangeType = "stock_changed"
	ChangeNegotiationDisabled ChangeType = "negotiation_disabled"
	ChangeProductUnavailable  ChangeType = "product_unavailable"
)

// Change is published by the catalog when a negotiated product's facts move.
type Change struct {
	EventType ChangeType `json:"event_type"`
	ProductID uuid.UUID  `json:"product_id"`
	NewStock  *int       `json:"new_stock,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Valid reports whether the change carries what its type needs.
func (c Change) Valid() bool {
	if c.ProductID == uuid.Nil {
		return false
	}
	switch c.EventType {
	case ChangeStockChanged:
		return c.NewStock != nil
	case ChangeNegotiationDisabled, ChangeProductUnavailable:
		return true
	default:
		return false
	}
}
