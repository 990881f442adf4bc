package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradehub/negotiation/internal/domain/ordering"
)

const orderRefConstraint = "negotiated_orders_order_ref_key"

// OrderLedger implements ordering.Placer. Called inside WithLocked it writes
// through the same transaction as the negotiation update.
type OrderLedger struct {
	pool *pgxpool.Pool
}

func NewOrderLedger(pool *pgxpool.Pool) *OrderLedger {
	return &OrderLedger{pool: pool}
}

func (l *OrderLedger) PlaceNegotiatedOrder(ctx context.Context, terms ordering.Terms) (*ordering.Order, error) {
	o := ordering.NewOrder(terms, time.Now().UTC())
	err := conn(ctx, l.pool).QueryRow(ctx, `
		INSERT INTO negotiated_orders
		(order_id, order_ref, negotiation_id, buyer_id, seller_id, product_id, unit_price, quantity, total, placed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9::numeric,$10)
		RETURNING id
	`, o.OrderID, o.OrderRef, o.NegotiationID, o.BuyerID, o.SellerID, o.ProductID,
		o.UnitPrice.String(), o.Quantity, o.Total.String(), o.PlacedAt).Scan(&o.ID)
	if err != nil {
		if isUniqueViolation(err, orderRefConstraint) {
			return nil, ordering.ErrDuplicateOrderRef
		}
		return nil, err
	}
	return o, nil
}

// ListByNegotiation returns the orders recorded against a negotiation.
func (l *OrderLedger) ListByNegotiation(ctx context.Context, negotiationID uuid.UUID) ([]*ordering.Order, error) {
	rows, err := conn(ctx, l.pool).Query(ctx, `
		SELECT id, order_id, order_ref, negotiation_id, buyer_id, seller_id, product_id,
			unit_price::text, quantity, total::text, placed_at
		FROM negotiated_orders WHERE negotiation_id=$1 ORDER BY id
	`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ordering.Order
	for rows.Next() {
		var o ordering.Order
		var unit, total string
		if err := rows.Scan(&o.ID, &o.OrderID, &o.OrderRef, &o.NegotiationID, &o.BuyerID, &o.SellerID, &o.ProductID,
			&unit, &o.Quantity, &total, &o.PlacedAt); err != nil {
			return nil, err
		}
		if o.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return nil, fmt.Errorf("order %s unit price: %w", o.OrderRef, err)
		}
		if o.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("order %s total: %w", o.OrderRef, err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}
