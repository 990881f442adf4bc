package ordering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
	"github.com/tradehub/negotiation/internal/domain/ordering"
)

// OrderContext describes the checkout order consuming a negotiation.
type OrderContext struct {
	BuyerID  uuid.UUID
	Quantity int
	OrderRef string
}

// Result is a consumed negotiation and the order it priced.
type Result struct {
	Negotiation *negotiation.Negotiation `json:"negotiation"`
	Order       *ordering.Order          `json:"order"`
}

// Bridge hands accepted negotiations to checkout exactly once.
type Bridge struct {
	repo     negotiation.Repository
	products catalog.Catalog
	orders   ordering.Placer
	window   time.Duration
	now      func() time.Time
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewBridge creates the consumption bridge. window is the negotiation inactivity window.
func NewBridge(repo negotiation.Repository, products catalog.Catalog, orders ordering.Placer, window time.Duration, logger zerolog.Logger) *Bridge {
	return &Bridge{
		repo:     repo,
		products: products,
		orders:   orders,
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("github.com/tradehub/negotiation/internal/application/ordering"),
		logger:   logger.With().Str("service", "ordering").Logger(),
	}
}

func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

// Consume moves an ACCEPTED negotiation to ORDERED together with the order
// that applies its price. Either both are recorded or neither is.
func (b *Bridge) Consume(ctx context.Context, negotiationID uuid.UUID, oc OrderContext) (result *Result, err error) {
	ctx, span := b.tracer.Start(ctx, "negotiation.Consume", trace.WithAttributes(
		attribute.String("negotiation.id", negotiationID.String()),
		attribute.Int("order.quantity", oc.Quantity),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if oc.Quantity <= 0 {
		return nil, negotiation.ErrOrderQuantityTooSmall
	}
	orderRef := strings.TrimSpace(oc.OrderRef)
	if orderRef == "" {
		orderRef = uuid.NewString()
	}

	err = b.repo.WithLocked(ctx, negotiationID, func(ctx context.Context, n *negotiation.Negotiation) error {
		if err := b.checkConsumable(n, oc); err != nil {
			return err
		}
		product, err := b.products.GetProduct(ctx, n.ProductID)
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}
		if product == nil {
			return negotiation.ErrProductNotFound.With(n)
		}
		if oc.Quantity > product.Stock {
			return negotiation.ErrInsufficientStock.With(n)
		}

		order, err := b.orders.PlaceNegotiatedOrder(ctx, ordering.Terms{
			NegotiationID:      n.NegotiationID,
			BuyerID:            n.BuyerID,
			SellerID:           n.SellerID,
			ProductID:          n.ProductID,
			UnitPrice:          n.ProposedPrice,
			NegotiatedQuantity: n.ProposedQuantity,
			Quantity:           oc.Quantity,
			OrderRef:           orderRef,
		})
		if err != nil {
			if errors.Is(err, ordering.ErrDuplicateOrderRef) {
				return negotiation.ErrOrderRefUsed.With(n)
			}
			return fmt.Errorf("place order: %w", err)
		}

		updated := n.Clone()
		if err := updated.ApplyOrdered(order.OrderRef, b.now()); err != nil {
			return err
		}
		entry := negotiation.NewPartyEntry(updated, negotiation.ActionOrder, n.BuyerID, nil)
		if err := b.repo.Apply(ctx, updated, n.Version, entry); err != nil {
			return fmt.Errorf("mark negotiation ordered: %w", err)
		}
		result = &Result{Negotiation: updated, Order: order}
		return nil
	})
	if err != nil {
		if e, ok := negotiation.AsError(err); ok && e.Kind == negotiation.KindConsumptionConflict {
			b.logger.Warn().
				Str("negotiation_id", negotiationID.String()).
				Str("code", e.Code).
				Msg("consumption refused")
		}
		return nil, err
	}

	b.logger.Info().
		Str("negotiation_id", negotiationID.String()).
		Str("order_ref", result.Order.OrderRef).
		Int("quantity", result.Order.Quantity).
		Msg("negotiation consumed")
	return result, nil
}

func (b *Bridge) checkConsumable(n *negotiation.Negotiation, oc OrderContext) error {
	switch n.Status {
	case negotiation.StatusOrdered:
		return negotiation.ErrAlreadyConsumed.With(n)
	case negotiation.StatusRejected:
		return negotiation.ErrTerminal.With(n)
	case negotiation.StatusPending, negotiation.StatusCounterOffer:
		if n.IsExpired(b.now(), b.window) {
			c := n.Clone()
			c.MarkExpired()
			return negotiation.ErrExpired.With(c)
		}
		return negotiation.ErrNotAccepted.With(n)
	}
	if oc.BuyerID != n.BuyerID {
		return negotiation.ErrNotParty.With(n)
	}
	if oc.Quantity < n.ProposedQuantity {
		return negotiation.ErrOrderQuantityTooSmall.With(n)
	}
	return nil
}
