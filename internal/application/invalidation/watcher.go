package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	negotiationsvc "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

// ErrMalformedChange is returned for messages that can never be processed.
var ErrMalformedChange = errors.New("malformed catalog change")

// Subscriber delivers raw catalog change messages.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, message []byte) error) error
}

// Rejecter is the state machine entry point used for forced transitions.
type Rejecter interface {
	ForceReject(ctx context.Context, negotiationID uuid.UUID, reason negotiation.Reason) (*negotiation.Negotiation, error)
}

// Watcher force-rejects active negotiations that catalog changes have made unfulfillable.
type Watcher struct {
	repo     negotiation.Repository
	rejecter Rejecter
	logger   zerolog.Logger
}

func NewWatcher(repo negotiation.Repository, rejecter Rejecter, logger zerolog.Logger) *Watcher {
	return &Watcher{
		repo:     repo,
		rejecter: rejecter,
		logger:   logger.With().Str("service", "invalidation").Logger(),
	}
}

// Start subscribes to topic. Delivery continues until ctx is done.
func (w *Watcher) Start(ctx context.Context, sub Subscriber, topic string) error {
	w.logger.Info().Str("topic", topic).Msg("invalidation watcher started")
	return sub.Subscribe(ctx, topic, w.HandleMessage)
}

// HandleMessage decodes one catalog change and applies it. Malformed messages
// are logged and acknowledged since no retry can fix them.
func (w *Watcher) HandleMessage(ctx context.Context, message []byte) error {
	var change catalog.Change
	if err := json.Unmarshal(message, &change); err != nil {
		w.logger.Error().Err(err).Msg("failed to decode catalog change")
		return nil
	}
	if !change.Valid() {
		w.logger.Error().
			Str("event_type", string(change.EventType)).
			Str("product_id", change.ProductID.String()).
			Msg("ignoring invalid catalog change")
		return nil
	}
	_, err := w.Apply(ctx, change)
	return err
}

// Apply force-rejects the active negotiations on the changed product that no
// longer hold. It returns how many were rejected.
func (w *Watcher) Apply(ctx context.Context, change catalog.Change) (int, error) {
	if !change.Valid() {
		return 0, ErrMalformedChange
	}
	active, err := w.repo.ListActiveByProduct(ctx, change.ProductID)
	if err != nil {
		return 0, fmt.Errorf("list active negotiations: %w", err)
	}

	rejected := 0
	var errs []error
	for _, n := range active {
		reason, ok := invalidates(change, n)
		if !ok {
			continue
		}
		_, err := w.rejecter.ForceReject(ctx, n.NegotiationID, reason)
		switch {
		case err == nil:
			rejected++
		case errors.Is(err, negotiation.ErrStale), errors.Is(err, negotiation.ErrNotFound):
			// closed by someone else in the meantime
		default:
			errs = append(errs, fmt.Errorf("negotiation %s: %w", n.NegotiationID, err))
		}
	}

	w.logger.Info().
		Str("event_type", string(change.EventType)).
		Str("product_id", change.ProductID.String()).
		Int("active", len(active)).
		Int("rejected", rejected).
		Msg("catalog change applied")
	return rejected, errors.Join(errs...)
}

func invalidates(change catalog.Change, n *negotiation.Negotiation) (negotiation.Reason, bool) {
	switch change.EventType {
	case catalog.ChangeStockChanged:
		return negotiation.ReasonStockDepleted, n.ProposedQuantity > *change.NewStock
	case catalog.ChangeNegotiationDisabled, catalog.ChangeProductUnavailable:
		return negotiation.ReasonPolicyChanged, true
	}
	return "", false
}

var _ Rejecter = (*negotiationsvc.Service)(nil)
