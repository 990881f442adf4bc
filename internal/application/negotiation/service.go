package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tradehub/negotiation/internal/application/lock"
	"github.com/tradehub/negotiation/internal/application/visibility"
	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/event"
	"github.com/tradehub/negotiation/internal/domain/identity"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

const (
	// DefaultInactivityWindow is how long a negotiation may sit untouched before it expires.
	DefaultInactivityWindow = 7 * 24 * time.Hour
	// MaxLockExtension caps a single extendLock request.
	MaxLockExtension = 30 * time.Minute

	rejectAttempts = 3
)

// Config tunes the state machine.
type Config struct {
	LockTTL          time.Duration
	InactivityWindow time.Duration
}

// Service is the negotiation state machine.
type Service struct {
	repo       negotiation.Repository
	products   catalog.Catalog
	directory  identity.Directory
	locks      *lock.Manager
	visibility *visibility.Manager
	notifier   event.Notifier
	cfg        Config
	now        func() time.Time
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewService creates a negotiation service.
func NewService(
	repo negotiation.Repository,
	products catalog.Catalog,
	directory identity.Directory,
	locks *lock.Manager,
	vis *visibility.Manager,
	notifier event.Notifier,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = DefaultInactivityWindow
	}
	return &Service{
		repo:       repo,
		products:   products,
		directory:  directory,
		locks:      locks,
		visibility: vis,
		notifier:   notifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		tracer:     otel.Tracer("github.com/tradehub/negotiation/internal/application/negotiation"),
		logger:     logger.With().Str("service", "negotiation").Logger(),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InactivityWindow is the configured expiry window.
func (s *Service) InactivityWindow() time.Duration {
	return s.cfg.InactivityWindow
}

// OpenInput carries a buyer's opening offer.
type OpenInput struct {
	BuyerID   uuid.UUID
	ProductID uuid.UUID
	Price     decimal.Decimal
	Quantity  int
	Message   *string
}

// Open starts a negotiation in PENDING.
func (s *Service) Open(ctx context.Context, input OpenInput) (n *negotiation.Negotiation, err error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.Open", trace.WithAttributes(
		attribute.String("product.id", input.ProductID.String()),
		attribute.String("buyer.id", input.BuyerID.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := negotiation.ValidateMessage(input.Message); err != nil {
		return nil, err
	}

	buyer, err := s.directory.GetUser(ctx, input.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("load buyer: %w", err)
	}
	if buyer == nil || !buyer.IsActive() || !buyer.B2BVerified {
		s.logger.Warn().Str("buyer_id", input.BuyerID.String()).Msg("open refused: buyer not verified")
		return nil, negotiation.ErrBuyerNotVerified
	}

	product, err := s.products.GetProduct(ctx, input.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return nil, negotiation.ErrProductNotFound
	}
	if product.SellerID == input.BuyerID {
		return nil, negotiation.ErrSelfNegotiation
	}
	if !product.Negotiable() {
		s.logger.Warn().Str("product_id", input.ProductID.String()).Msg("open refused: negotiation disabled")
		return nil, negotiation.ErrNegotiationDisabled
	}

	existing, err := s.repo.FindActive(ctx, input.BuyerID, product.SellerID, product.ProductID)
	if err != nil {
		return nil, fmt.Errorf("find active negotiation: %w", err)
	}
	if existing != nil {
		if !existing.IsExpired(s.now(), s.cfg.InactivityWindow) {
			return nil, negotiation.ErrActiveExists.With(s.withLock(ctx, existing))
		}
		_, err := s.forceReject(ctx, existing, negotiation.ReasonExpired)
		if err != nil && !errors.Is(err, negotiation.ErrStale) && !errors.Is(err, ErrNotOverdue) {
			return nil, err
		}
	}

	if err := validateTerms(product, input.Price, input.Quantity); err != nil {
		return nil, err
	}

	now := s.now()
	n = negotiation.New(input.BuyerID, product.SellerID, product.ProductID, input.Price, input.Quantity, now)
	entry := negotiation.NewPartyEntry(n, negotiation.ActionOpen, input.BuyerID, input.Message)
	if err := s.repo.Create(ctx, n, entry); err != nil {
		if errors.Is(err, negotiation.ErrDuplicateActive) {
			cur, ferr := s.repo.FindActive(ctx, input.BuyerID, product.SellerID, product.ProductID)
			if ferr == nil && cur != nil {
				return nil, negotiation.ErrActiveExists.With(cur)
			}
			return nil, negotiation.ErrActiveExists
		}
		return nil, fmt.Errorf("create negotiation: %w", err)
	}
	span.SetAttributes(attribute.String("negotiation.id", n.NegotiationID.String()))

	if err := s.visibility.GrantBoth(ctx, n.NegotiationID, n.BuyerID, n.SellerID, n.ProposedPrice, n.ProposedQuantity); err != nil {
		s.logger.Warn().Err(err).Str("negotiation_id", n.NegotiationID.String()).Msg("failed to grant visibility")
	}
	buyerID := input.BuyerID
	s.notify(ctx, n, event.TypeOfferReceived, &buyerID, n.SellerID, entry.Message)

	s.logger.Info().
		Str("negotiation_id", n.NegotiationID.String()).
		Str("product_id", n.ProductID.String()).
		Msg("negotiation opened")
	return n, nil
}

// ActInput is a party's response to the current proposal.
type ActInput struct {
	Action   string
	Price    *decimal.Decimal
	Quantity *int
	Message  *string
}

// Act dispatches accept, reject or counter.
func (s *Service) Act(ctx context.Context, negotiationID, actorID uuid.UUID, input ActInput) (*negotiation.Negotiation, error) {
	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "counter":
		if input.Price == nil || input.Quantity == nil {
			return nil, negotiation.ErrMissingTerms
		}
		return s.Counter(ctx, negotiationID, actorID, CounterInput{
			Price:    *input.Price,
			Quantity: *input.Quantity,
			Message:  input.Message,
		})
	case "accept":
		return s.Accept(ctx, negotiationID, actorID, input.Message)
	case "reject":
		return s.Reject(ctx, negotiationID, actorID, input.Message)
	default:
		return nil, negotiation.ErrInvalidAction
	}
}

// CounterInput carries revised terms.
type CounterInput struct {
	Price    decimal.Decimal
	Quantity int
	Message  *string
}

// Counter replaces the proposal with the actor's terms and hands the turn over.
func (s *Service) Counter(ctx context.Context, negotiationID, actorID uuid.UUID, input CounterInput) (n *negotiation.Negotiation, err error) {
	ctx, span := s.startSpan(ctx, "negotiation.Counter", negotiationID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, negotiationID, actorID, mutation{
		action:  negotiation.ActionCounter,
		message: input.Message,
		apply: func(n *negotiation.Negotiation, p *catalog.Product, now time.Time) error {
			if err := validateTerms(p, input.Price, input.Quantity); err != nil {
				return err
			}
			return n.ApplyCounter(actorID, input.Price, input.Quantity, now)
		},
		after: func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry) {
			recipient := n.Counterparty(actorID)
			if err := s.visibility.Narrow(ctx, n.NegotiationID, recipient, n.ProposedPrice, n.ProposedQuantity); err != nil {
				s.logger.Warn().Err(err).Str("negotiation_id", n.NegotiationID.String()).Msg("failed to narrow visibility")
			}
		},
		notify: func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry) {
			s.notify(ctx, n, event.TypeCounterReceived, &actorID, n.Counterparty(actorID), entry.Message)
		},
	})
}

// Accept finalizes the current proposal after a last stock check.
func (s *Service) Accept(ctx context.Context, negotiationID, actorID uuid.UUID, message *string) (n *negotiation.Negotiation, err error) {
	ctx, span := s.startSpan(ctx, "negotiation.Accept", negotiationID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, negotiationID, actorID, mutation{
		action:  negotiation.ActionAccept,
		message: message,
		apply: func(n *negotiation.Negotiation, p *catalog.Product, now time.Time) error {
			if n.ProposedQuantity > p.Stock {
				return negotiation.ErrQuantityExceedsStock
			}
			return n.ApplyAccept(actorID, now)
		},
		after: func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry) {
			if err := s.visibility.RevokeAll(ctx, n.NegotiationID); err != nil {
				s.logger.Warn().Err(err).Str("negotiation_id", n.NegotiationID.String()).Msg("failed to revoke visibility")
			}
		},
		notify: func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry) {
			s.notify(ctx, n, event.TypeAccepted, &actorID, n.Counterparty(actorID), entry.Message)
		},
	})
}

type mutation struct {
	action  negotiation.Action
	message *string
	apply   func(n *negotiation.Negotiation, p *catalog.Product, now time.Time) error
	// after runs while the lock is still held, notify once it is released.
	after  func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry)
	notify func(ctx context.Context, n *negotiation.Negotiation, entry *negotiation.HistoryEntry)
}

// mutate runs a lock-guarded Counter or Accept.
func (s *Service) mutate(ctx context.Context, negotiationID, actorID uuid.UUID, m mutation) (*negotiation.Negotiation, error) {
	n, err := s.loadForParty(ctx, negotiationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := negotiation.ValidateMessage(m.message); err != nil {
		return nil, attach(err, n)
	}
	if err := s.ensureActionable(ctx, n); err != nil {
		return nil, err
	}
	// the turn check is repeated under the lock against the fresh read
	if actorID == n.LastOfferBy {
		return nil, negotiation.ErrNotYourTurn.With(s.withLock(ctx, n))
	}

	lease, err := s.locks.Acquire(ctx, negotiationID, actorID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrConflict) {
			return nil, negotiation.ErrLocked.With(s.withLock(ctx, n))
		}
		return nil, err
	}

	updated, entry, err := s.applyLocked(ctx, negotiationID, actorID, m)
	if err == nil && m.after != nil {
		m.after(ctx, updated, entry)
	}
	s.releaseLock(ctx, lease)
	if err != nil {
		return nil, err
	}
	if m.notify != nil {
		m.notify(ctx, updated, entry)
	}
	return updated, nil
}

func (s *Service) applyLocked(ctx context.Context, negotiationID, actorID uuid.UUID, m mutation) (*negotiation.Negotiation, *negotiation.HistoryEntry, error) {
	// Re-read under the lock: a reject may have landed while we were acquiring.
	n, err := s.load(ctx, negotiationID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ensureActionable(ctx, n); err != nil {
		return nil, nil, err
	}
	if actorID == n.LastOfferBy {
		return nil, nil, negotiation.ErrNotYourTurn.With(n)
	}

	product, err := s.products.GetProduct(ctx, n.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil || !product.Negotiable() {
		return nil, nil, negotiation.ErrNegotiationDisabled.With(n)
	}

	updated := n.Clone()
	if err := m.apply(updated, product, s.now()); err != nil {
		return nil, nil, attach(err, n)
	}
	entry := negotiation.NewPartyEntry(updated, m.action, actorID, m.message)
	if err := s.repo.Apply(ctx, updated, n.Version, entry); err != nil {
		if errors.Is(err, negotiation.ErrVersionConflict) {
			return nil, nil, s.conflictOutcome(ctx, negotiationID)
		}
		return nil, nil, fmt.Errorf("apply %s: %w", strings.ToLower(string(m.action)), err)
	}
	updated.LockOwner = nil
	updated.LockExpiresAt = nil
	return updated, entry, nil
}

func (s *Service) releaseLock(ctx context.Context, lease *lock.Lease) {
	err := s.locks.Release(context.WithoutCancel(ctx), lease.NegotiationID, lease.Token)
	if err != nil && !errors.Is(err, lock.ErrNotHeld) {
		s.logger.Warn().Err(err).Str("negotiation_id", lease.NegotiationID.String()).Msg("failed to release lock")
	}
}

// ensureActionable rejects terminal negotiations and expires overdue ones on the spot.
func (s *Service) ensureActionable(ctx context.Context, n *negotiation.Negotiation) error {
	if n.IsExpired(s.now(), s.cfg.InactivityWindow) {
		return s.expireNow(ctx, n)
	}
	if !n.IsActive() {
		return negotiation.ErrTerminal.With(n)
	}
	return nil
}

func (s *Service) expireNow(ctx context.Context, n *negotiation.Negotiation) error {
	cur, err := s.forceReject(ctx, n, negotiation.ReasonExpired)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotOverdue):
		return negotiation.ErrLocked.With(s.withLock(ctx, n))
	case errors.Is(err, negotiation.ErrStale):
		cur = n.Clone()
		if e, ok := negotiation.AsError(err); ok && e.Negotiation != nil {
			cur = e.Negotiation
		} else {
			cur.MarkExpired()
		}
	default:
		return err
	}
	return negotiation.ErrExpired.With(cur)
}

func (s *Service) conflictOutcome(ctx context.Context, negotiationID uuid.UUID) error {
	cur, err := s.load(ctx, negotiationID)
	if err != nil {
		return err
	}
	if !cur.IsActive() {
		return negotiation.ErrTerminal.With(cur)
	}
	return negotiation.ErrLocked.With(s.withLock(ctx, cur))
}

func (s *Service) load(ctx context.Context, negotiationID uuid.UUID) (*negotiation.Negotiation, error) {
	n, err := s.repo.GetByID(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("load negotiation: %w", err)
	}
	if n == nil {
		return nil, negotiation.ErrNegotiationNotFound
	}
	return n, nil
}

func (s *Service) loadForParty(ctx context.Context, negotiationID, actorID uuid.UUID) (*negotiation.Negotiation, error) {
	n, err := s.load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.IsParty(actorID) {
		s.logger.Warn().
			Str("negotiation_id", negotiationID.String()).
			Str("user_id", actorID.String()).
			Msg("non-party access refused")
		return nil, negotiation.ErrNotParty
	}
	return n, nil
}

// withLock copies n with the current lock holder filled in.
func (s *Service) withLock(ctx context.Context, n *negotiation.Negotiation) *negotiation.Negotiation {
	c := n.Clone()
	c.LockOwner = nil
	c.LockExpiresAt = nil
	holder, err := s.locks.Holder(ctx, n.NegotiationID)
	if err != nil || holder == nil {
		return c
	}
	c.LockOwner = &holder.Owner
	c.LockExpiresAt = &holder.ExpiresAt
	return c
}

func (s *Service) notify(ctx context.Context, n *negotiation.Negotiation, typ event.Type, actorID *uuid.UUID, recipient uuid.UUID, message *string) {
	if s.notifier == nil {
		return
	}
	note := &event.Notification{
		EventID:       uuid.New(),
		Type:          typ,
		NegotiationID: n.NegotiationID,
		ProductID:     n.ProductID,
		RecipientID:   recipient,
		ActorID:       actorID,
		Status:        string(n.Status),
		Quantity:      n.ProposedQuantity,
		Message:       message,
		OccurredAt:    n.UpdatedAt,
	}
	if typ != event.TypeRejected {
		price := n.ProposedPrice
		note.Price = &price
	}
	if n.RejectReason != nil {
		reason := string(*n.RejectReason)
		note.Reason = &reason
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		s.logger.Warn().Err(err).
			Str("negotiation_id", n.NegotiationID.String()).
			Str("type", string(typ)).
			Msg("failed to emit notification")
	}
}

func (s *Service) startSpan(ctx context.Context, name string, negotiationID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("negotiation.id", negotiationID.String())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// validateTerms checks a proposal against the catalog. Nothing is clamped.
func validateTerms(p *catalog.Product, price decimal.Decimal, quantity int) error {
	if !price.IsPositive() {
		return negotiation.ErrPriceNotPositive
	}
	floor, err := p.Floor()
	if err != nil {
		return fmt.Errorf("floor price for product %s: %w", p.ProductID, err)
	}
	if price.LessThan(floor) {
		return negotiation.ErrPriceBelowFloor
	}
	if price.GreaterThan(p.ListedPrice) {
		return negotiation.ErrPriceAboveListed
	}
	minQty := p.MinOrderQuantity
	if minQty < 1 {
		minQty = 1
	}
	if quantity < minQty {
		return negotiation.ErrQuantityBelowMinimum
	}
	if quantity > p.Stock {
		return negotiation.ErrQuantityExceedsStock
	}
	return nil
}

func attach(err error, n *negotiation.Negotiation) error {
	if e, ok := negotiation.AsError(err); ok && e.Negotiation == nil {
		return e.With(n)
	}
	return err
}
