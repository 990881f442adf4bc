package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tradehub/negotiation/internal/domain/event"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

// ErrNotOverdue is returned when an expiry force-reject finds the negotiation was touched meanwhile.
var ErrNotOverdue = errors.New("negotiation is no longer overdue")

// Reject ends the negotiation on behalf of either party, regardless of turn or lock.
func (s *Service) Reject(ctx context.Context, negotiationID, actorID uuid.UUID, message *string) (n *negotiation.Negotiation, err error) {
	ctx, span := s.startSpan(ctx, "negotiation.Reject", negotiationID)
	defer func() { endSpan(span, err) }()

	cur, err := s.loadForParty(ctx, negotiationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := negotiation.ValidateMessage(message); err != nil {
		return nil, attach(err, cur)
	}
	if cur.IsExpired(s.now(), s.cfg.InactivityWindow) {
		return nil, s.expireNow(ctx, cur)
	}
	return s.reject(ctx, cur, negotiation.ReasonRejectedByParty, &actorID, message)
}

// ForceReject ends the negotiation on behalf of the system. Invalidation and expiry both land here.
func (s *Service) ForceReject(ctx context.Context, negotiationID uuid.UUID, reason negotiation.Reason) (n *negotiation.Negotiation, err error) {
	ctx, span := s.startSpan(ctx, "negotiation.ForceReject", negotiationID)
	span.SetAttributes(attribute.String("negotiation.reason", string(reason)))
	defer func() { endSpan(span, err) }()

	cur, err := s.load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	return s.forceReject(ctx, cur, reason)
}

func (s *Service) forceReject(ctx context.Context, n *negotiation.Negotiation, reason negotiation.Reason) (*negotiation.Negotiation, error) {
	updated, err := s.reject(ctx, n, reason, nil, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("negotiation_id", updated.NegotiationID.String()).
		Str("reason", string(reason)).
		Msg("negotiation force-rejected")
	return updated, nil
}

// reject applies REJECTED with a version check, re-reading on conflict so a
// concurrent terminal transition is never overwritten.
func (s *Service) reject(ctx context.Context, n *negotiation.Negotiation, reason negotiation.Reason, actorID *uuid.UUID, message *string) (*negotiation.Negotiation, error) {
	cur := n
	for attempt := 0; attempt < rejectAttempts; attempt++ {
		if !cur.IsActive() {
			return nil, negotiation.ErrTerminal.With(cur)
		}
		if reason == negotiation.ReasonExpired && !cur.IsExpired(s.now(), s.cfg.InactivityWindow) {
			return nil, ErrNotOverdue
		}

		updated := cur.Clone()
		updated.LockOwner = nil
		updated.LockExpiresAt = nil
		if err := updated.ApplyReject(reason, s.now()); err != nil {
			return nil, attach(err, cur)
		}
		var entry *negotiation.HistoryEntry
		if actorID != nil {
			entry = negotiation.NewPartyEntry(updated, negotiation.ActionReject, *actorID, message)
		} else {
			entry = negotiation.NewSystemEntry(updated, negotiation.ActionForceReject, reason)
		}

		err := s.repo.Apply(ctx, updated, cur.Version, entry)
		if err == nil {
			s.afterReject(ctx, updated, actorID, entry.Message)
			return updated, nil
		}
		if !errors.Is(err, negotiation.ErrVersionConflict) {
			return nil, fmt.Errorf("reject negotiation: %w", err)
		}
		if cur, err = s.load(ctx, n.NegotiationID); err != nil {
			return nil, err
		}
	}
	return nil, negotiation.ErrLocked.With(s.withLock(ctx, cur))
}

func (s *Service) afterReject(ctx context.Context, n *negotiation.Negotiation, actorID *uuid.UUID, message *string) {
	bg := context.WithoutCancel(ctx)
	if err := s.locks.ForceRelease(bg, n.NegotiationID); err != nil {
		s.logger.Warn().Err(err).Str("negotiation_id", n.NegotiationID.String()).Msg("failed to release lock")
	}
	if err := s.visibility.RevokeAll(bg, n.NegotiationID); err != nil {
		s.logger.Warn().Err(err).Str("negotiation_id", n.NegotiationID.String()).Msg("failed to revoke visibility")
	}
	if actorID != nil {
		s.notify(ctx, n, event.TypeRejected, actorID, n.Counterparty(*actorID), message)
		return
	}
	s.notify(ctx, n, event.TypeRejected, nil, n.BuyerID, nil)
	s.notify(ctx, n, event.TypeRejected, nil, n.SellerID, nil)
}
