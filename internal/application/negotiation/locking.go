package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tradehub/negotiation/internal/application/lock"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

// ClaimLock lets the party whose turn it is hold the negotiation while composing a response.
func (s *Service) ClaimLock(ctx context.Context, negotiationID, actorID uuid.UUID) (*lock.Lease, error) {
	n, err := s.loadForParty(ctx, negotiationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureActionable(ctx, n); err != nil {
		return nil, err
	}
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
	return lease, nil
}

// ExtendLock lengthens the lock held by actor.
func (s *Service) ExtendLock(ctx context.Context, negotiationID, actorID uuid.UUID, additional time.Duration) (*lock.Lease, error) {
	n, err := s.loadForParty(ctx, negotiationID, actorID)
	if err != nil {
		return nil, err
	}
	if additional <= 0 || additional > MaxLockExtension {
		return nil, negotiation.ErrInvalidExtension.With(n)
	}
	if err := s.ensureActionable(ctx, n); err != nil {
		return nil, err
	}
	holder, err := s.locks.Holder(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if holder == nil || holder.Owner != actorID {
		return nil, negotiation.ErrNotLockOwner.With(s.withLock(ctx, n))
	}
	lease, err := s.locks.Extend(ctx, negotiationID, holder.Token, additional)
	if err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			return nil, negotiation.ErrNotLockOwner.With(s.withLock(ctx, n))
		}
		return nil, err
	}
	return lease, nil
}

// ForceReleaseLock clears the lock. Only the seller or an administrator may do this.
func (s *Service) ForceReleaseLock(ctx context.Context, negotiationID uuid.UUID, actor Actor) (*negotiation.Negotiation, error) {
	n, err := s.load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.UserID != n.SellerID {
		s.logger.Warn().
			Str("negotiation_id", negotiationID.String()).
			Str("user_id", actor.UserID.String()).
			Msg("lock release refused")
		return nil, negotiation.ErrLockReleaseForbidden.With(s.withLock(ctx, n))
	}
	if err := s.locks.ForceRelease(ctx, negotiationID); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("negotiation_id", negotiationID.String()).
		Str("user_id", actor.UserID.String()).
		Bool("admin", actor.Admin).
		Msg("lock force-released")
	return s.withLock(ctx, n), nil
}
