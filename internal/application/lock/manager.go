package lock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradehub/negotiation/internal/domain/coordination"
)

// DefaultTTL bounds how long an abandoned lock blocks the other party.
const DefaultTTL = 5 * time.Minute

var (
	ErrConflict = errors.New("lock held by another owner")
	ErrNotHeld  = errors.New("lock is not held by this token")
)

// Lease is a held negotiation lock.
type Lease struct {
	NegotiationID uuid.UUID `json:"negotiationId"`
	Owner         uuid.UUID `json:"owner"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ConflictError carries the lease that blocked the caller.
type ConflictError struct {
	Holder *Lease
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("negotiation %s locked until %s", e.Holder.NegotiationID, e.Holder.ExpiresAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Manager hands out per-negotiation leases from a shared coordination store.
type Manager struct {
	store  coordination.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewManager creates a lock manager. ttl <= 0 uses DefaultTTL.
func NewManager(store coordination.Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:   store,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("service", "lock").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// TTL is the default lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Key is the coordination key guarding a negotiation.
func Key(negotiationID uuid.UUID) string {
	return "negotiation:" + negotiationID.String() + ":lock"
}

// Acquire claims the negotiation for owner. The same owner re-acquiring renews its
// lease and keeps its token. Another owner holding an unexpired lease yields a *ConflictError.
func (m *Manager) Acquire(ctx context.Context, negotiationID, owner uuid.UUID, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	token, err := m.newToken(now)
	if err != nil {
		return nil, err
	}
	cur, ok, err := m.store.AcquireLease(ctx, Key(negotiationID), owner.String(), token, ttl, now)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	lease, err := toLease(negotiationID, cur)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Debug().
			Str("negotiation_id", negotiationID.String()).
			Str("holder", lease.Owner.String()).
			Msg("lock conflict")
		return nil, &ConflictError{Holder: lease}
	}
	return lease, nil
}

// Release drops the lease if token still holds it.
func (m *Manager) Release(ctx context.Context, negotiationID uuid.UUID, token string) error {
	released, err := m.store.ReleaseLease(ctx, Key(negotiationID), token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Extend lengthens an unexpired lease held by token.
func (m *Manager) Extend(ctx context.Context, negotiationID uuid.UUID, token string, additional time.Duration) (*Lease, error) {
	if additional <= 0 {
		return nil, coordination.ErrInvalidTTL
	}
	cur, err := m.store.ExtendLease(ctx, Key(negotiationID), token, additional, m.now())
	if err != nil {
		return nil, fmt.Errorf("extend lock: %w", err)
	}
	if cur == nil {
		return nil, ErrNotHeld
	}
	return toLease(negotiationID, cur)
}

// ForceRelease drops any lease on the negotiation. Authorization is the caller's job.
func (m *Manager) ForceRelease(ctx context.Context, negotiationID uuid.UUID) error {
	if err := m.store.DeleteLease(ctx, Key(negotiationID)); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	return nil
}

// Holder returns the unexpired lease on the negotiation, or nil.
func (m *Manager) Holder(ctx context.Context, negotiationID uuid.UUID) (*Lease, error) {
	cur, err := m.store.GetLease(ctx, Key(negotiationID), m.now())
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if cur == nil {
		return nil, nil
	}
	return toLease(negotiationID, cur)
}

func (m *Manager) newToken(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return id.String(), nil
}

func toLease(negotiationID uuid.UUID, l *coordination.Lease) (*Lease, error) {
	owner, err := uuid.Parse(l.Owner)
	if err != nil {
		return nil, fmt.Errorf("lock owner %q: %w", l.Owner, err)
	}
	return &Lease{
		NegotiationID: negotiationID,
		Owner:         owner,
		Token:         l.Token,
		ExpiresAt:     l.ExpiresAt,
	}, nil
}
