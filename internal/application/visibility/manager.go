package visibility

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehub/negotiation/internal/domain/coordination"
)

// DefaultTTL is how long a party may see a proposal without acting on it.
const DefaultTTL = time.Hour

// Grant records which figure a party may currently see.
type Grant struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	GrantedAt time.Time       `json:"grantedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Manager stores per-party price visibility in the coordination store.
type Manager struct {
	store  coordination.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a visibility manager. ttl <= 0 uses DefaultTTL.
func NewManager(store coordination.Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("service", "visibility").Logger(),
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Key is the grant key for one party of one negotiation.
func Key(negotiationID, party uuid.UUID) string {
	return prefix(negotiationID) + party.String()
}

func prefix(negotiationID uuid.UUID) string {
	return "negotiation:" + negotiationID.String() + ":view:"
}

// Grant lets party see price and quantity until the TTL runs out.
func (m *Manager) Grant(ctx context.Context, negotiationID, party uuid.UUID, price decimal.Decimal, quantity int) error {
	now := m.now()
	payload, err := json.Marshal(Grant{
		Price:     price,
		Quantity:  quantity,
		GrantedAt: now,
		ExpiresAt: now.Add(m.ttl),
	})
	if err != nil {
		return err
	}
	if err := m.store.PutGrant(ctx, Key(negotiationID, party), payload, m.ttl, now); err != nil {
		return fmt.Errorf("grant visibility: %w", err)
	}
	return nil
}

// Revoke removes party's grant.
func (m *Manager) Revoke(ctx context.Context, negotiationID, party uuid.UUID) error {
	if _, err := m.store.DeleteGrants(ctx, Key(negotiationID, party)); err != nil {
		return fmt.Errorf("revoke visibility: %w", err)
	}
	return nil
}

// RevokeAll removes every grant on the negotiation.
func (m *Manager) RevokeAll(ctx context.Context, negotiationID uuid.UUID) error {
	if _, err := m.store.DeleteGrants(ctx, prefix(negotiationID)); err != nil {
		return fmt.Errorf("revoke visibility: %w", err)
	}
	return nil
}

// GrantBoth opens a fresh proposal to both parties.
func (m *Manager) GrantBoth(ctx context.Context, negotiationID, buyer, seller uuid.UUID, price decimal.Decimal, quantity int) error {
	if err := m.Grant(ctx, negotiationID, buyer, price, quantity); err != nil {
		return err
	}
	return m.Grant(ctx, negotiationID, seller, price, quantity)
}

// Narrow revokes every grant and lets only recipient see the new figure.
func (m *Manager) Narrow(ctx context.Context, negotiationID, recipient uuid.UUID, price decimal.Decimal, quantity int) error {
	if err := m.RevokeAll(ctx, negotiationID); err != nil {
		return err
	}
	return m.Grant(ctx, negotiationID, recipient, price, quantity)
}

// Lookup returns party's unexpired grant, or nil.
func (m *Manager) Lookup(ctx context.Context, negotiationID, party uuid.UUID) (*Grant, error) {
	g, err := m.store.GetGrant(ctx, Key(negotiationID, party), m.now())
	if err != nil {
		return nil, fmt.Errorf("read visibility: %w", err)
	}
	if g == nil {
		return nil, nil
	}
	var out Grant
	if err := json.Unmarshal(g.Value, &out); err != nil {
		m.logger.Warn().Err(err).Str("key", g.Key).Msg("discarding malformed grant")
		return nil, nil
	}
	return &out, nil
}

// CanView reports whether party currently holds a grant.
func (m *Manager) CanView(ctx context.Context, negotiationID, party uuid.UUID) (bool, error) {
	g, err := m.Lookup(ctx, negotiationID, party)
	if err != nil {
		return false, err
	}
	return g != nil, nil
}
