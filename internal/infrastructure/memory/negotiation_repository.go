package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

type lockedKey struct{}

// NegotiationRepository implements negotiation.Repository in process memory.
type NegotiationRepository struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[uuid.UUID]*negotiation.Negotiation
	history map[uuid.UUID][]*negotiation.HistoryEntry
}

func NewNegotiationRepository() *NegotiationRepository {
	return &NegotiationRepository{
		byID:    make(map[uuid.UUID]*negotiation.Negotiation),
		history: make(map[uuid.UUID][]*negotiation.HistoryEntry),
	}
}

// lock takes the repository mutex unless ctx already runs inside WithLocked.
func (r *NegotiationRepository) lock(ctx context.Context) func() {
	if held, _ := ctx.Value(lockedKey{}).(*NegotiationRepository); held == r {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *NegotiationRepository) Create(ctx context.Context, n *negotiation.Negotiation, first *negotiation.HistoryEntry) error {
	defer r.lock(ctx)()
	if n.IsActive() {
		for _, cur := range r.byID {
			if cur.IsActive() && cur.BuyerID == n.BuyerID && cur.SellerID == n.SellerID && cur.ProductID == n.ProductID {
				return negotiation.ErrDuplicateActive
			}
		}
	}
	r.nextID++
	n.ID = r.nextID
	r.byID[n.NegotiationID] = n.Clone()
	if first != nil {
		r.appendHistory(first)
	}
	return nil
}

func (r *NegotiationRepository) GetByID(ctx context.Context, negotiationID uuid.UUID) (*negotiation.Negotiation, error) {
	defer r.lock(ctx)()
	return r.byID[negotiationID].Clone(), nil
}

func (r *NegotiationRepository) FindActive(ctx context.Context, buyerID, sellerID, productID uuid.UUID) (*negotiation.Negotiation, error) {
	defer r.lock(ctx)()
	for _, n := range r.byID {
		if n.IsActive() && n.BuyerID == buyerID && n.SellerID == sellerID && n.ProductID == productID {
			return n.Clone(), nil
		}
	}
	return nil, nil
}

func (r *NegotiationRepository) List(ctx context.Context, filter negotiation.Filter, limit, offset int) ([]*negotiation.Negotiation, error) {
	defer r.lock(ctx)()
	var out []*negotiation.Negotiation
	for _, n := range r.byID {
		if filter.PartyID != nil && !n.IsParty(*filter.PartyID) {
			continue
		}
		if !filter.MatchesStatus(n) {
			continue
		}
		if filter.ProductID != nil && n.ProductID != *filter.ProductID {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, limit, offset), nil
}

func (r *NegotiationRepository) ListActiveByProduct(ctx context.Context, productID uuid.UUID) ([]*negotiation.Negotiation, error) {
	defer r.lock(ctx)()
	var out []*negotiation.Negotiation
	for _, n := range r.byID {
		if n.IsActive() && n.ProductID == productID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *NegotiationRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*negotiation.Negotiation, error) {
	defer r.lock(ctx)()
	var out []*negotiation.Negotiation
	for _, n := range r.byID {
		if n.IsActive() && n.UpdatedAt.Before(updatedBefore) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (r *NegotiationRepository) Apply(ctx context.Context, n *negotiation.Negotiation, expectedVersion int64, entry *negotiation.HistoryEntry) error {
	defer r.lock(ctx)()
	cur, ok := r.byID[n.NegotiationID]
	if !ok {
		return negotiation.ErrNegotiationNotFound
	}
	if cur.Version != expectedVersion {
		return negotiation.ErrVersionConflict
	}
	stored := n.Clone()
	stored.ID = cur.ID
	stored.LockOwner = nil
	stored.LockExpiresAt = nil
	r.byID[n.NegotiationID] = stored
	if entry != nil {
		r.appendHistory(entry)
	}
	return nil
}

func (r *NegotiationRepository) ListHistory(ctx context.Context, negotiationID uuid.UUID) ([]*negotiation.HistoryEntry, error) {
	defer r.lock(ctx)()
	entries := r.history[negotiationID]
	out := make([]*negotiation.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// WithLocked holds the repository mutex for the duration of fn. Repository
// calls made with the ctx passed to fn reuse the held mutex.
func (r *NegotiationRepository) WithLocked(ctx context.Context, negotiationID uuid.UUID, fn func(ctx context.Context, n *negotiation.Negotiation) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[negotiationID]
	if !ok {
		return negotiation.ErrNegotiationNotFound
	}
	return fn(context.WithValue(ctx, lockedKey{}, r), n.Clone())
}

func (r *NegotiationRepository) appendHistory(e *negotiation.HistoryEntry) {
	c := *e
	c.ID = int64(len(r.history[e.NegotiationID]) + 1)
	r.history[e.NegotiationID] = append(r.history[e.NegotiationID], &c)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
