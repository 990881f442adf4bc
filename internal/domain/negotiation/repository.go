package negotiation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for negotiation persistence
type Repository interface {
	// Create stores a new negotiation with its opening history entry.
	// Returns ErrDuplicateActive when the triple already has an active negotiation.
	Create(ctx context.Context, n *Negotiation, first *HistoryEntry) error
	GetByID(ctx context.Context, negotiationID uuid.UUID) (*Negotiation, error)
	FindActive(ctx context.Context, buyerID, sellerID, productID uuid.UUID) (*Negotiation, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Negotiation, error)
	ListActiveByProduct(ctx context.Context, productID uuid.UUID) ([]*Negotiation, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*Negotiation, error)

	// Apply persists n and appends entry if the stored version still equals expectedVersion.
	// Returns ErrVersionConflict otherwise.
	Apply(ctx context.Context, n *Negotiation, expectedVersion int64, entry *HistoryEntry) error

	// History
	ListHistory(ctx context.Context, negotiationID uuid.UUID) ([]*HistoryEntry, error)

	// WithLocked runs fn inside a transaction holding the negotiation row.
	// Writes made through the ctx passed to fn commit or roll back together.
	WithLocked(ctx context.Context, negotiationID uuid.UUID, fn func(ctx context.Context, n *Negotiation) error) error
}
