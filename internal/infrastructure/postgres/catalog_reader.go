package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/identity"
)

// CatalogReader implements catalog.Catalog over the catalog service's product table.
type CatalogReader struct {
	pool *pgxpool.Pool
}

func NewCatalogReader(pool *pgxpool.Pool) *CatalogReader {
	return &CatalogReader{pool: pool}
}

func (r *CatalogReader) GetProduct(ctx context.Context, productID uuid.UUID) (*catalog.Product, error) {
	var p catalog.Product
	var listed, floor string
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT product_id, seller_id, listed_price::text, floor_price::text, floor_expr,
			min_order_quantity, stock, negotiation_enabled, available
		FROM products WHERE product_id=$1
	`, productID).Scan(&p.ProductID, &p.SellerID, &listed, &floor, &p.FloorExpr,
		&p.MinOrderQuantity, &p.Stock, &p.NegotiationEnabled, &p.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if p.ListedPrice, err = decimal.NewFromString(listed); err != nil {
		return nil, fmt.Errorf("product %s listed price: %w", productID, err)
	}
	if p.FloorPrice, err = decimal.NewFromString(floor); err != nil {
		return nil, fmt.Errorf("product %s floor price: %w", productID, err)
	}
	return &p, nil
}

// DirectoryReader implements identity.Directory over the user service's table.
type DirectoryReader struct {
	pool *pgxpool.Pool
}

func NewDirectoryReader(pool *pgxpool.Pool) *DirectoryReader {
	return &DirectoryReader{pool: pool}
}

func (r *DirectoryReader) GetUser(ctx context.Context, userID uuid.UUID) (*identity.User, error) {
	var u identity.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, username, role, status, b2b_verified FROM users WHERE user_id=$1
	`, userID).Scan(&u.UserID, &u.Username, &u.Role, &u.Status, &u.B2BVerified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// SessionRepository implements identity.SessionStore.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*identity.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, token_hash, user_id, created_at, expires_at, last_seen_at
		FROM sessions WHERE token_hash=$1
	`, tokenHash)
	return scanSession(row)
}

func (r *SessionRepository) DeleteByID(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id=$1`, sessionID)
	return err
}

func (r *SessionRepository) UpdateLastSeen(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_seen_at=$1 WHERE session_id=$2`, time.Now().UTC(), sessionID)
	return err
}

func scanSession(row pgx.Row) (*identity.Session, error) {
	var s identity.Session
	if err := row.Scan(&s.ID, &s.SessionID, &s.TokenHash, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &s.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
