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

	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

const activeNegotiationIndex = "negotiations_active_triple_idx"

const negotiationColumns = `id, negotiation_id, buyer_id, seller_id, product_id, proposed_price::text, proposed_quantity,
	status, last_offer_by, reject_reason, order_ref, version, created_at, updated_at, accepted_at, ordered_at`

// NegotiationRepository implements negotiation.Repository.
type NegotiationRepository struct {
	pool *pgxpool.Pool
}

func NewNegotiationRepository(pool *pgxpool.Pool) *NegotiationRepository {
	return &NegotiationRepository{pool: pool}
}

func (r *NegotiationRepository) Create(ctx context.Context, n *negotiation.Negotiation, first *negotiation.HistoryEntry) error {
	return inTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO negotiations
			(negotiation_id, buyer_id, seller_id, product_id, proposed_price, proposed_quantity, status,
			 last_offer_by, reject_reason, order_ref, version, created_at, updated_at, accepted_at, ordered_at)
			VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id
		`, n.NegotiationID, n.BuyerID, n.SellerID, n.ProductID, n.ProposedPrice.String(), n.ProposedQuantity, n.Status,
			n.LastOfferBy, n.RejectReason, n.OrderRef, n.Version, n.CreatedAt, n.UpdatedAt, n.AcceptedAt, n.OrderedAt).Scan(&n.ID)
		if err != nil {
			if isUniqueViolation(err, activeNegotiationIndex) {
				return negotiation.ErrDuplicateActive
			}
			return err
		}
		if first == nil {
			return nil
		}
		return insertHistory(ctx, tx, first)
	})
}

func (r *NegotiationRepository) GetByID(ctx context.Context, negotiationID uuid.UUID) (*negotiation.Negotiation, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE negotiation_id=$1`, negotiationID)
	return scanNegotiation(row)
}

func (r *NegotiationRepository) FindActive(ctx context.Context, buyerID, sellerID, productID uuid.UUID) (*negotiation.Negotiation, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE buyer_id=$1 AND seller_id=$2 AND product_id=$3 AND status IN ('PENDING','COUNTER_OFFER')
	`, buyerID, sellerID, productID)
	return scanNegotiation(row)
}

func (r *NegotiationRepository) List(ctx context.Context, filter negotiation.Filter, limit, offset int) ([]*negotiation.Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations`
	args := []any{}
	if filter.PartyID != nil {
		p := arg(&args, *filter.PartyID)
		query += addWhere(query) + " (buyer_id=" + p + " OR seller_id=" + p + ")"
	}
	if filter.Status != nil {
		query += addWhere(query) + statusClause(filter, &args)
	}
	if filter.ProductID != nil {
		query += addWhere(query) + " product_id=" + arg(&args, *filter.ProductID)
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT " + arg(&args, limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(&args, offset)
	}
	return r.query(ctx, query, args...)
}

// statusClause matches the displayed status, so overdue active rows list as REJECTED.
func statusClause(filter negotiation.Filter, args *[]any) string {
	status := *filter.Status
	if filter.ExpiredBefore == nil {
		return " status=" + arg(args, string(status))
	}
	switch status {
	case negotiation.StatusPending, negotiation.StatusCounterOffer:
		return " status=" + arg(args, string(status)) + " AND updated_at >= " + arg(args, *filter.ExpiredBefore)
	case negotiation.StatusRejected:
		return " (status='REJECTED' OR (status IN ('PENDING','COUNTER_OFFER') AND updated_at < " + arg(args, *filter.ExpiredBefore) + "))"
	default:
		return " status=" + arg(args, string(status))
	}
}

func (r *NegotiationRepository) ListActiveByProduct(ctx context.Context, productID uuid.UUID) ([]*negotiation.Negotiation, error) {
	return r.query(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE product_id=$1 AND status IN ('PENDING','COUNTER_OFFER')
		ORDER BY id
	`, productID)
}

func (r *NegotiationRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*negotiation.Negotiation, error) {
	return r.query(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE status IN ('PENDING','COUNTER_OFFER') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
}

func (r *NegotiationRepository) Apply(ctx context.Context, n *negotiation.Negotiation, expectedVersion int64, entry *negotiation.HistoryEntry) error {
	return inTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE negotiations SET proposed_price=$1::numeric, proposed_quantity=$2, status=$3, last_offer_by=$4,
				reject_reason=$5, order_ref=$6, version=$7, updated_at=$8, accepted_at=$9, ordered_at=$10
			WHERE negotiation_id=$11 AND version=$12
		`, n.ProposedPrice.String(), n.ProposedQuantity, n.Status, n.LastOfferBy, n.RejectReason, n.OrderRef,
			n.Version, n.UpdatedAt, n.AcceptedAt, n.OrderedAt, n.NegotiationID, expectedVersion)
		if err != nil {
			if isUniqueViolation(err, activeNegotiationIndex) {
				return negotiation.ErrDuplicateActive
			}
			return err
		}
		if res.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM negotiations WHERE negotiation_id=$1)`, n.NegotiationID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return negotiation.ErrNegotiationNotFound
			}
			return negotiation.ErrVersionConflict
		}
		if entry == nil {
			return nil
		}
		return insertHistory(ctx, tx, entry)
	})
}

func (r *NegotiationRepository) ListHistory(ctx context.Context, negotiationID uuid.UUID) ([]*negotiation.HistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, entry_id, negotiation_id, seq, action, actor_kind, actor_id, price::text, quantity, message, reason, created_at
		FROM negotiation_history WHERE negotiation_id=$1 ORDER BY seq
	`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*negotiation.HistoryEntry
	for rows.Next() {
		var e negotiation.HistoryEntry
		var price string
		if err := rows.Scan(&e.ID, &e.EntryID, &e.NegotiationID, &e.Seq, &e.Action, &e.ActorKind, &e.ActorID,
			&price, &e.Quantity, &e.Message, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("history %d price: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// WithLocked runs fn in a transaction that holds the negotiation row with
// SELECT ... FOR UPDATE. Repository and ledger writes made through the ctx
// passed to fn join the transaction.
func (r *NegotiationRepository) WithLocked(ctx context.Context, negotiationID uuid.UUID, fn func(ctx context.Context, n *negotiation.Negotiation) error) error {
	return inTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE negotiation_id=$1 FOR UPDATE`, negotiationID)
		n, err := scanNegotiation(row)
		if err != nil {
			return err
		}
		if n == nil {
			return negotiation.ErrNegotiationNotFound
		}
		return fn(ctx, n)
	})
}

func (r *NegotiationRepository) query(ctx context.Context, query string, args ...any) ([]*negotiation.Negotiation, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*negotiation.Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *negotiation.HistoryEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO negotiation_history
		(entry_id, negotiation_id, seq, action, actor_kind, actor_id, price, quantity, message, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10,$11)
		RETURNING id
	`, e.EntryID, e.NegotiationID, e.Seq, e.Action, e.ActorKind, e.ActorID, e.Price.String(), e.Quantity,
		e.Message, e.Reason, e.CreatedAt).Scan(&e.ID)
}

func scanNegotiation(row pgx.Row) (*negotiation.Negotiation, error) {
	var n negotiation.Negotiation
	var price string
	if err := row.Scan(&n.ID, &n.NegotiationID, &n.BuyerID, &n.SellerID, &n.ProductID, &price, &n.ProposedQuantity,
		&n.Status, &n.LastOfferBy, &n.RejectReason, &n.OrderRef, &n.Version, &n.CreatedAt, &n.UpdatedAt,
		&n.AcceptedAt, &n.OrderedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("negotiation %s price: %w", n.NegotiationID, err)
	}
	n.ProposedPrice = p
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}
