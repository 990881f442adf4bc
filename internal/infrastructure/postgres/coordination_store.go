package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradehub/negotiation/internal/domain/coordination"
)

// CoordinationStore implements coordination.Store on shared Postgres tables.
type CoordinationStore struct {
	pool *pgxpool.Pool
}

func NewCoordinationStore(pool *pgxpool.Pool) *CoordinationStore {
	return &CoordinationStore{pool: pool}
}

// acquireAttempts bounds retries when the holder disappears between the upsert and the read.
const acquireAttempts = 3

func (s *CoordinationStore) AcquireLease(ctx context.Context, key, owner, token string, ttl time.Duration, now time.Time) (*coordination.Lease, bool, error) {
	if err := coordination.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, coordination.ErrInvalidTTL
	}
	for i := 0; i < acquireAttempts; i++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO coordination_leases (key, owner, token, acquired_at, expires_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (key) DO UPDATE SET
				token = CASE WHEN coordination_leases.owner = EXCLUDED.owner AND coordination_leases.expires_at > $4
					THEN coordination_leases.token ELSE EXCLUDED.token END,
				acquired_at = CASE WHEN coordination_leases.owner = EXCLUDED.owner AND coordination_leases.expires_at > $4
					THEN coordination_leases.acquired_at ELSE EXCLUDED.acquired_at END,
				owner = EXCLUDED.owner,
				expires_at = EXCLUDED.expires_at
			WHERE coordination_leases.expires_at <= $4 OR coordination_leases.owner = EXCLUDED.owner
			RETURNING key, owner, token, acquired_at, expires_at
		`, key, owner, token, now, now.Add(ttl))
		lease, err := scanLease(row)
		if err != nil {
			return nil, false, err
		}
		if lease != nil {
			return lease, true, nil
		}
		holder, err := s.GetLease(ctx, key, now)
		if err != nil {
			return nil, false, err
		}
		if holder != nil {
			return holder, false, nil
		}
	}
	return nil, false, errors.New("lease contended: holder changed during acquire")
}

func (s *CoordinationStore) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM coordination_leases WHERE key=$1 AND token=$2`, key, token)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *CoordinationStore) ExtendLease(ctx context.Context, key, token string, by time.Duration, now time.Time) (*coordination.Lease, error) {
	if by <= 0 {
		return nil, coordination.ErrInvalidTTL
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE coordination_leases SET expires_at = expires_at + make_interval(secs => $3)
		WHERE key=$1 AND token=$2 AND expires_at > $4
		RETURNING key, owner, token, acquired_at, expires_at
	`, key, token, by.Seconds(), now)
	return scanLease(row)
}

func (s *CoordinationStore) DeleteLease(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM coordination_leases WHERE key=$1`, key)
	return err
}

func (s *CoordinationStore) GetLease(ctx context.Context, key string, now time.Time) (*coordination.Lease, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, owner, token, acquired_at, expires_at
		FROM coordination_leases WHERE key=$1 AND expires_at > $2
	`, key, now)
	return scanLease(row)
}

func (s *CoordinationStore) PutGrant(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	if err := coordination.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordination.ErrInvalidTTL
	}
	if !json.Valid(value) {
		return coordination.ErrInvalidValue
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO coordination_grants (key, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, now.Add(ttl))
	return err
}

func (s *CoordinationStore) GetGrant(ctx context.Context, key string, now time.Time) (*coordination.Grant, error) {
	var g coordination.Grant
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT key, value, expires_at FROM coordination_grants WHERE key=$1 AND expires_at > $2
	`, key, now).Scan(&g.Key, &value, &g.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	g.Value = value
	g.ExpiresAt = g.ExpiresAt.UTC()
	return &g, nil
}

func (s *CoordinationStore) DeleteGrants(ctx context.Context, prefix string) (int, error) {
	if err := coordination.ValidateKey(prefix); err != nil {
		return 0, err
	}
	res, err := s.pool.Exec(ctx, `DELETE FROM coordination_grants WHERE left(key, length($1)) = $1`, prefix)
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected()), nil
}

func (s *CoordinationStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	err := inTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM coordination_leases WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		total += int(res.RowsAffected())
		res, err = tx.Exec(ctx, `DELETE FROM coordination_grants WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		total += int(res.RowsAffected())
		return nil
	})
	return total, err
}

func scanLease(row pgx.Row) (*coordination.Lease, error) {
	var l coordination.Lease
	if err := row.Scan(&l.Key, &l.Owner, &l.Token, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}
