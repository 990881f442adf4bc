package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidKey   = errors.New("coordination key must not be empty")
	ErrInvalidTTL   = errors.New("ttl must be positive")
	ErrInvalidValue = errors.New("grant value must be a JSON document")
)

// Lease is a time-bounded exclusive claim on a key.
type Lease struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lease no longer excludes other owners.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Grant is an opaque value that disappears after its TTL.
type Grant struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Store is a compare-and-swap capable store shared by every service instance.
// Callers pass now explicitly so replicated implementations stay deterministic.
type Store interface {
	// AcquireLease claims key for owner when it is free, expired, or already held by owner.
	// A renewal by the same owner keeps the existing token. The returned lease is the
	// current holder; ok reports whether that holder is owner.
	AcquireLease(ctx context.Context, key, owner, token string, ttl time.Duration, now time.Time) (lease *Lease, ok bool, err error)
	// ReleaseLease drops the lease if token still holds it.
	ReleaseLease(ctx context.Context, key, token string) (bool, error)
	// ExtendLease pushes an unexpired lease held by token further out. Returns nil when token does not hold key.
	ExtendLease(ctx context.Context, key, token string, by time.Duration, now time.Time) (*Lease, error)
	DeleteLease(ctx context.Context, key string) error
	// GetLease returns the unexpired lease on key, or nil.
	GetLease(ctx context.Context, key string, now time.Time) (*Lease, error)

	// PutGrant stores value, which must be a JSON document, under key.
	PutGrant(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error
	// GetGrant returns the unexpired grant on key, or nil.
	GetGrant(ctx context.Context, key string, now time.Time) (*Grant, error)
	// DeleteGrants removes every grant whose key starts with prefix.
	DeleteGrants(ctx context.Context, prefix string) (int, error)

	// PurgeExpired drops leases and grants that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// ValidateKey rejects blank keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
