package identity

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_directory.go -package=mocks . Directory,SessionStore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role represents a user role.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Status represents user status.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

// User is the slice of the user service the engine reads.
type User struct {
	UserID      uuid.UUID `json:"userId"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	Status      Status    `json:"status"`
	B2BVerified bool      `json:"b2bVerified"`
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// Session represents an authenticated session.
type Session struct {
	ID         int64      `json:"id"`
	SessionID  uuid.UUID  `json:"sessionId"`
	TokenHash  string     `json:"-"`
	UserID     uuid.UUID  `json:"userId"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Directory reads users. GetUser returns nil, nil for an unknown id.
type Directory interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
}

// SessionStore reads sessions issued by the user service.
type SessionStore interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	DeleteByID(ctx context.Context, sessionID uuid.UUID) error
	UpdateLastSeen(ctx context.Context, sessionID uuid.UUID) error
}
