package httpapi

import (
	"context"

	"github.com/google/uuid"

	appNegotiation "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/domain/identity"
)

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser represents the authenticated party in context.
type AuthUser struct {
	UserID    uuid.UUID
	Username  string
	Role      identity.Role
	SessionID uuid.UUID
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	val := ctx.Value(authUserKey)
	if v, ok := val.(*AuthUser); ok {
		return v
	}
	return nil
}

func (s *Server) actorFromContext(ctx context.Context) appNegotiation.Actor {
	u := authUserFromContext(ctx)
	if u == nil {
		return appNegotiation.Actor{}
	}
	return appNegotiation.Actor{UserID: u.UserID, Admin: u.Role == s.adminRole}
}
