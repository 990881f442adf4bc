package httpapi

import (
	"net/http"
	"strings"
)

const serviceKeyHeader = "X-API-Key"

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r, s.sessionCookieName)
		u, sess, err := s.authSvc.Authenticate(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		ctx := withAuthUser(r.Context(), &AuthUser{
			UserID:    u.UserID,
			Username:  u.Username,
			Role:      u.Role,
			SessionID: sess.SessionID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireServiceKey admits the checkout collaborator.
func (s *Server) requireServiceKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authSvc.VerifyServiceKey(strings.TrimSpace(r.Header.Get(serviceKeyHeader))) {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid service key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request, cookieName string) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
