package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradehub/negotiation/internal/domain/identity"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrUserInactive    = errors.New("user not active")
)

// Service authenticates parties by the session tokens the user service issues,
// and checkout by a shared API key.
type Service struct {
	sessions   identity.SessionStore
	directory  identity.Directory
	apiKeyHash []byte
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService creates an auth service. apiKeyHash is a bcrypt hash; empty disables service-key access.
func NewService(sessions identity.SessionStore, directory identity.Directory, apiKeyHash string, logger zerolog.Logger) *Service {
	return &Service{
		sessions:   sessions,
		directory:  directory,
		apiKeyHash: []byte(apiKeyHash),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("service", "auth").Logger(),
	}
}

// Authenticate validates a session token and returns the user.
func (s *Service) Authenticate(ctx context.Context, token string) (*identity.User, *identity.Session, error) {
	if token == "" {
		return nil, nil, ErrMissingToken
	}
	sess, err := s.sessions.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	if sess.IsExpired(s.now()) {
		_ = s.sessions.DeleteByID(ctx, sess.SessionID)
		return nil, nil, ErrSessionExpired
	}
	u, err := s.directory.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	if u == nil || !u.IsActive() {
		return nil, nil, ErrUserInactive
	}
	_ = s.sessions.UpdateLastSeen(ctx, sess.SessionID)
	return u, sess, nil
}

// VerifyServiceKey checks a collaborator API key against the configured hash.
func (s *Service) VerifyServiceKey(key string) bool {
	if len(s.apiKeyHash) == 0 || key == "" {
		return false
	}
	if bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) != nil {
		s.logger.Warn().Msg("service key rejected")
		return false
	}
	return true
}

// HashServiceKey produces the value for CHECKOUT_API_KEY_HASH.
func HashServiceKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
