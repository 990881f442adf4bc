package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAuth "github.com/tradehub/negotiation/internal/application/auth"
	appNegotiation "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/application/ordering"
	"github.com/tradehub/negotiation/internal/domain/identity"
	"github.com/tradehub/negotiation/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiationSvc    *appNegotiation.Service
	bridge            *ordering.Bridge
	authSvc           *appAuth.Service
	sseHub            *sse.Hub
	sessionCookieName string
	adminRole         identity.Role
	logger            zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(
	negotiationSvc *appNegotiation.Service,
	bridge *ordering.Bridge,
	authSvc *appAuth.Service,
	sseHub *sse.Hub,
	sessionCookieName string,
	adminRole string,
	logger zerolog.Logger,
) *Server {
	if adminRole == "" {
		adminRole = string(identity.RoleAdmin)
	}
	return &Server{
		negotiationSvc:    negotiationSvc,
		bridge:            bridge,
		authSvc:           authSvc,
		sseHub:            sseHub,
		sessionCookieName: sessionCookieName,
		adminRole:         identity.Role(adminRole),
		logger:            logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			// the stream outlives the request timeout
			r.Get("/negotiations/stream", s.streamNegotiations)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Route("/negotiations", func(r chi.Router) {
					r.Post("/", s.openNegotiation)
					r.Get("/", s.listNegotiations)
					r.Get("/active", s.activeNegotiation)
					r.Get("/{negotiationId}", s.getNegotiation)
					r.Patch("/{negotiationId}", s.actOnNegotiation)
					r.Get("/{negotiationId}/history", s.negotiationHistory)
					r.Post("/{negotiationId}/lock", s.claimLock)
					r.Post("/{negotiationId}/lock/release", s.releaseLock)
					r.Post("/{negotiationId}/lock/extend", s.extendLock)
				})
			})
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.requireServiceKey)
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/negotiations/{negotiationId}/consume", s.consumeNegotiation)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func parseUUIDQuery(r *http.Request, key string) (*uuid.UUID, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return nil, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
