package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appNegotiation "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
	"github.com/tradehub/negotiation/internal/infrastructure/sse"
)

type openNegotiationRequest struct {
	ProductID uuid.UUID       `json:"productId"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Message   *string         `json:"message,omitempty"`
}

type actRequest struct {
	Action   string           `json:"action"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *int             `json:"quantity,omitempty"`
	Message  *string          `json:"message,omitempty"`
}

type extendLockRequest struct {
	AdditionalSeconds int `json:"additionalSeconds"`
}

func (s *Server) openNegotiation(w http.ResponseWriter, r *http.Request) {
	user := authUserFromContext(r.Context())
	var req openNegotiationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.ProductID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "productId required")
		return
	}
	n, err := s.negotiationSvc.Open(r.Context(), appNegotiation.OpenInput{
		BuyerID:   user.UserID,
		ProductID: req.ProductID,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Message:   req.Message,
	})
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	s.respondView(w, r, http.StatusCreated, n, user.UserID)
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	user := authUserFromContext(r.Context())
	var filter negotiation.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := negotiation.ParseStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid status")
			return
		}
		filter.Status = &st
	}
	productID, err := parseUUIDQuery(r, "product_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid product_id")
		return
	}
	filter.ProductID = productID

	limit, offset := parseLimitOffset(r, 50, 200)
	items, err := s.negotiationSvc.List(r.Context(), user.UserID, filter, limit, offset)
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"negotiations": items})
}

func (s *Server) activeNegotiation(w http.ResponseWriter, r *http.Request) {
	user := authUserFromContext(r.Context())
	productID, err := parseUUIDQuery(r, "product_id")
	if err != nil || productID == nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "product_id required")
		return
	}
	counterpartyID, err := parseUUIDQuery(r, "counterparty_id")
	if err != nil || counterpartyID == nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "counterparty_id required")
		return
	}
	view, err := s.negotiationSvc.ActiveFor(r.Context(), user.UserID, *productID, *counterpartyID)
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"negotiation": view})
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	actor := s.actorFromContext(r.Context())
	view, err := s.negotiationSvc.Get(r.Context(), id, actor)
	if err != nil {
		s.respondNegotiationError(w, r, err, &actor.UserID)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) negotiationHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	actor := s.actorFromContext(r.Context())
	entries, err := s.negotiationSvc.History(r.Context(), id, actor)
	if err != nil {
		s.respondNegotiationError(w, r, err, &actor.UserID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) actOnNegotiation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	user := authUserFromContext(r.Context())
	var req actRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	n, err := s.negotiationSvc.Act(r.Context(), id, user.UserID, appNegotiation.ActInput{
		Action:   req.Action,
		Price:    req.Price,
		Quantity: req.Quantity,
		Message:  req.Message,
	})
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	s.respondView(w, r, http.StatusOK, n, user.UserID)
}

func (s *Server) claimLock(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	user := authUserFromContext(r.Context())
	lease, err := s.negotiationSvc.ClaimLock(r.Context(), id, user.UserID)
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	respondJSON(w, http.StatusOK, lease)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	actor := s.actorFromContext(r.Context())
	n, err := s.negotiationSvc.ForceReleaseLock(r.Context(), id, actor)
	if err != nil {
		s.respondNegotiationError(w, r, err, &actor.UserID)
		return
	}
	s.respondView(w, r, http.StatusOK, n, actor.UserID)
}

func (s *Server) extendLock(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	user := authUserFromContext(r.Context())
	var req extendLockRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	maxSeconds := int(appNegotiation.MaxLockExtension / time.Second)
	if req.AdditionalSeconds <= 0 || req.AdditionalSeconds > maxSeconds {
		s.respondNegotiationError(w, r, negotiation.ErrInvalidExtension, &user.UserID)
		return
	}
	lease, err := s.negotiationSvc.ExtendLock(r.Context(), id, user.UserID, time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		s.respondNegotiationError(w, r, err, &user.UserID)
		return
	}
	respondJSON(w, http.StatusOK, lease)
}

// streamNegotiations pushes the caller's negotiation notifications as server-sent events.
func (s *Server) streamNegotiations(w http.ResponseWriter, r *http.Request) {
	user := authUserFromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	client := sse.NewClient(user.UserID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ClientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) respondView(w http.ResponseWriter, r *http.Request, status int, n *negotiation.Negotiation, viewerID uuid.UUID) {
	view, err := s.negotiationSvc.Project(r.Context(), n, viewerID)
	if err != nil {
		s.respondNegotiationError(w, r, err, &viewerID)
		return
	}
	respondJSON(w, status, view)
}
