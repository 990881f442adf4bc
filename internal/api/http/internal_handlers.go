package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tradehub/negotiation/internal/application/ordering"
)

type consumeRequest struct {
	BuyerID  uuid.UUID `json:"buyerId"`
	Quantity int       `json:"quantity"`
	OrderRef string    `json:"orderRef,omitempty"`
}

// consumeNegotiation is called by checkout when an order is placed at negotiated terms.
func (s *Server) consumeNegotiation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "negotiationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid negotiationId")
		return
	}
	var req consumeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.BuyerID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "buyerId required")
		return
	}
	result, err := s.bridge.Consume(r.Context(), id, ordering.OrderContext{
		BuyerID:  req.BuyerID,
		Quantity: req.Quantity,
		OrderRef: req.OrderRef,
	})
	if err != nil {
		s.respondNegotiationError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
