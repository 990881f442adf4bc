package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

var kindStatus = map[negotiation.Kind]int{
	negotiation.KindValidation:          http.StatusBadRequest,
	negotiation.KindPermission:          http.StatusForbidden,
	negotiation.KindNotFound:            http.StatusNotFound,
	negotiation.KindTurn:                http.StatusConflict,
	negotiation.KindLockConflict:        http.StatusConflict,
	negotiation.KindStale:               http.StatusConflict,
	negotiation.KindConsumptionConflict: http.StatusConflict,
}

// respondNegotiationError writes err with the negotiation state it carries,
// projected for viewerID. A nil viewerID sends the unmasked snapshot.
func (s *Server) respondNegotiationError(w http.ResponseWriter, r *http.Request, err error, viewerID *uuid.UUID) {
	e, ok := negotiation.AsError(err)
	if !ok {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusBadRequest
	}

	body := map[string]interface{}{
		"error":   string(e.Kind),
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Negotiation != nil {
		switch {
		case viewerID == nil:
			body["negotiation"] = e.Negotiation
		case e.Negotiation.IsParty(*viewerID):
			view, perr := s.negotiationSvc.Project(r.Context(), e.Negotiation, *viewerID)
			if perr != nil {
				s.logger.Warn().Err(perr).Msg("failed to project negotiation for error body")
			} else {
				body["negotiation"] = view
			}
		}
	}
	if e.Kind == negotiation.KindLockConflict {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(e.Negotiation, time.Now().UTC())))
	}
	respondJSON(w, status, body)
}

func retryAfter(n *negotiation.Negotiation, now time.Time) int {
	if n == nil || n.LockExpiresAt == nil {
		return 1
	}
	secs := int(math.Ceil(n.LockExpiresAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
