package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/tradehub/negotiation/internal/coord/protocol"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
)

// Replica is the node surface the HTTP API drives. *consensus.Node implements it.
type Replica interface {
	Apply(ctx context.Context, cmd protocol.Command) (*protocol.Result, error)
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
	Store() *memory.CoordinationStore
	ID() string
	RaftAddr() string
	IsLeader() bool
	LeaderAddr() string
	LeaderNodeID() string
	State() string
	Stats() map[string]string
}

// Server exposes one coordination replica over HTTP.
type Server struct {
	node   Replica
	logger zerolog.Logger
}

func NewServer(node Replica, logger zerolog.Logger) *Server {
	return &Server{node: node, logger: logger.With().Str("component", "coord_api").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1/coord", func(r chi.Router) {
		r.Post("/commands", s.submitCommand)
		r.Get("/lease", s.getLease)
		r.Get("/grant", s.getGrant)
		r.Get("/raft", s.raftStatus)
		r.Post("/raft/join", s.raftJoin)
		r.Post("/raft/remove", s.raftRemove)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
	})
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var cmd protocol.Command
	if err := decodeBody(r, &cmd); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	res, err := s.node.Apply(r.Context(), cmd)
	if err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		s.logger.Warn().Err(err).Str("op", string(cmd.Op)).Msg("command rejected")
		respondError(w, http.StatusBadRequest, "COMMAND_REJECTED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Reads are served by the leader so a caller never sees a lease older than its own write.
func (s *Server) getLease(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	key, now, ok := readParams(w, r)
	if !ok {
		return
	}
	lease, err := s.node.Store().GetLease(r.Context(), key, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lease": lease})
}

func (s *Server) getGrant(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	key, now, ok := readParams(w, r)
	if !ok {
		return
	}
	grant, err := s.node.Store().GetGrant(r.Context(), key, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"grant": grant})
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	s.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("voter added")
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if s.node.IsLeader() {
		return true
	}
	s.notLeader(w, "submit to leader")
	return false
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, CodeNotLeader, message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

// CodeNotLeader is returned when a write or read reaches a follower.
const CodeNotLeader = "NOT_LEADER"

func readParams(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "key is required", nil)
		return "", time.Time{}, false
	}
	now := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("now")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "now must be RFC3339", nil)
			return "", time.Time{}, false
		}
		now = parsed
	}
	return key, now, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
