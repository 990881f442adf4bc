package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradehub/negotiation/internal/coord/protocol"
	"github.com/tradehub/negotiation/internal/domain/coordination"
)

var ErrNoLeader = errors.New("no coordination leader reachable")

// Store is a coordination.Store backed by a raft coordination cluster. Requests
// go to the last known leader and rotate through endpoints on NOT_LEADER.
type Store struct {
	endpoints []string
	http      *http.Client
	logger    zerolog.Logger

	mu      sync.Mutex
	current int
	entropy *ulid.MonotonicEntropy
}

// New creates a client for the given node base URLs.
func New(endpoints []string, httpClient *http.Client, logger zerolog.Logger) (*Store, error) {
	clean := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e = strings.TrimRight(strings.TrimSpace(e), "/"); e != "" {
			clean = append(clean, e)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("at least one coordination endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{
		endpoints: clean,
		http:      httpClient,
		logger:    logger.With().Str("component", "coord_client").Logger(),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Store) AcquireLease(ctx context.Context, key, owner, token string, ttl time.Duration, now time.Time) (*coordination.Lease, bool, error) {
	if err := coordination.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, coordination.ErrInvalidTTL
	}
	res, err := s.submit(ctx, protocol.OpLeaseAcquire, now, protocol.LeaseAcquirePayload{
		Key: key, Owner: owner, Token: token, TTLMS: protocol.Millis(ttl),
	})
	if err != nil {
		return nil, false, err
	}
	return res.Lease, res.OK, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	res, err := s.submit(ctx, protocol.OpLeaseRelease, time.Now().UTC(), protocol.LeaseReleasePayload{Key: key, Token: token})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (s *Store) ExtendLease(ctx context.Context, key, token string, by time.Duration, now time.Time) (*coordination.Lease, error) {
	if by <= 0 {
		return nil, coordination.ErrInvalidTTL
	}
	res, err := s.submit(ctx, protocol.OpLeaseExtend, now, protocol.LeaseExtendPayload{
		Key: key, Token: token, ByMS: protocol.Millis(by),
	})
	if err != nil {
		return nil, err
	}
	return res.Lease, nil
}

func (s *Store) DeleteLease(ctx context.Context, key string) error {
	_, err := s.submit(ctx, protocol.OpLeaseDelete, time.Now().UTC(), protocol.LeaseDeletePayload{Key: key})
	return err
}

func (s *Store) GetLease(ctx context.Context, key string, now time.Time) (*coordination.Lease, error) {
	var out struct {
		Lease *coordination.Lease `json:"lease"`
	}
	if err := s.read(ctx, "/v1/coord/lease", key, now, &out); err != nil {
		return nil, err
	}
	return out.Lease, nil
}

func (s *Store) PutGrant(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	if err := coordination.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordination.ErrInvalidTTL
	}
	if !json.Valid(value) {
		return coordination.ErrInvalidValue
	}
	_, err := s.submit(ctx, protocol.OpGrantPut, now, protocol.GrantPutPayload{
		Key: key, Value: value, TTLMS: protocol.Millis(ttl),
	})
	return err
}

func (s *Store) GetGrant(ctx context.Context, key string, now time.Time) (*coordination.Grant, error) {
	var out struct {
		Grant *coordination.Grant `json:"grant"`
	}
	if err := s.read(ctx, "/v1/coord/grant", key, now, &out); err != nil {
		return nil, err
	}
	return out.Grant, nil
}

func (s *Store) DeleteGrants(ctx context.Context, prefix string) (int, error) {
	if err := coordination.ValidateKey(prefix); err != nil {
		return 0, err
	}
	res, err := s.submit(ctx, protocol.OpGrantDeletePrefix, time.Now().UTC(), protocol.GrantDeletePrefixPayload{Prefix: prefix})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.submit(ctx, protocol.OpPurgeExpired, now, protocol.PurgeExpiredPayload{})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (s *Store) submit(ctx context.Context, op protocol.Operation, now time.Time, payload any) (*protocol.Result, error) {
	cmd, err := protocol.NewCommand(s.newID(), op, now, payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var res protocol.Result
	err = s.do(ctx, func(base string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/coord/commands", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Store) read(ctx context.Context, path, key string, now time.Time, out any) error {
	q := url.Values{}
	q.Set("key", key)
	q.Set("now", now.UTC().Format(time.RFC3339Nano))
	return s.do(ctx, func(base string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+q.Encode(), nil)
	}, out)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do tries each endpoint at most once, starting from the last one that answered.
func (s *Store) do(ctx context.Context, build func(base string) (*http.Request, error), out any) error {
	start := s.leader()
	var lastErr error
	for i := 0; i < len(s.endpoints); i++ {
		idx := (start + i) % len(s.endpoints)
		base := s.endpoints[idx]
		req, err := build(base)
		if err != nil {
			return err
		}
		resp, err := s.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug().Err(err).Str("endpoint", base).Msg("coordination node unreachable")
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			s.setLeader(idx)
			return json.Unmarshal(data, out)
		}
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if resp.StatusCode == http.StatusConflict && eb.Error == "NOT_LEADER" {
			lastErr = ErrNoLeader
			continue
		}
		return fmt.Errorf("coordination %s: %s: %s", base, eb.Error, eb.Message)
	}
	if lastErr == nil {
		lastErr = ErrNoLeader
	}
	return fmt.Errorf("%w: %v", ErrNoLeader, lastErr)
}

func (s *Store) leader() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) setLeader(idx int) {
	s.mu.Lock()
	s.current = idx
	s.mu.Unlock()
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Now(), s.entropy).String()
}

var _ coordination.Store = (*Store)(nil)
