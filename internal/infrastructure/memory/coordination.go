package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tradehub/negotiation/internal/domain/coordination"
)

// CoordinationStore is a process-local coordination.Store. It is also the
// deterministic state behind each raft replica.
type CoordinationStore struct {
	mu     sync.Mutex
	leases map[string]*coordination.Lease
	grants map[string]*coordination.Grant
}

func NewCoordinationStore() *CoordinationStore {
	return &CoordinationStore{
		leases: make(map[string]*coordination.Lease),
		grants: make(map[string]*coordination.Grant),
	}
}

func (s *CoordinationStore) AcquireLease(_ context.Context, key, owner, token string, ttl time.Duration, now time.Time) (*coordination.Lease, bool, error) {
	if err := coordination.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, coordination.ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if ok && !cur.Expired(now) {
		if cur.Owner != owner {
			c := *cur
			return &c, false, nil
		}
		cur.ExpiresAt = now.Add(ttl)
		c := *cur
		return &c, true, nil
	}
	lease := &coordination.Lease{
		Key:        key,
		Owner:      owner,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.leases[key] = lease
	c := *lease
	return &c, true, nil
}

func (s *CoordinationStore) ReleaseLease(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[key]
	if !ok || cur.Token != token {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *CoordinationStore) ExtendLease(_ context.Context, key, token string, by time.Duration, now time.Time) (*coordination.Lease, error) {
	if by <= 0 {
		return nil, coordination.ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[key]
	if !ok || cur.Token != token || cur.Expired(now) {
		return nil, nil
	}
	cur.ExpiresAt = cur.ExpiresAt.Add(by)
	c := *cur
	return &c, nil
}

func (s *CoordinationStore) DeleteLease(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

func (s *CoordinationStore) GetLease(_ context.Context, key string, now time.Time) (*coordination.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[key]
	if !ok || cur.Expired(now) {
		return nil, nil
	}
	c := *cur
	return &c, nil
}

func (s *CoordinationStore) PutGrant(_ context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	if err := coordination.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordination.ErrInvalidTTL
	}
	if !json.Valid(value) {
		return coordination.ErrInvalidValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[key] = &coordination.Grant{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *CoordinationStore) GetGrant(_ context.Context, key string, now time.Time) (*coordination.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok || g.Expired(now) {
		return nil, nil
	}
	c := *g
	c.Value = append(json.RawMessage(nil), g.Value...)
	return &c, nil
}

func (s *CoordinationStore) DeleteGrants(_ context.Context, prefix string) (int, error) {
	if err := coordination.ValidateKey(prefix); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.grants {
		if strings.HasPrefix(k, prefix) {
			delete(s.grants, k)
			n++
		}
	}
	return n, nil
}

func (s *CoordinationStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.leases {
		if l.Expired(now) {
			delete(s.leases, k)
			n++
		}
	}
	for k, g := range s.grants {
		if g.Expired(now) {
			delete(s.grants, k)
			n++
		}
	}
	return n, nil
}

type coordinationSnapshot struct {
	Leases []coordination.Lease `json:"leases"`
	Grants []coordination.Grant `json:"grants"`
}

// Marshal serializes the store in key order.
func (s *CoordinationStore) Marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := coordinationSnapshot{
		Leases: make([]coordination.Lease, 0, len(s.leases)),
		Grants: make([]coordination.Grant, 0, len(s.grants)),
	}
	for _, l := range s.leases {
		snap.Leases = append(snap.Leases, *l)
	}
	for _, g := range s.grants {
		snap.Grants = append(snap.Grants, *g)
	}
	sort.Slice(snap.Leases, func(i, j int) bool { return snap.Leases[i].Key < snap.Leases[j].Key })
	sort.Slice(snap.Grants, func(i, j int) bool { return snap.Grants[i].Key < snap.Grants[j].Key })
	return json.Marshal(snap)
}

// Unmarshal replaces the store contents with a snapshot produced by Marshal.
func (s *CoordinationStore) Unmarshal(data []byte) error {
	var snap coordinationSnapshot
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
	}
	leases := make(map[string]*coordination.Lease, len(snap.Leases))
	for i := range snap.Leases {
		l := snap.Leases[i]
		leases[l.Key] = &l
	}
	grants := make(map[string]*coordination.Grant, len(snap.Grants))
	for i := range snap.Grants {
		g := snap.Grants[i]
		grants[g.Key] = &g
	}
	s.mu.Lock()
	s.leases = leases
	s.grants = grants
	s.mu.Unlock()
	return nil
}
