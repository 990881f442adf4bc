package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradehub/negotiation/internal/domain/coordination"
)

// Operation names a replicated coordination write.
type Operation string

const (
	OpLeaseAcquire      Operation = "LEASE_ACQUIRE"
	OpLeaseRelease      Operation = "LEASE_RELEASE"
	OpLeaseExtend       Operation = "LEASE_EXTEND"
	OpLeaseDelete       Operation = "LEASE_DELETE"
	OpGrantPut          Operation = "GRANT_PUT"
	OpGrantDeletePrefix Operation = "GRANT_DELETE_PREFIX"
	OpPurgeExpired      Operation = "PURGE_EXPIRED"
)

var validOps = map[Operation]struct{}{
	OpLeaseAcquire:      {},
	OpLeaseRelease:      {},
	OpLeaseExtend:       {},
	OpLeaseDelete:       {},
	OpGrantPut:          {},
	OpGrantDeletePrefix: {},
	OpPurgeExpired:      {},
}

// Command is the replicated write envelope. Now is fixed by the submitter so
// every replica evaluates expiry against the same instant.
type Command struct {
	CommandID string          `json:"command_id"`
	Op        Operation       `json:"op"`
	Now       time.Time       `json:"now"`
	Payload   json.RawMessage `json:"payload"`
}

// ValidateBasic checks required envelope fields.
func (c Command) ValidateBasic() error {
	if strings.TrimSpace(c.CommandID) == "" {
		return errors.New("command_id is required")
	}
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if c.Now.IsZero() {
		return errors.New("now is required")
	}
	if len(c.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// NewCommand builds a command with an encoded payload.
func NewCommand(id string, op Operation, now time.Time, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{CommandID: id, Op: op, Now: now.UTC(), Payload: raw}, nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type LeaseAcquirePayload struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	Token string `json:"token"`
	TTLMS int64  `json:"ttl_ms"`
}

type LeaseReleasePayload struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

type LeaseExtendPayload struct {
	Key   string `json:"key"`
	Token string `json:"token"`
	ByMS  int64  `json:"by_ms"`
}

type LeaseDeletePayload struct {
	Key string `json:"key"`
}

type GrantPutPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTLMS int64           `json:"ttl_ms"`
}

type GrantDeletePrefixPayload struct {
	Prefix string `json:"prefix"`
}

type PurgeExpiredPayload struct{}

// Result is what applying a command produced.
type Result struct {
	Lease *coordination.Lease `json:"lease,omitempty"`
	OK    bool                `json:"ok"`
	Count int                 `json:"count"`
}

// Millis converts a duration for a payload.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// Duration converts a payload millisecond count back.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
