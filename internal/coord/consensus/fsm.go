package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/tradehub/negotiation/internal/coord/protocol"
	"github.com/tradehub/negotiation/internal/domain/coordination"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
)

// Execute applies one command to store. Every replica runs the same commands
// in log order with the command's own Now, so replicas converge.
func Execute(ctx context.Context, store coordination.Store, cmd protocol.Command) (*protocol.Result, error) {
	if err := cmd.ValidateBasic(); err != nil {
		return nil, err
	}
	switch cmd.Op {
	case protocol.OpLeaseAcquire:
		p, err := protocol.DecodePayload[protocol.LeaseAcquirePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		lease, ok, err := store.AcquireLease(ctx, p.Key, p.Owner, p.Token, protocol.Duration(p.TTLMS), cmd.Now)
		if err != nil {
			return nil, err
		}
		return &protocol.Result{Lease: lease, OK: ok}, nil
	case protocol.OpLeaseRelease:
		p, err := protocol.DecodePayload[protocol.LeaseReleasePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		ok, err := store.ReleaseLease(ctx, p.Key, p.Token)
		if err != nil {
			return nil, err
		}
		return &protocol.Result{OK: ok}, nil
	case protocol.OpLeaseExtend:
		p, err := protocol.DecodePayload[protocol.LeaseExtendPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		lease, err := store.ExtendLease(ctx, p.Key, p.Token, protocol.Duration(p.ByMS), cmd.Now)
		if err != nil {
			return nil, err
		}
		return &protocol.Result{Lease: lease, OK: lease != nil}, nil
	case protocol.OpLeaseDelete:
		p, err := protocol.DecodePayload[protocol.LeaseDeletePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		if err := store.DeleteLease(ctx, p.Key); err != nil {
			return nil, err
		}
		return &protocol.Result{OK: true}, nil
	case protocol.OpGrantPut:
		p, err := protocol.DecodePayload[protocol.GrantPutPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		if err := store.PutGrant(ctx, p.Key, p.Value, protocol.Duration(p.TTLMS), cmd.Now); err != nil {
			return nil, err
		}
		return &protocol.Result{OK: true}, nil
	case protocol.OpGrantDeletePrefix:
		p, err := protocol.DecodePayload[protocol.GrantDeletePrefixPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		n, err := store.DeleteGrants(ctx, p.Prefix)
		if err != nil {
			return nil, err
		}
		return &protocol.Result{OK: true, Count: n}, nil
	case protocol.OpPurgeExpired:
		n, err := store.PurgeExpired(ctx, cmd.Now)
		if err != nil {
			return nil, err
		}
		return &protocol.Result{OK: true, Count: n}, nil
	default:
		return nil, fmt.Errorf("unsupported op: %s", cmd.Op)
	}
}

// fsm wires raft log entries into the coordination store.
type fsm struct {
	store *memory.CoordinationStore
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd protocol.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	res, err := Execute(context.Background(), f.store, cmd)
	if err != nil {
		return err
	}
	return res
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.store.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.store.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
