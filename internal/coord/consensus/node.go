package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/tradehub/negotiation/internal/coord/protocol"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
)

const (
	defaultApplyTimeout      = 5 * time.Second
	defaultMembershipTimeout = 10 * time.Second
	defaultSnapshotRetain    = 2
)

var (
	ErrNodeIDRequired   = errors.New("coordination node id is required")
	ErrRaftAddrRequired = errors.New("coordination raft address is required")
	ErrDataDirRequired  = errors.New("coordination data dir is required")
)

// Config describes one coordination replica.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
}

func (c Config) withDefaults() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	switch {
	case c.NodeID == "":
		return c, ErrNodeIDRequired
	case c.RaftAddr == "":
		return c, ErrRaftAddrRequired
	case c.DataDir == "":
		return c, ErrDataDirRequired
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = defaultSnapshotRetain
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = defaultApplyTimeout
	}
	return c, nil
}

// Node replicates lease and grant commands over raft. Reads are served from
// the local store, which only the leader can vouch for.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	logs      *raftboltdb.BoltStore
	stable    *raftboltdb.BoltStore
	store     *memory.CoordinationStore
}

// NewNode opens the replica's on-disk log under cfg.DataDir and starts raft.
// With Bootstrap set, a node without prior state forms a single-voter cluster.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		store:        memory.NewCoordinationStore(),
	}
	if err := n.start(cfg); err != nil {
		_ = n.Shutdown()
		return nil, err
	}
	return n, nil
}

func (n *Node) start(cfg Config) error {
	var err error
	if n.logs, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "coord-log.bolt")); err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	if n.stable, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "coord-stable.bolt")); err != nil {
		return fmt.Errorf("open raft stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	if n.transport, err = raft.NewTCPTransport(cfg.RaftAddr, nil, 3, defaultMembershipTimeout, os.Stderr); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.RaftAddr, err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	if n.raft, err = raft.NewRaft(raftCfg, &fsm{store: n.store}, n.logs, n.stable, snapshots, n.transport); err != nil {
		return fmt.Errorf("start raft: %w", err)
	}

	if !cfg.Bootstrap {
		return nil
	}
	hasState, err := raft.HasExistingState(n.logs, n.stable, snapshots)
	if err != nil || hasState {
		return err
	}
	bootstrap := n.raft.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
		ID:      raft.ServerID(cfg.NodeID),
		Address: raft.ServerAddress(cfg.RaftAddr),
	}}})
	if err := bootstrap.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Apply commits cmd to the log and returns the result the FSM produced for it.
// Only the leader accepts commands; followers fail with raft.ErrNotLeader.
func (n *Node) Apply(ctx context.Context, cmd protocol.Command) (*protocol.Result, error) {
	if err := cmd.ValidateBasic(); err != nil {
		return nil, err
	}
	timeout, err := boundedTimeout(ctx, n.applyTimeout)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.Op, err)
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	switch resp := future.Response().(type) {
	case *protocol.Result:
		return resp, nil
	case error:
		return nil, resp
	default:
		return nil, fmt.Errorf("unexpected %s response %T", cmd.Op, resp)
	}
}

// AddVoter adds a coordination replica. A stale entry that reuses the id or
// address is removed first so a restarted node can rejoin on a new address.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	id := raft.ServerID(strings.TrimSpace(nodeID))
	addr := raft.ServerAddress(strings.TrimSpace(raftAddr))
	if id == "" || addr == "" {
		return errors.New("node id and raft address are required")
	}
	timeout, err := boundedTimeout(ctx, defaultMembershipTimeout)
	if err != nil {
		return err
	}
	current := n.raft.GetConfiguration()
	if err := current.Error(); err != nil {
		return err
	}
	for _, srv := range current.Configuration().Servers {
		switch {
		case srv.ID == id && srv.Address == addr:
			return nil
		case srv.ID == id, srv.Address == addr:
			if err := n.raft.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return fmt.Errorf("remove stale member %s: %w", srv.ID, err)
			}
		}
	}
	return n.raft.AddVoter(id, addr, 0, timeout).Error()
}

// RemoveServer drops a replica from the cluster.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	id := strings.TrimSpace(nodeID)
	if id == "" {
		return ErrNodeIDRequired
	}
	timeout, err := boundedTimeout(ctx, defaultMembershipTimeout)
	if err != nil {
		return err
	}
	return n.raft.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// WaitForLeader polls until the cluster has elected a leader and returns its address.
func (n *Node) WaitForLeader(ctx context.Context, every time.Duration) (string, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if leader := n.LeaderAddr(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string                       { return n.id }
func (n *Node) RaftAddr() string                 { return n.raftAddr }
func (n *Node) Store() *memory.CoordinationStore { return n.store }
func (n *Node) IsLeader() bool                   { return n.raft.State() == raft.Leader }
func (n *Node) State() string                    { return n.raft.State().String() }
func (n *Node) Stats() map[string]string         { return maps.Clone(n.raft.Stats()) }

func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return strings.TrimSpace(string(addr))
}

func (n *Node) LeaderNodeID() string {
	_, id := n.raft.LeaderWithID()
	return strings.TrimSpace(string(id))
}

// Shutdown stops raft and releases the transport and log files.
func (n *Node) Shutdown() error {
	var err error
	if n.raft != nil {
		err = n.raft.Shutdown().Error()
	}
	return errors.Join(err, n.closeStores())
}

func (n *Node) closeStores() error {
	var errs []error
	if n.transport != nil {
		errs = append(errs, n.transport.Close())
		n.transport = nil
	}
	if n.logs != nil {
		errs = append(errs, n.logs.Close())
		n.logs = nil
	}
	if n.stable != nil {
		errs = append(errs, n.stable.Close())
		n.stable = nil
	}
	return errors.Join(errs...)
}

// boundedTimeout returns limit, shortened to ctx's remaining time.
func boundedTimeout(ctx context.Context, limit time.Duration) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	return min(remaining, limit), nil
}
