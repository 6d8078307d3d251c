package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/statemachine"
)

// shardID is the single dragonboat shard this keyspace runs as. The
// distributor is a single logical writer (the move-keys lock already
// enforces "at most one DD"), so one shard is sufficient; a production
// deployment of the real keyspace would itself be a sharded, multi-group
// dragonboat cluster, but nothing the distributor exercises needs more
// than one group.
const shardID uint64 = 1

// Store is the transactional system keyspace: a dragonboat replica group
// whose applied state lives in a pebble instance (FSM, in this package).
type Store struct {
	nh       *dragonboat.NodeHost
	replicaID uint64
}

// Options configures a single-node Store. NodeHostDir and RaftAddress are
// forwarded to dragonboat.NodeHostConfig; ReplicaID/InitialMembers let a
// caller later extend this to a real multi-replica group without changing
// the Transaction API.
type Options struct {
	NodeHostDir    string
	RaftAddress    string
	DataDir        string
	ReplicaID      uint64
	InitialMembers map[uint64]string
	Join           bool
}

// Open starts the replica and blocks until it has a leader (or ctx expires).
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.ReplicaID == 0 {
		opts.ReplicaID = 1
	}
	if opts.InitialMembers == nil {
		opts.InitialMembers = map[uint64]string{opts.ReplicaID: opts.RaftAddress}
	}

	nhc := config.NodeHostConfig{
		NodeHostDir:    opts.NodeHostDir,
		RTTMillisecond: 200,
		RaftAddress:    opts.RaftAddress,
	}
	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return nil, fmt.Errorf("kvstore: new node host: %w", err)
	}

	rc := config.Config{
		ReplicaID:          opts.ReplicaID,
		ShardID:            shardID,
		ElectionRTT:        10,
		HeartbeatRTT:       1,
		CheckQuorum:        true,
		SnapshotEntries:    1000,
		CompactionOverhead: 500,
	}

	fsm, err := NewFSM(opts.DataDir)
	if err != nil {
		nh.Close()
		return nil, err
	}

	// The keyspace FSM is an on-disk state machine: pebble holds the
	// applied state (and the applied index) across restarts, so the log
	// replays only the tail Open reports as missing.
	factory := func(shardID uint64, replicaID uint64) statemachine.IOnDiskStateMachine {
		return fsm
	}

	if err := nh.StartOnDiskReplica(opts.InitialMembers, opts.Join, factory, rc); err != nil {
		nh.Close()
		return nil, fmt.Errorf("kvstore: start replica: %w", err)
	}

	s := &Store{nh: nh, replicaID: opts.ReplicaID}
	if err := s.awaitLeader(ctx); err != nil {
		nh.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) awaitLeader(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		if _, _, ok, err := s.nh.GetLeaderID(shardID); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("kvstore: no leader elected for shard %d within deadline", shardID)
}

// Close stops the replica and releases the node host.
func (s *Store) Close() error {
	s.nh.Close()
	return nil
}

// Priority mirrors the store's transaction priority classes: normal
// application work vs. the system-priority transactions the lock guard
// and initial-state reader use so they are not starved behind ordinary
// traffic. This implementation has no separate queues to prioritize
// between (dragonboat proposals are strictly ordered through one Raft
// log); the type keeps call sites explicit about which class they are in
// and gives a future multi-queue proposal pipeline somewhere to hang
// priority off of.
type Priority int

const (
	PriorityNormal Priority = iota
	PrioritySystem
)

// proposeTimeout bounds a single Commit's SyncPropose call.
const proposeTimeout = 5 * time.Second

// readTimeout bounds a single read's SyncRead call.
const readTimeout = 5 * time.Second
