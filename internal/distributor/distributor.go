// Package distributor implements the data-distribution supervisor: the
// long-lived loop that holds the move-keys lock, reconstructs the cluster
// model at startup, seeds and runs the tracker/queue/team-collection
// pipeline, and recovers from the failures that are recoverable.
package distributor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/config"
	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/initread"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/kakaiu/foundationdb/internal/movekeyslock"
	"github.com/kakaiu/foundationdb/internal/pipeline"
	"github.com/kakaiu/foundationdb/internal/snapshot"
)

// enabledPollInterval is how often the wait-for-enabled gate re-reads the
// mode key while distribution is switched off.
const enabledPollInterval = time.Second

// Region is one entry of the replica-placement configuration.
type Region struct {
	DatacenterID string `json:"datacenter_id"`
}

// databaseConfig is the persisted database configuration record; the
// first region is primary, the second (if any) remote.
type databaseConfig struct {
	Regions         []Region `json:"regions"`
	StorageTeamSize int      `json:"storage_team_size"`
}

// EncodeDatabaseConfig encodes the configuration record, for cluster
// setup tooling and tests.
func EncodeDatabaseConfig(regions []Region, storageTeamSize int) ([]byte, error) {
	return kvstore.EncodeJSON(databaseConfig{Regions: regions, StorageTeamSize: storageTeamSize})
}

// Supervisor is one distributor process's control loop plus the live
// pipeline handles the RPC layer queries.
type Supervisor struct {
	store kvstore.TxnStore
	knobs config.Knobs
	id    uuid.UUID

	enable *EnableState
	lock   *movekeyslock.Lock

	halt               chan uuid.UUID
	removeFailedServer chan model.ServerID

	topology snapshot.Topology

	// live is the running pipeline, nil between iterations.
	liveMu sync.RWMutex
	live   *pipelineState
}

func (s *Supervisor) setLive(state *pipelineState) {
	s.liveMu.Lock()
	s.live = state
	s.liveMu.Unlock()
}

func (s *Supervisor) getLive() *pipelineState {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.live
}

type pipelineState struct {
	snapshot    *model.InitialDataDistribution
	shards      *pipeline.ShardsAffectedByTeamFailure
	tracker     *pipeline.InMemoryTracker
	queue       *pipeline.RecordingQueue
	sender      *pipeline.RelocationSender
	collections []*pipeline.StaticTeamCollection
	primaryDC   string
	remoteDCs   []string
}

// New creates a Supervisor identified by id.
func New(store kvstore.TxnStore, id uuid.UUID, knobs config.Knobs) *Supervisor {
	return &Supervisor{
		store:              store,
		knobs:              knobs,
		id:                 id,
		enable:             NewEnableState(),
		lock:               movekeyslock.New(store, id, knobs.MoveKeysLockPollInterval),
		halt:               make(chan uuid.UUID, 1),
		removeFailedServer: make(chan model.ServerID, 1),
	}
}

// Enable exposes the enable flag (the snapshot RPC path holds it while a
// snapshot runs).
func (s *Supervisor) Enable() *EnableState { return s.enable }

// ID returns this distributor's identity.
func (s *Supervisor) ID() uuid.UUID { return s.id }

// Halt asks the supervisor to exit its loop and return normally.
func (s *Supervisor) Halt(requester uuid.UUID) {
	select {
	case s.halt <- requester:
	default:
	}
}

// RemoveFailedServer requests that id be dropped from the cluster during
// the next teardown.
func (s *Supervisor) RemoveFailedServer(id model.ServerID) {
	select {
	case s.removeFailedServer <- id:
	default:
	}
}

// Run is the outer reconcile loop: each iteration acquires the lock,
// rebuilds the model, runs the pipeline, and decides from the resulting
// error whether to go around again or give up the role.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		s.setLive(nil)
		switch {
		case err == nil:
			return nil // halted
		case ctx.Err() != nil:
			return ctx.Err()
		case ddserr.IsRecoverable(err):
			log.Printf("distributor: restarting after recoverable error: %v", err)
			continue
		default:
			return fmt.Errorf("distributor: fatal: %w", err)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire move-keys lock: %w", err)
	}

	primaryDC, remoteDCs, teamSize, err := s.configureDatacenters(ctx)
	if err != nil {
		return err
	}
	if teamSize == 0 {
		teamSize = s.knobs.StorageTeamSize
	}

	halted, err := s.waitForEnabled(ctx)
	if err != nil {
		return err
	}
	if halted {
		return nil
	}

	enabled := s.enable.Enabled()
	snap, err := initread.GetInitialDataDistribution(ctx, s.store, s.lock, s.datacenterLookup(), initread.Config{
		RemoteDatacenters:      remoteDCs,
		EnableFlag:             &enabled,
		ValidateShardLocations: s.knobs.ValidateShardLocations,
	})
	if err != nil {
		return err
	}
	if snap.Mode == model.ModeDisabled {
		// The mode flipped between the gate and the read; go around.
		return fmt.Errorf("%w: distribution disabled during startup", ddserr.ErrBrokenPromise)
	}

	state, err := s.seedPipeline(ctx, snap, primaryDC, remoteDCs, teamSize)
	if err != nil {
		return err
	}
	s.setLive(state)

	return s.runPipeline(ctx, state)
}

// datacenterLookup serves the team partitioner from the server list, read
// in its own system-priority transaction on the first lookup and cached in
// a map for the lookup's lifetime.
func (s *Supervisor) datacenterLookup() model.DatacenterLookup {
	var cache map[model.ServerID]string
	return func(id model.ServerID) (string, bool) {
		if cache == nil {
			cache = make(map[model.ServerID]string)
			txn := s.store.Begin(kvstore.PrioritySystem)
			kvs, _, err := txn.GetRange(context.Background(), kvstore.ServerListPrefix(), kvstore.PrefixEnd(kvstore.ServerListPrefix()), 0)
			if err != nil {
				log.Printf("distributor: datacenter lookup read failed: %v", err)
				return "", false
			}
			for _, kv := range kvs {
				id, dc, err := initread.DecodeServerDatacenter(kv.Value)
				if err != nil {
					continue
				}
				cache[id] = dc
			}
		}
		dc, ok := cache[id]
		return dc, ok
	}
}

// configureDatacenters reads the database configuration and reconciles
// the per-datacenter replica-count keys with it: counts are capped at the
// storage team size and entries for datacenters that left the
// configuration are removed.
func (s *Supervisor) configureDatacenters(ctx context.Context) (primaryDC string, remoteDCs []string, teamSize int, err error) {
	err = kvstore.RunTransaction(ctx, s.store, kvstore.PrioritySystem, 5, func(txn kvstore.Txn) error {
		primaryDC, remoteDCs, teamSize = "", nil, 0

		raw, found, err := txn.Get(ctx, kvstore.DatabaseConfigKey)
		if err != nil {
			return err
		}
		var conf databaseConfig
		if found {
			if err := kvstore.DecodeJSON(raw, &conf); err != nil {
				return fmt.Errorf("decode database configuration: %w", err)
			}
		}
		if len(conf.Regions) > 0 {
			primaryDC = conf.Regions[0].DatacenterID
		}
		for _, r := range conf.Regions[min(1, len(conf.Regions)):] {
			remoteDCs = append(remoteDCs, r.DatacenterID)
		}
		teamSize = conf.StorageTeamSize
		if teamSize == 0 {
			teamSize = s.knobs.StorageTeamSize
		}

		configured := make(map[string]struct{}, len(conf.Regions))
		for _, r := range conf.Regions {
			configured[r.DatacenterID] = struct{}{}
		}

		prefix := kvstore.DatacenterReplicasPrefix()
		kvs, more, err := txn.GetRange(ctx, prefix, kvstore.PrefixEnd(prefix), 0)
		if err != nil {
			return err
		}
		if more {
			return fmt.Errorf("datacenterReplicas: %w", kvstore.ErrMoreResults)
		}
		for _, kv := range kvs {
			dcBytes, ok := kvstore.StripPrefix(kv.Key, prefix)
			if !ok {
				continue
			}
			dc := string(dcBytes)
			if _, ok := configured[dc]; !ok {
				txn.Clear(kv.Key)
				continue
			}
			var rec struct {
				Replicas int `json:"replicas"`
			}
			if err := kvstore.DecodeJSON(kv.Value, &rec); err != nil {
				continue
			}
			if rec.Replicas > teamSize {
				rec.Replicas = teamSize
				encoded, err := kvstore.EncodeJSON(rec)
				if err != nil {
					return err
				}
				txn.Set(kv.Key, encoded)
			}
		}
		_, err = txn.Commit(ctx)
		return err
	})
	if err != nil {
		return "", nil, 0, fmt.Errorf("configure datacenters: %w", err)
	}
	return primaryDC, remoteDCs, teamSize, nil
}

// waitForEnabled blocks until both the persistent mode key and the
// in-memory flag allow distribution. While gated it reports zeroed
// movement metrics so operators see the distributor alive but idle. It
// reports halted when a halt request arrives while gated.
func (s *Supervisor) waitForEnabled(ctx context.Context) (halted bool, err error) {
	loggedDisabled := false
	for {
		mode, err := s.readMode(ctx)
		if err != nil {
			return false, err
		}
		s.enable.SetOperator(mode == model.ModeEnabled)
		if s.enable.Enabled() {
			return false, nil
		}
		if !loggedDisabled {
			log.Printf("distributor: disabled, waiting; MovingData=0 TotalDataInFlight=0")
			loggedDisabled = true
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case requester := <-s.halt:
			log.Printf("distributor: halted by %s while disabled", requester)
			return true, nil
		case <-time.After(enabledPollInterval):
		}
	}
}

func (s *Supervisor) readMode(ctx context.Context) (model.Mode, error) {
	txn := s.store.Begin(kvstore.PrioritySystem)
	raw, found, err := txn.Get(ctx, kvstore.DataDistributionModeKey)
	if err != nil {
		return 0, fmt.Errorf("read mode key: %w", err)
	}
	if !found {
		return model.ModeEnabled, nil
	}
	mode, err := initread.DecodeMode(raw)
	if err != nil {
		return 0, err
	}
	return mode, nil
}
