// Package initread reconstructs the initial data distribution: a
// transactional snapshot of the server list, key-server range map, and
// persisted data moves into an InitialDataDistribution the rest of the
// pipeline treats as read-only.
package initread

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
)

// LockVerifier is the subset of movekeyslock.Lock that Phase 2 needs: a
// read-only recheck between chunks so a long scan can't outlive this
// process's ownership of the move-keys lock.
type LockVerifier interface {
	Verify(ctx context.Context) error
}

// Config parameterizes a read. Zero-value Config uses the package
// defaults below.
type Config struct {
	// RemoteDatacenters are the configured remote-region datacenter IDs;
	// any server whose datacenter appears here partitions into the
	// "remote" half of a team, everything else into "primary".
	RemoteDatacenters []string

	// EnableFlag is the in-memory DD-enable flag (the process-global
	// flag the snapshot orchestrator also holds). A nil
	// pointer is treated as true (enabled); callers that track the flag
	// pass its live address so a flip is observed on the next read.
	EnableFlag *bool

	// ChunkSize bounds each Phase 2 krmGetRanges page. Zero uses
	// DefaultChunkSize.
	ChunkSize int

	// ServerListPageLimit bounds the Phase 1 server/tag list reads.
	// Getting back a "more" page beyond this is treated as a fatal
	// invariant violation (kvstore.ErrMoreResults), not silently
	// truncated. Zero uses DefaultServerListPageLimit.
	ServerListPageLimit int

	// ValidateShardLocations gates the cross-validation pass against the
	// persisted data-move table, for clusters whose shards encode
	// location metadata.
	ValidateShardLocations bool

	// MaxTransactionAttempts bounds Phase 1's retry-as-a-unit loop.
	// Zero uses DefaultMaxAttempts.
	MaxTransactionAttempts int
}

const (
	// DefaultChunkSize is the Phase 2 page size when Config.ChunkSize is
	// unset.
	DefaultChunkSize = 10_000
	// DefaultServerListPageLimit is the Phase 1 page size when
	// Config.ServerListPageLimit is unset.
	DefaultServerListPageLimit = 100_000
	// DefaultMaxAttempts is Phase 1's retry bound when
	// Config.MaxTransactionAttempts is unset.
	DefaultMaxAttempts = 10
)

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return DefaultChunkSize
}

func (c Config) pageLimit() int {
	if c.ServerListPageLimit > 0 {
		return c.ServerListPageLimit
	}
	return DefaultServerListPageLimit
}

func (c Config) maxAttempts() int {
	if c.MaxTransactionAttempts > 0 {
		return c.MaxTransactionAttempts
	}
	return DefaultMaxAttempts
}

func (c Config) enabled() bool {
	return c.EnableFlag == nil || *c.EnableFlag
}

// phase1Result carries everything Phase 1 produces across its single
// transaction; Phase 2 runs against fresh reads of its own.
type phase1Result struct {
	mode         model.Mode
	healthyZone  *string
	allServers   []model.AllServersEntry
	testServers  []model.AllServersEntry
	dcOf         map[model.ServerID]string
	dataMoveMap  *model.RangeMap[*model.DataMove]
	teamCache    *model.TeamCache
	primaryTeams *model.TeamSet
	remoteTeams  *model.TeamSet
}

func emptySnapshot() *model.InitialDataDistribution {
	return &model.InitialDataDistribution{
		Mode:        model.ModeDisabled,
		Shards:      []model.DDShardInfo{{}},
		DataMoveMap: model.NewRangeMap[*model.DataMove](),
	}
}

// GetInitialDataDistribution runs Phase 1 and (if DD is enabled) Phase 2
// against store, producing a consistent InitialDataDistribution. lock is
// re-verified between every Phase 2 chunk.
func GetInitialDataDistribution(ctx context.Context, store kvstore.TxnStore, lock LockVerifier, dcOf model.DatacenterLookup, cfg Config) (*model.InitialDataDistribution, error) {
	p1, err := runPhase1(ctx, store, dcOf, cfg)
	if err != nil {
		return nil, fmt.Errorf("initread: phase 1: %w", err)
	}
	if p1 == nil {
		return emptySnapshot(), nil
	}

	shards, err := runPhase2(ctx, store, lock, p1, cfg)
	if err != nil {
		return nil, fmt.Errorf("initread: phase 2: %w", err)
	}

	if cfg.ValidateShardLocations {
		for _, ev := range validateShards(shards, p1.dataMoveMap) {
			log.Printf("initread: SevError shard validation failed: %s", ev)
		}
	}

	allServers := append(append([]model.AllServersEntry(nil), p1.allServers...), p1.testServers...)

	return &model.InitialDataDistribution{
		Mode:            p1.mode,
		InitHealthyZone: p1.healthyZone,
		AllServers:      allServers,
		Shards:          shards,
		PrimaryTeams:    p1.primaryTeams.Teams(),
		RemoteTeams:     p1.remoteTeams.Teams(),
		DataMoveMap:     p1.dataMoveMap,
	}, nil
}

// runPhase1 reads the mode, healthy zone, server list, and data-move
// table as a single retried transaction. It returns (nil, nil) for the
// "DD disabled" short-circuit.
func runPhase1(ctx context.Context, store kvstore.TxnStore, dcOf model.DatacenterLookup, cfg Config) (*phase1Result, error) {
	var result *phase1Result

	err := kvstore.RunTransaction(ctx, store, kvstore.PriorityNormal, cfg.maxAttempts(), func(txn kvstore.Txn) error {
		result = nil // all partial state is dropped on retry

		readVersion, err := readVersionOf(ctx, txn)
		if err != nil {
			return err
		}

		zone, err := readHealthyZone(ctx, txn, readVersion)
		if err != nil {
			return err
		}

		mode, err := readMode(ctx, txn)
		if err != nil {
			return err
		}
		if mode == model.ModeDisabled || !cfg.enabled() {
			result = &phase1Result{mode: model.ModeDisabled, healthyZone: zone}
			return nil
		}

		allServers, testServers, dc, err := readServersAndWorkerList(ctx, txn, cfg.pageLimit())
		if err != nil {
			return err
		}

		teamCache := model.NewTeamCache(dcOf, cfg.RemoteDatacenters)
		primaryTeams := model.NewTeamSet()
		remoteTeams := model.NewTeamSet()

		dataMoveMap, err := readDataMoves(ctx, txn, teamCache, primaryTeams, remoteTeams, cfg.pageLimit())
		if err != nil {
			return err
		}

		result = &phase1Result{
			mode:         mode,
			healthyZone:  zone,
			allServers:   allServers,
			testServers:  testServers,
			dcOf:         dc,
			dataMoveMap:  dataMoveMap,
			teamCache:    teamCache,
			primaryTeams: primaryTeams,
			remoteTeams:  remoteTeams,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.dataMoveMap == nil {
		return nil, nil // disabled short-circuit
	}
	return result, nil
}

// readVersionOf forces a read so the transaction's read version is
// established before readHealthyZone needs to compare against it.
func readVersionOf(ctx context.Context, txn kvstore.Txn) (uint64, error) {
	if _, _, err := txn.Get(ctx, kvstore.DataDistributionModeKey); err != nil {
		return 0, err
	}
	return txn.ReadVersion(), nil
}

func readHealthyZone(ctx context.Context, txn kvstore.Txn, readVersion uint64) (*string, error) {
	raw, found, err := txn.Get(ctx, kvstore.HealthyZoneKey)
	if err != nil {
		return nil, fmt.Errorf("read healthyZoneKey: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec healthyZoneRecord
	if err := kvstore.DecodeJSON(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode healthyZoneKey: %w", err)
	}
	if rec.Zone == IgnoreSSFailuresZone || rec.ExpirationVersion > readVersion {
		zone := rec.Zone
		return &zone, nil
	}
	return nil, nil
}

func readMode(ctx context.Context, txn kvstore.Txn) (model.Mode, error) {
	raw, found, err := txn.Get(ctx, kvstore.DataDistributionModeKey)
	if err != nil {
		return 0, fmt.Errorf("read dataDistributionModeKey: %w", err)
	}
	if !found {
		return model.ModeEnabled, nil
	}
	var rec modeRecord
	if err := kvstore.DecodeJSON(raw, &rec); err != nil {
		return 0, fmt.Errorf("decode dataDistributionModeKey: %w", err)
	}
	return model.Mode(rec.Mode), nil
}

// readServersAndWorkerList runs the server-list and worker-list (tag
// table) reads concurrently against the same transaction; kvstore.Txn's
// reads are independent SyncRead calls with no shared mutable state to
// race on.
func readServersAndWorkerList(ctx context.Context, txn kvstore.Txn, pageLimit int) (regular, test []model.AllServersEntry, dcOf map[model.ServerID]string, err error) {
	var workerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		workerErr = readWorkerList(ctx, txn, pageLimit)
	}()

	regular, test, dcOf, err = readServers(ctx, txn, pageLimit)

	wg.Wait()
	if err != nil {
		return nil, nil, nil, err
	}
	if workerErr != nil {
		return nil, nil, nil, workerErr
	}
	return regular, test, dcOf, nil
}

func readServers(ctx context.Context, txn kvstore.Txn, pageLimit int) (regular, test []model.AllServersEntry, dcOf map[model.ServerID]string, err error) {
	kvs, more, err := txn.GetRange(ctx, kvstore.ServerListPrefix(), kvstore.PrefixEnd(kvstore.ServerListPrefix()), pageLimit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read serverList: %w", err)
	}
	if more {
		return nil, nil, nil, fmt.Errorf("serverList: %w", kvstore.ErrMoreResults)
	}

	dcOf = make(map[model.ServerID]string, len(kvs))
	for _, kv := range kvs {
		var rec serverRecord
		if err := kvstore.DecodeJSON(kv.Value, &rec); err != nil {
			return nil, nil, nil, fmt.Errorf("decode serverList entry: %w", err)
		}
		entry := model.AllServersEntry{
			Server: model.StorageServerInterface{
				ID:           model.ServerID(rec.ID),
				DatacenterID: rec.DatacenterID,
				Address:      rec.Address,
			},
			Class: model.ProcessClass(rec.Class),
		}
		dcOf[entry.Server.ID] = rec.DatacenterID
		if entry.Class == model.ProcessClassTestStorage {
			test = append(test, entry)
		} else {
			regular = append(regular, entry)
		}
	}
	return regular, test, dcOf, nil
}

// readWorkerList confirms the worker table (serverTagPrefix) didn't
// truncate; this repository has no separate worker-specific shape to
// decode, so the read is a presence/truncation check only.
func readWorkerList(ctx context.Context, txn kvstore.Txn, pageLimit int) error {
	_, more, err := txn.GetRange(ctx, kvstore.ServerTagPrefix(), kvstore.PrefixEnd(kvstore.ServerTagPrefix()), pageLimit)
	if err != nil {
		return fmt.Errorf("read worker list: %w", err)
	}
	if more {
		return fmt.Errorf("worker list: %w", kvstore.ErrMoreResults)
	}
	return nil
}

func readDataMoves(ctx context.Context, txn kvstore.Txn, teamCache *model.TeamCache, primaryTeams, remoteTeams *model.TeamSet, pageLimit int) (*model.RangeMap[*model.DataMove], error) {
	kvs, more, err := txn.GetRange(ctx, kvstore.DataMovePrefix(), kvstore.PrefixEnd(kvstore.DataMovePrefix()), pageLimit)
	if err != nil {
		return nil, fmt.Errorf("read dataMove table: %w", err)
	}
	if more {
		return nil, fmt.Errorf("dataMove table: %w", kvstore.ErrMoreResults)
	}

	out := model.NewRangeMap[*model.DataMove]()
	for _, kv := range kvs {
		begin, ok := kvstore.StripPrefix(kv.Key, kvstore.DataMovePrefix())
		if !ok {
			continue
		}
		var rec dataMoveRecord
		if err := kvstore.DecodeJSON(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode dataMove entry: %w", err)
		}

		srcIDs := toServerIDs(rec.Src)
		destIDs := toServerIDs(rec.Dest)
		srcPart := teamCache.Partition(srcIDs)
		destPart := teamCache.Partition(destIDs)
		primaryTeams.Add(srcPart.Primary)
		remoteTeams.Add(srcPart.Remote)
		primaryTeams.Add(destPart.Primary)
		remoteTeams.Add(destPart.Remote)

		move := &model.DataMove{
			Meta: model.MoveMeta{
				ID:       model.MoveID(rec.ID),
				Range:    model.KeyRange{Begin: model.Key(begin), End: model.Key(rec.RangeEnd)},
				Src:      srcIDs,
				Dest:     destIDs,
				Priority: rec.Priority,
			},
			PrimarySrc:  srcPart.Primary,
			RemoteSrc:   srcPart.Remote,
			PrimaryDest: destPart.Primary,
			RemoteDest:  destPart.Remote,
			Valid:       true,
		}
		if err := out.Insert(move.Meta.Range, move); err != nil {
			return nil, fmt.Errorf("dataMove range map: %w", err)
		}
	}
	return out, nil
}

// runPhase2 performs the chunked key-server scan: a fresh transaction per
// chunk, the move-keys lock re-verified between chunks so a long scan
// can't run past this process's ownership of it.
func runPhase2(ctx context.Context, store kvstore.TxnStore, lock LockVerifier, p1 *phase1Result, cfg Config) ([]model.DDShardInfo, error) {
	prefix := kvstore.KeyServersPrefix()
	prefixEnd := kvstore.PrefixEnd(prefix)
	begin := prefix

	var shards []model.DDShardInfo
	var prevKey model.Key
	var prevRec *keyServerRecord
	haveEntry := false

	for {
		if lock != nil {
			if err := lock.Verify(ctx); err != nil {
				return nil, fmt.Errorf("move-keys lock: %w", err)
			}
		}

		txn := store.Begin(kvstore.PrioritySystem)
		kvs, more, err := txn.GetRange(ctx, begin, prefixEnd, cfg.chunkSize())
		if err != nil {
			return nil, fmt.Errorf("read keyServers chunk: %w", err)
		}

		for _, kv := range kvs {
			boundary, ok := kvstore.StripPrefix(kv.Key, prefix)
			if !ok {
				continue
			}
			var rec keyServerRecord
			if err := kvstore.DecodeJSON(kv.Value, &rec); err != nil {
				return nil, fmt.Errorf("decode keyServers entry: %w", err)
			}
			if haveEntry {
				shard := buildShard(p1.teamCache, p1.primaryTeams, p1.remoteTeams, prevKey, prevRec)
				shards = append(shards, shard)
			}
			prevKey = append(model.Key{}, boundary...)
			rc := rec
			prevRec = &rc
			haveEntry = true
		}

		if !more {
			break
		}
		if len(kvs) == 0 {
			break
		}
		begin = keyAfter(kvs[len(kvs)-1].Key)
	}

	if haveEntry {
		shards = append(shards, buildShard(p1.teamCache, p1.primaryTeams, p1.remoteTeams, prevKey, prevRec))
	}
	// Sentinel at allKeys.end: carries no move/team information.
	shards = append(shards, model.DDShardInfo{})

	return shards, nil
}

func buildShard(teamCache *model.TeamCache, primaryTeams, remoteTeams *model.TeamSet, begin model.Key, rec *keyServerRecord) model.DDShardInfo {
	srcIDs := toServerIDs(rec.Src)
	destIDs := toServerIDs(rec.Dest)

	srcPart := teamCache.Partition(srcIDs)
	primaryTeams.Add(srcPart.Primary)
	remoteTeams.Add(srcPart.Remote)

	shard := model.DDShardInfo{
		Key:        begin,
		SrcID:      model.MoveID(rec.SrcID),
		DestID:     model.MoveID(rec.DestID),
		PrimarySrc: srcPart.Primary,
		RemoteSrc:  srcPart.Remote,
	}

	if len(destIDs) > 0 {
		destPart := teamCache.Partition(destIDs)
		primaryTeams.Add(destPart.Primary)
		remoteTeams.Add(destPart.Remote)
		shard.HasDest = true
		shard.PrimaryDest = destPart.Primary
		shard.RemoteDest = destPart.Remote
	}

	return shard
}

// keyAfter returns the lexicographically smallest key strictly greater
// than k, giving an exclusive-begin successor for resuming a chunked scan
// right after the last key of the previous page.
func keyAfter(k []byte) []byte {
	return append(append([]byte(nil), k...), 0x00)
}
