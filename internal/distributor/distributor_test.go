package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/config"
	"github.com/kakaiu/foundationdb/internal/initread"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/kvstore/kvstoretest"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/kakaiu/foundationdb/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKnobs() config.Knobs {
	k := config.Default()
	k.MoveKeysLockPollInterval = 50 * time.Millisecond
	k.Simulated = true
	return k
}

func seedServers(t *testing.T, store *kvstoretest.Store, n int, dc string) []model.ServerID {
	t.Helper()
	ids := make([]model.ServerID, n)
	for i := range ids {
		ids[i] = uuid.New()
		v, err := initread.EncodeServer(ids[i], dc, "10.0.0.1:4500", model.ProcessClassStorage)
		require.NoError(t, err)
		store.Seed(kvstore.ServerListKey(ids[i]), v)
	}
	return ids
}

func seedBoundary(t *testing.T, store *kvstoretest.Store, boundary []byte, src, dest []model.ServerID, srcID, destID model.MoveID) {
	t.Helper()
	v, err := initread.EncodeKeyServer(src, dest, srcID, destID)
	require.NoError(t, err)
	store.Seed(kvstore.KeyServersKey(boundary), v)
}

func TestEnableStateSnapshotHoldIsExclusive(t *testing.T) {
	s := NewEnableState()
	assert.True(t, s.Enabled())
	require.True(t, s.DisableForSnapshot())
	assert.False(t, s.DisableForSnapshot(), "second snapshot must be refused")
	assert.False(t, s.Enabled())
	s.EnableAfterSnapshot()
	assert.True(t, s.Enabled())
}

func TestEnableStateBothTransitionsRequired(t *testing.T) {
	s := NewEnableState()
	s.SetOperator(false)
	assert.False(t, s.Enabled())
	require.True(t, s.DisableForSnapshot(), "snapshot hold is independent of the operator flag")
	s.EnableAfterSnapshot()
	assert.False(t, s.Enabled(), "operator flag still off")
	s.SetOperator(true)
	assert.True(t, s.Enabled())
}

func TestSupervisorRunAndHalt(t *testing.T) {
	store := kvstoretest.New()
	src := seedServers(t, store, 3, "dc1")
	seedBoundary(t, store, []byte{}, src, nil, uuid.New(), model.Anonymous)

	sup := New(store, uuid.New(), testKnobs())

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { done <- sup.Run(ctx) }()

	// Wait for the pipeline to come up, then halt.
	require.Eventually(t, func() bool { return sup.Queue() != nil }, 2*time.Second, 10*time.Millisecond)
	sup.Halt(uuid.New())

	select {
	case err := <-done:
		assert.NoError(t, err, "halt should end the loop cleanly")
	case <-ctx.Done():
		t.Fatal("supervisor did not stop after halt")
	}
}

func TestSeedPipelineRecoverMovePriorities(t *testing.T) {
	store := kvstoretest.New()
	sup := New(store, uuid.New(), testKnobs())

	full := []model.ServerID{uuid.New(), uuid.New(), uuid.New()}
	short := []model.ServerID{uuid.New()}
	model.SortServerIDs(full)

	snap := &model.InitialDataDistribution{
		Mode: model.ModeEnabled,
		Shards: []model.DDShardInfo{
			// Healthy source team, legacy in-flight move.
			{Key: model.Key("a"), SrcID: uuid.New(), DestID: model.Anonymous, HasDest: true,
				PrimarySrc: full, PrimaryDest: full},
			// Short source team, legacy in-flight move.
			{Key: model.Key("m"), SrcID: uuid.New(), DestID: model.Anonymous, HasDest: true,
				PrimarySrc: short, PrimaryDest: full},
			{},
		},
		DataMoveMap: model.NewRangeMap[*model.DataMove](),
	}

	state, err := sup.seedPipeline(context.Background(), snap, "dc1", nil, 3)
	require.NoError(t, err)

	var relocations []pipeline.RelocateShard
	for len(relocations) < 2 {
		relocations = append(relocations, <-state.sender.Stream())
	}
	assert.Equal(t, pipeline.PriorityRecoverMove, relocations[0].Priority)
	assert.Equal(t, pipeline.PriorityTeamUnhealthy, relocations[1].Priority)
	assert.Equal(t, 2, state.shards.Len())
}

func TestSeedPipelineCancelledMoveEnqueuesCancellation(t *testing.T) {
	store := kvstoretest.New()
	sup := New(store, uuid.New(), testKnobs())

	moveID := uuid.New()
	team := []model.ServerID{uuid.New()}
	move := &model.DataMove{
		Meta:        model.MoveMeta{ID: moveID, Range: model.KeyRange{Begin: model.Key("a"), End: model.Key("m")}},
		PrimaryDest: team,
		Valid:       true,
		Cancelled:   true,
	}
	moves := model.NewRangeMap[*model.DataMove]()
	require.NoError(t, moves.Insert(move.Meta.Range, move))

	snap := &model.InitialDataDistribution{
		Mode: model.ModeEnabled,
		Shards: []model.DDShardInfo{
			{Key: model.Key("a"), SrcID: uuid.New(), PrimarySrc: team},
			{},
		},
		DataMoveMap: moves,
	}

	state, err := sup.seedPipeline(context.Background(), snap, "dc1", nil, 3)
	require.NoError(t, err)

	rs := <-state.sender.Stream()
	assert.True(t, rs.Cancelled)
	assert.Equal(t, moveID, rs.MoveID)
}

func TestSeedPipelineValidMoveRedefinesShard(t *testing.T) {
	store := kvstoretest.New()
	sup := New(store, uuid.New(), testKnobs())

	moveID := uuid.New()
	src := []model.ServerID{uuid.New()}
	dest := []model.ServerID{uuid.New()}
	move := &model.DataMove{
		Meta:        model.MoveMeta{ID: moveID, Range: model.KeyRange{Begin: model.Key("a"), End: model.Key("m")}, Priority: 42},
		PrimarySrc:  src,
		PrimaryDest: dest,
		Valid:       true,
	}
	moves := model.NewRangeMap[*model.DataMove]()
	require.NoError(t, moves.Insert(move.Meta.Range, move))

	snap := &model.InitialDataDistribution{
		Mode: model.ModeEnabled,
		Shards: []model.DDShardInfo{
			{Key: model.Key("a"), SrcID: uuid.New(), DestID: moveID, HasDest: true,
				PrimarySrc: src, PrimaryDest: dest},
			{},
		},
		DataMoveMap: moves,
	}

	state, err := sup.seedPipeline(context.Background(), snap, "dc1", nil, 3)
	require.NoError(t, err)

	rs := <-state.sender.Stream()
	assert.False(t, rs.Cancelled)
	assert.Equal(t, moveID, rs.MoveID)
	assert.Equal(t, 42, rs.Priority)

	// The shard's teams now include the move's destination.
	teams := state.shards.TeamsFor(model.Key("a"))
	require.NotEmpty(t, teams)
	foundDest := false
	for _, team := range teams {
		if len(team.Servers) == 1 && team.Servers[0] == dest[0] {
			foundDest = true
		}
	}
	assert.True(t, foundDest, "destination team should be defined for the moving range")
}

func TestConfigureDatacentersCapsAndPrunes(t *testing.T) {
	store := kvstoretest.New()
	conf, err := EncodeDatabaseConfig([]Region{{DatacenterID: "dc1"}, {DatacenterID: "dc2"}}, 3)
	require.NoError(t, err)
	store.Seed(kvstore.DatabaseConfigKey, conf)

	over, err := kvstore.EncodeJSON(map[string]int{"replicas": 5})
	require.NoError(t, err)
	store.Seed(kvstore.DatacenterReplicasKey("dc1"), over)
	stale, err := kvstore.EncodeJSON(map[string]int{"replicas": 2})
	require.NoError(t, err)
	store.Seed(kvstore.DatacenterReplicasKey("dcX"), stale)

	sup := New(store, uuid.New(), testKnobs())
	primary, remotes, teamSize, err := sup.configureDatacenters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dc1", primary)
	assert.Equal(t, []string{"dc2"}, remotes)
	assert.Equal(t, 3, teamSize)

	txn := store.Begin(kvstore.PriorityNormal)
	raw, found, err := txn.Get(context.Background(), kvstore.DatacenterReplicasKey("dc1"))
	require.NoError(t, err)
	require.True(t, found)
	var rec struct {
		Replicas int `json:"replicas"`
	}
	require.NoError(t, kvstore.DecodeJSON(raw, &rec))
	assert.Equal(t, 3, rec.Replicas, "over-replicated datacenter capped at team size")

	_, found, err = txn.Get(context.Background(), kvstore.DatacenterReplicasKey("dcX"))
	require.NoError(t, err)
	assert.False(t, found, "datacenter outside the configuration removed")
}

func TestNthElement(t *testing.T) {
	values := []int64{9, 1, 8, 2, 7, 3}
	assert.Equal(t, int64(7), nthElement(values, 3))
	assert.Equal(t, int64(1), nthElement(values, 0))
	assert.Equal(t, int64(9), nthElement(values, 5))
	// Input untouched.
	assert.Equal(t, []int64{9, 1, 8, 2, 7, 3}, values)
}

func TestCheckExclusionUnsafeWithSingleTeam(t *testing.T) {
	store := kvstoretest.New()
	sup := New(store, uuid.New(), testKnobs())

	team := []model.ServerID{uuid.New(), uuid.New(), uuid.New()}
	shards := pipeline.NewShardsAffectedByTeamFailure()
	shards.DefineShard(model.KeyRange{Begin: model.Key("a"), End: model.Key("m")},
		[]pipeline.Team{{Servers: team, Primary: true}})

	var servers []model.AllServersEntry
	for i, id := range team {
		servers = append(servers, model.AllServersEntry{
			Server: model.StorageServerInterface{ID: id, DatacenterID: "dc1", Address: addrFor(i)},
			Class:  model.ProcessClassStorage,
		})
	}

	sup.setLive(&pipelineState{
		snapshot: &model.InitialDataDistribution{Mode: model.ModeEnabled, AllServers: servers},
		shards:   shards,
		collections: []*pipeline.StaticTeamCollection{
			pipeline.NewStaticTeamCollection(store, sup.ID(), [][]model.ServerID{team}, shards, true),
		},
	})

	safe, err := sup.CheckExclusion([]string{addrFor(0)})
	require.NoError(t, err)
	assert.False(t, safe, "excluding into the only team is unsafe")

	// An address matching no server is trivially safe.
	safe, err = sup.CheckExclusion([]string{"203.0.113.9:4500"})
	require.NoError(t, err)
	assert.True(t, safe)
}

func addrFor(i int) string {
	return string(rune('a'+i)) + ".example:4500"
}
