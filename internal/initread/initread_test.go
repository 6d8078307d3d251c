package initread

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/kvstore/kvstoretest"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedServer(t *testing.T, store *kvstoretest.Store, id uuid.UUID, dc string, class model.ProcessClass) {
	t.Helper()
	v, err := EncodeServer(id, dc, "10.0.0.1:4500", class)
	require.NoError(t, err)
	store.Seed(kvstore.ServerListKey(id), v)
}

func seedKeyServer(t *testing.T, store *kvstoretest.Store, boundary []byte, src, dest []uuid.UUID, srcID, destID uuid.UUID) {
	t.Helper()
	v, err := EncodeKeyServer(toServerIDs(src), toServerIDs(dest), srcID, destID)
	require.NoError(t, err)
	store.Seed(kvstore.KeyServersKey(boundary), v)
}

func seedDataMove(t *testing.T, store *kvstoretest.Store, id uuid.UUID, rangeBegin, rangeEnd []byte, src, dest []uuid.UUID) {
	t.Helper()
	v, err := EncodeDataMove(id, rangeEnd, toServerIDs(src), toServerIDs(dest), 0)
	require.NoError(t, err)
	store.Seed(kvstore.DataMoveKey(rangeBegin), v)
}

// Scenario 5 — Initial-state DD-disabled short-circuit.
func TestGetInitialDataDistribution_DisabledShortCircuit(t *testing.T) {
	store := kvstoretest.New()
	v, err := EncodeMode(model.ModeDisabled)
	require.NoError(t, err)
	store.Seed(kvstore.DataDistributionModeKey, v)

	// Seed a server too, to prove the disabled short-circuit never reads it.
	seedServer(t, store, uuid.New(), "dc1", model.ProcessClassStorage)

	dist, err := GetInitialDataDistribution(context.Background(), store, nil, noDatacenterLookup, Config{})
	require.NoError(t, err)

	assert.True(t, dist.Empty())
	assert.Equal(t, model.ModeDisabled, dist.Mode)
	require.Len(t, dist.Shards, 1)
	assert.True(t, dist.Shards[0].IsSentinel())
	assert.Empty(t, dist.AllServers)
}

// Scenario 6 — Shard/DataMove mismatch.
func TestValidateShard_DataMoveIDMissMatch(t *testing.T) {
	shardDestID := uuid.New()
	moveID := uuid.New() // deliberately different from shardDestID

	shard := model.DDShardInfo{
		Key:         model.Key("a"),
		SrcID:       uuid.New(),
		DestID:      shardDestID,
		HasDest:     true,
		PrimaryDest: []model.ServerID{uuid.New()},
	}
	move := &model.DataMove{
		Meta:  model.MoveMeta{ID: moveID},
		Valid: true,
	}

	ev := validateShard(shard, model.KeyRange{Begin: shard.Key, End: model.Key("b")}, move)
	require.NotNil(t, ev)
	assert.Equal(t, ReasonDataMoveIDMissMatch, ev.Reason)
	assert.True(t, move.Cancelled)
}

func TestValidateShards_OnlyOneEventForMismatch(t *testing.T) {
	shardDestID := uuid.New()
	moveID := uuid.New()
	moves := model.NewRangeMap[*model.DataMove]()
	move := &model.DataMove{Meta: model.MoveMeta{ID: moveID, Range: model.KeyRange{Begin: model.Key("a"), End: model.Key("z")}}, Valid: true}
	require.NoError(t, moves.Insert(move.Meta.Range, move))

	shards := []model.DDShardInfo{
		{Key: model.Key("a"), DestID: shardDestID, HasDest: true},
		{}, // sentinel
	}

	events := validateShards(shards, moves)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonDataMoveIDMissMatch, events[0].Reason)
	assert.True(t, move.Cancelled)
}

// Invariant 1: shard list is contiguous, strictly increasing by key, starts
// at allKeys.begin, ends with a sentinel at allKeys.end.
func TestGetInitialDataDistribution_ShardContiguity(t *testing.T) {
	store := kvstoretest.New()
	seedMode(t, store, model.ModeEnabled)

	dcA, dcB := uuid.New(), uuid.New()
	seedServer(t, store, dcA, "dc1", model.ProcessClassStorage)
	seedServer(t, store, dcB, "dc2", model.ProcessClassStorage)

	srcTeam := []uuid.UUID{dcA}
	destTeam := []uuid.UUID{dcB}

	seedKeyServer(t, store, []byte{}, srcTeam, nil, uuid.New(), uuid.Nil)
	seedKeyServer(t, store, []byte("m"), srcTeam, destTeam, uuid.New(), uuid.New())

	dist, err := GetInitialDataDistribution(context.Background(), store, nil, dcLookup(map[uuid.UUID]string{dcA: "dc1", dcB: "dc2"}), Config{RemoteDatacenters: []string{"dc2"}})
	require.NoError(t, err)

	require.Len(t, dist.Shards, 3) // two key-boundaries + sentinel
	assert.Equal(t, model.Key{}, dist.Shards[0].Key)
	for i := 1; i < len(dist.Shards)-1; i++ {
		assert.True(t, bytes.Compare(dist.Shards[i-1].Key, dist.Shards[i].Key) < 0, "shards must be strictly increasing by key")
	}
	assert.True(t, dist.Shards[len(dist.Shards)-1].IsSentinel())

	// Second shard has a dest, so hasDest is set and partitioned by
	// datacenter — invariant 3.
	second := dist.Shards[1]
	assert.True(t, second.HasDest)
	assert.Contains(t, second.RemoteDest, model.ServerID(dcB))
	assert.NotContains(t, second.PrimaryDest, model.ServerID(dcB))
}

// Invariant 4: team cache round-trip idempotence — identical src vectors
// partition identically (same backing arrays via memoization).
func TestTeamCache_RoundTripIdempotence(t *testing.T) {
	dcA := uuid.New()
	cache := model.NewTeamCache(dcLookup(map[uuid.UUID]string{dcA: "dc1"}), nil)

	ids := []model.ServerID{dcA}
	p1 := cache.Partition(ids)
	p2 := cache.Partition(append([]model.ServerID(nil), ids...))

	assert.Equal(t, p1, p2)
}

func seedMode(t *testing.T, store *kvstoretest.Store, mode model.Mode) {
	t.Helper()
	v, err := EncodeMode(mode)
	require.NoError(t, err)
	store.Seed(kvstore.DataDistributionModeKey, v)
}

func noDatacenterLookup(model.ServerID) (string, bool) { return "", false }

func dcLookup(m map[uuid.UUID]string) model.DatacenterLookup {
	return func(id model.ServerID) (string, bool) {
		dc, ok := m[id]
		return dc, ok
	}
}
