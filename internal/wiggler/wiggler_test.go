package wiggler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore/kvstoretest"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idFor builds a deterministic server ID so pop order assertions are
// stable across runs.
func idFor(n byte) model.ServerID {
	var id uuid.UUID
	id[15] = n
	return id
}

func TestQueuePopOrder(t *testing.T) {
	q := NewQueue()

	require.True(t, q.AddServer(idFor(1), StorageMetadata{CreatedTime: 1, StoreType: StoreTypeBTreeV2, WigglePreferred: false}))
	require.True(t, q.AddServer(idFor(2), StorageMetadata{CreatedTime: 2, StoreType: StoreTypeMemory, WigglePreferred: true}))
	require.True(t, q.AddServer(idFor(3), StorageMetadata{CreatedTime: 3, StoreType: StoreTypeRocksDBV1, WigglePreferred: true}))
	require.True(t, q.AddServer(idFor(4), StorageMetadata{CreatedTime: 4, StoreType: StoreTypeBTreeV2, WigglePreferred: false}))

	var order []byte
	for {
		id, ok := q.GetNextServerID()
		if !ok {
			break
		}
		order = append(order, id[15])
	}
	assert.Equal(t, []byte{2, 3, 1, 4}, order)

	_, ok := q.GetNextServerID()
	assert.False(t, ok)
}

func TestQueueDuplicateAddRejected(t *testing.T) {
	q := NewQueue()
	require.True(t, q.AddServer(idFor(1), StorageMetadata{CreatedTime: 1}))
	assert.False(t, q.AddServer(idFor(1), StorageMetadata{CreatedTime: 9}))
	assert.Equal(t, 1, q.Len())
}

func TestQueueRemoveIsIdempotent(t *testing.T) {
	q := NewQueue()
	q.AddServer(idFor(1), StorageMetadata{CreatedTime: 1})
	q.RemoveServer(idFor(1))
	q.RemoveServer(idFor(1)) // second remove is a no-op
	_, ok := q.GetNextServerID()
	assert.False(t, ok)
}

func TestQueueUpdateMetadataRepositions(t *testing.T) {
	q := NewQueue()
	q.AddServer(idFor(1), StorageMetadata{CreatedTime: 1})
	q.AddServer(idFor(2), StorageMetadata{CreatedTime: 2})

	// Flagging server 2 moves it ahead of the older server 1.
	q.UpdateMetadata(idFor(2), StorageMetadata{CreatedTime: 2, WigglePreferred: true})

	id, ok := q.GetNextServerID()
	require.True(t, ok)
	assert.Equal(t, idFor(2), id)
}

// The order of pops between mutations must equal the comparator's order
// on the remaining set.
func TestQueuePopOrderMatchesComparator(t *testing.T) {
	q := NewQueue()
	metas := []StorageMetadata{
		{CreatedTime: 5},
		{CreatedTime: 3, WigglePreferred: true},
		{CreatedTime: 1},
		{CreatedTime: 1, WigglePreferred: true},
		{CreatedTime: 2},
	}
	for i, m := range metas {
		require.True(t, q.AddServer(idFor(byte(i+1)), m))
	}

	var popped []*item
	for {
		id, ok := q.GetNextServerID()
		if !ok {
			break
		}
		popped = append(popped, &item{id: id, meta: metas[id[15]-1]})
	}
	require.Len(t, popped, len(metas))
	for i := 1; i < len(popped); i++ {
		assert.True(t, less(popped[i-1], popped[i]),
			"pop %d out of order: %v before %v", i, popped[i-1].meta, popped[i].meta)
	}
}

func TestQueueNonEmptyNotifier(t *testing.T) {
	q := NewQueue()
	ch := q.NonEmpty()
	select {
	case <-ch:
		t.Fatal("empty queue reported non-empty")
	default:
	}

	q.AddServer(idFor(1), StorageMetadata{CreatedTime: 1})
	select {
	case <-q.NonEmpty():
	default:
		t.Fatal("non-empty queue not signalled")
	}

	q.GetNextServerID()
	select {
	case <-q.NonEmpty():
		t.Fatal("drained queue still signalled")
	default:
	}
}

func TestWigglerMetricsPersistAndRestore(t *testing.T) {
	store := kvstoretest.New()
	ownerID := uuid.New()
	ctx := context.Background()

	w := New(store, ownerID)
	now := time.Unix(1000, 0)
	w.Now = func() time.Time { return now }

	w.AddServer(idFor(1), StorageMetadata{CreatedTime: 1})
	require.NoError(t, w.StartWiggle(ctx))

	_, ok := w.GetNextServerID()
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	require.NoError(t, w.FinishWiggle(ctx))

	m := w.Metrics()
	assert.Equal(t, 1, m.FinishedWiggles)
	assert.Equal(t, 1, m.FinishedRounds) // queue drained, round closed
	assert.Equal(t, 30*time.Second, m.SmoothedWiggleDuration)

	// A fresh wiggler for the same owner reads the same metrics back.
	w2 := New(store, ownerID)
	require.NoError(t, w2.RestoreStats(ctx))
	restored := w2.Metrics()
	assert.Equal(t, m.FinishedWiggles, restored.FinishedWiggles)
	assert.Equal(t, m.FinishedRounds, restored.FinishedRounds)
	assert.Equal(t, m.SmoothedWiggleDuration, restored.SmoothedWiggleDuration)
	assert.True(t, m.LastWiggleFinish.Equal(restored.LastWiggleFinish))
}

func TestWigglerResetKeepsSmoothedDurations(t *testing.T) {
	store := kvstoretest.New()
	ctx := context.Background()

	w := New(store, uuid.New())
	now := time.Unix(2000, 0)
	w.Now = func() time.Time { return now }

	w.AddServer(idFor(1), StorageMetadata{CreatedTime: 1})
	require.NoError(t, w.StartWiggle(ctx))
	w.GetNextServerID()
	now = now.Add(time.Minute)
	require.NoError(t, w.FinishWiggle(ctx))

	require.NoError(t, w.ResetStats(ctx))
	m := w.Metrics()
	assert.Equal(t, 0, m.FinishedWiggles)
	assert.True(t, m.LastWiggleStart.IsZero())
	assert.Equal(t, time.Minute, m.SmoothedWiggleDuration)
	assert.Equal(t, time.Minute, m.SmoothedRoundDuration)
}
