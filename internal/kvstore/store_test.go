package kvstore

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr reserves an ephemeral port for the replica's Raft endpoint.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, Options{
		NodeHostDir: filepath.Join(base, "raft"),
		RaftAddress: freeAddr(t),
		DataDir:     filepath.Join(base, "keyspace"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Exercises the real dragonboat replica end to end: propose, read back,
// range-scan with truncation, and read-version advancement.
func TestStoreTransactionRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("standing up a Raft replica is too slow for -short")
	}
	store := openTestStore(t)
	ctx := context.Background()

	txn := store.NewTransaction(PrioritySystem)
	mode, err := EncodeJSON(map[string]int{"mode": 1})
	require.NoError(t, err)
	txn.Set(DataDistributionModeKey, mode)

	idA, idB := uuid.New(), uuid.New()
	txn.Set(ServerListKey(idA), []byte(`{"dc":"dc1"}`))
	txn.Set(ServerListKey(idB), []byte(`{"dc":"dc2"}`))
	version, err := txn.Commit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, version)

	read := store.NewTransaction(PriorityNormal)
	raw, found, err := read.Get(ctx, DataDistributionModeKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"mode":1}`, string(raw))
	assert.NotZero(t, read.ReadVersion(), "first read must establish a read version")

	kvs, more, err := read.GetRange(ctx, ServerListPrefix(), PrefixEnd(ServerListPrefix()), 0)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, kvs, 2)

	// A limit below the row count must surface the truncation bit.
	_, more, err = read.GetRange(ctx, ServerListPrefix(), PrefixEnd(ServerListPrefix()), 1)
	require.NoError(t, err)
	assert.True(t, more)
}

func TestStoreClearAndClearRange(t *testing.T) {
	if testing.Short() {
		t.Skip("standing up a Raft replica is too slow for -short")
	}
	store := openTestStore(t)
	ctx := context.Background()

	txn := store.NewTransaction(PrioritySystem)
	txn.Set(HealthyZoneKey, []byte(`{"zone":"z1"}`))
	id := uuid.New()
	txn.Set(ServerListKey(id), []byte(`{}`))
	_, err := txn.Commit(ctx)
	require.NoError(t, err)

	del := store.NewTransaction(PrioritySystem)
	del.Clear(HealthyZoneKey)
	del.ClearRange(ServerListPrefix(), PrefixEnd(ServerListPrefix()))
	_, err = del.Commit(ctx)
	require.NoError(t, err)

	read := store.NewTransaction(PriorityNormal)
	_, found, err := read.Get(ctx, HealthyZoneKey)
	require.NoError(t, err)
	assert.False(t, found)
	kvs, _, err := read.GetRange(ctx, ServerListPrefix(), PrefixEnd(ServerListPrefix()), 0)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestStoreReadVersionAdvances(t *testing.T) {
	if testing.Short() {
		t.Skip("standing up a Raft replica is too slow for -short")
	}
	store := openTestStore(t)
	ctx := context.Background()

	first := store.NewTransaction(PriorityNormal)
	_, _, err := first.Get(ctx, DataDistributionModeKey)
	require.NoError(t, err)
	v1 := first.ReadVersion()

	w := store.NewTransaction(PrioritySystem)
	w.Set(WriteRecoveryKey, []byte(`{}`))
	_, err = w.Commit(ctx)
	require.NoError(t, err)

	second := store.NewTransaction(PriorityNormal)
	_, _, err = second.Get(ctx, WriteRecoveryKey)
	require.NoError(t, err)
	assert.Greater(t, second.ReadVersion(), v1)
}
