package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/kvstore/kvstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu        sync.Mutex
	snapErr   error
	snapCount int
}

func (w *fakeWorker) Snapshot(ctx context.Context, uid uuid.UUID, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapCount++
	return w.snapErr
}

type fakeTLog struct {
	fakeWorker
	mu           sync.Mutex
	disableErr   error
	disableCount int
	enableCount  int
}

func (t *fakeTLog) DisablePop(ctx context.Context, uid uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disableCount++
	return t.disableErr
}

func (t *fakeTLog) EnablePop(ctx context.Context, uid uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enableCount++
	return nil
}

func (t *fakeTLog) enables() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enableCount
}

type fakeTopology struct {
	storage []Worker
	tlogs   []TLog
	coords  []Worker
}

func (f *fakeTopology) StorageWorkers(ctx context.Context) ([]Worker, error) { return f.storage, nil }
func (f *fakeTopology) TLogs(ctx context.Context) ([]TLog, error)           { return f.tlogs, nil }
func (f *fakeTopology) Coordinators(ctx context.Context) ([]Worker, error)  { return f.coords, nil }

func testConfig() Config {
	return Config{
		StorageTeamSize:                      3,
		MaxStorageSnapshotFaultTolerance:     1,
		MaxCoordinatorSnapshotFaultTolerance: 1,
		WaitMultiplier:                       1.0,
	}
}

func newTopology(nStorage, nTLogs, nCoords int) (*fakeTopology, []*fakeTLog, []*fakeWorker) {
	topo := &fakeTopology{}
	tlogs := make([]*fakeTLog, nTLogs)
	for i := range tlogs {
		tlogs[i] = &fakeTLog{}
		topo.tlogs = append(topo.tlogs, tlogs[i])
	}
	storage := make([]*fakeWorker, nStorage)
	for i := range storage {
		storage[i] = &fakeWorker{}
		topo.storage = append(topo.storage, storage[i])
	}
	for i := 0; i < nCoords; i++ {
		topo.coords = append(topo.coords, &fakeWorker{})
	}
	return topo, tlogs, storage
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := kvstoretest.New()
	topo, tlogs, _ := newTopology(3, 2, 3)
	o := NewOrchestrator(store, topo, testConfig())

	require.NoError(t, o.Create(context.Background(), uuid.New(), "snap.sh"))

	for _, tl := range tlogs {
		assert.Equal(t, 1, tl.disableCount)
		assert.Equal(t, 1, tl.enables(), "popping re-enabled exactly once per tlog")
		assert.Equal(t, 1, tl.snapCount)
	}

	// Marker must be cleared at the end.
	txn := store.Begin(kvstore.PriorityNormal)
	_, found, err := txn.Get(context.Background(), kvstore.WriteRecoveryKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOrchestratorStorageFailureWithinTolerance(t *testing.T) {
	store := kvstoretest.New()
	topo, _, storage := newTopology(3, 2, 3)
	storage[0].snapErr = errors.New("disk full")
	o := NewOrchestrator(store, topo, testConfig())

	assert.NoError(t, o.Create(context.Background(), uuid.New(), "snap.sh"))
}

// If storage snapshots fail beyond tolerance after popping was frozen,
// every tlog must see exactly one re-enable before the error propagates.
func TestOrchestratorReenablesPopOnStorageFailure(t *testing.T) {
	store := kvstoretest.New()
	topo, tlogs, storage := newTopology(3, 2, 3)
	storage[0].snapErr = errors.New("disk full")
	storage[1].snapErr = errors.New("disk full")
	o := NewOrchestrator(store, topo, testConfig())

	err := o.Create(context.Background(), uuid.New(), "snap.sh")
	assert.ErrorIs(t, err, ddserr.ErrSnapStorageFailed)

	for _, tl := range tlogs {
		assert.Equal(t, 1, tl.enables(), "popping must be re-enabled exactly once")
	}
}

func TestOrchestratorDisableFailureIsFatal(t *testing.T) {
	store := kvstoretest.New()
	topo, tlogs, _ := newTopology(3, 2, 3)
	tlogs[1].disableErr = errors.New("tlog unreachable")
	o := NewOrchestrator(store, topo, testConfig())

	err := o.Create(context.Background(), uuid.New(), "snap.sh")
	assert.ErrorIs(t, err, ddserr.ErrSnapDisableTLogPopFailed)

	// Partial freeze still rolled back.
	for _, tl := range tlogs {
		assert.Equal(t, 1, tl.enables())
	}
}

type fakeGate struct {
	disabled atomic.Bool
}

func (g *fakeGate) DisableForSnapshot() bool {
	return g.disabled.CompareAndSwap(false, true)
}

func (g *fakeGate) EnableAfterSnapshot() {
	g.disabled.Store(false)
}

func TestDDSnapCreateRefusesConcurrentSnapshot(t *testing.T) {
	store := kvstoretest.New()
	topo, _, _ := newTopology(1, 1, 1)
	o := NewOrchestrator(store, topo, testConfig())
	gate := &fakeGate{}
	gate.disabled.Store(true) // a snapshot is already holding the gate

	err := DDSnapCreate(context.Background(), o, gate, Request{UID: uuid.New()}, nil, time.Second)
	assert.ErrorIs(t, err, ddserr.ErrOperationFailed)
}

func TestDDSnapCreateReleasesGate(t *testing.T) {
	store := kvstoretest.New()
	topo, _, _ := newTopology(1, 1, 1)
	o := NewOrchestrator(store, topo, testConfig())
	gate := &fakeGate{}

	require.NoError(t, DDSnapCreate(context.Background(), o, gate, Request{UID: uuid.New()}, nil, time.Second))
	assert.False(t, gate.disabled.Load(), "gate released after snapshot")
}

func TestDDSnapCreateRecoveryAborts(t *testing.T) {
	store := kvstoretest.New()
	topo, tlogs, storage := newTopology(1, 1, 1)
	block := make(chan struct{})
	storage[0].snapErr = nil
	slow := &slowWorker{block: block}
	topo.storage = []Worker{slow}
	// With a single storage worker, any tolerance above zero would let the
	// quorum complete without it; zero keeps the storage phase blocked.
	cfg := testConfig()
	cfg.MaxStorageSnapshotFaultTolerance = 0
	o := NewOrchestrator(store, topo, cfg)
	gate := &fakeGate{}

	dbInfoChanged := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(dbInfoChanged)
	}()

	err := DDSnapCreate(context.Background(), o, gate, Request{UID: uuid.New()}, dbInfoChanged, 5*time.Second)
	close(block)
	assert.ErrorIs(t, err, ddserr.ErrSnapWithRecoveryUnsupported)
	assert.False(t, gate.disabled.Load())
	assert.Equal(t, 1, tlogs[0].enables(), "cancelled snapshot must re-enable popping")
}

type slowWorker struct {
	block chan struct{}
}

func (w *slowWorker) Snapshot(ctx context.Context, uid uuid.UUID, payload string) error {
	select {
	case <-w.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
