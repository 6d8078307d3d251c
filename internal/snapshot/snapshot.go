package snapshot

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/kvstore"
)

// Worker is a snapshot-capable cluster process: a storage server, a
// transaction log, or a coordinator. Snapshot instructs it to take a
// role-local snapshot tagged with the request UID and the operator's
// payload (typically the shell command the worker runs against its files).
type Worker interface {
	Snapshot(ctx context.Context, uid uuid.UUID, payload string) error
}

// TLog is a transaction log worker; beyond snapshotting it can freeze and
// resume popping, which is what makes the cluster-wide snapshot cut
// consistent.
type TLog interface {
	Worker
	DisablePop(ctx context.Context, uid uuid.UUID) error
	EnablePop(ctx context.Context, uid uuid.UUID) error
}

// Topology enumerates the local workers a snapshot must cover. The
// distributor resolves it fresh per request so worker churn between
// snapshots is picked up.
type Topology interface {
	StorageWorkers(ctx context.Context) ([]Worker, error)
	TLogs(ctx context.Context) ([]TLog, error)
	Coordinators(ctx context.Context) ([]Worker, error)
}

// Config bounds the orchestrator's fault tolerance.
type Config struct {
	StorageTeamSize                      int
	MaxStorageSnapshotFaultTolerance     int
	MaxCoordinatorSnapshotFaultTolerance int
	WaitMultiplier                       float64
}

// Orchestrator runs the multi-phase snapshot protocol against a Topology,
// recording progress through the write-recovery marker key.
type Orchestrator struct {
	store    kvstore.TxnStore
	topology Topology
	cfg      Config
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(store kvstore.TxnStore, topology Topology, cfg Config) *Orchestrator {
	return &Orchestrator{store: store, topology: topology, cfg: cfg}
}

// Create runs the full protocol for one snapshot request:
//
//  1. persist the write-recovery marker;
//  2. disable tlog popping everywhere (no failures tolerated);
//  3. snapshot storage workers, tolerating a bounded number of failures;
//  4. snapshot every tlog (no failures tolerated);
//  5. re-enable popping (no failures tolerated);
//  6. snapshot coordinators with quorum-derived tolerance;
//  7. clear the marker.
//
// Any failure in steps 2-4, and any cancellation, triggers a best-effort
// re-enable of tlog popping before the error propagates.
func (o *Orchestrator) Create(ctx context.Context, uid uuid.UUID, payload string) (err error) {
	tlogs, err := o.topology.TLogs(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: resolve tlogs: %w", err)
	}

	if err := o.setWriteRecovery(ctx, uid); err != nil {
		return fmt.Errorf("snapshot: set write-recovery marker: %w", err)
	}

	popDisabled := false
	defer func() {
		// Re-enable exactly once on the error path; the success path
		// flips popDisabled back to false at step 5.
		if popDisabled {
			o.reenablePop(tlogs, uid)
		}
	}()

	// Step 2: freeze popping. All tlogs must comply. popDisabled is set
	// before the requests go out so a partial failure still rolls back
	// the tlogs that did freeze.
	popDisabled = true
	if err := o.forEachTLog(ctx, tlogs, uid, ddserr.ErrSnapDisableTLogPopFailed, TLog.DisablePop); err != nil {
		return err
	}

	// Step 3: storage snapshots, bounded failures.
	storage, err := o.topology.StorageWorkers(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: resolve storage workers: %w", err)
	}
	storageTolerance := o.cfg.MaxStorageSnapshotFaultTolerance
	if max := o.cfg.StorageTeamSize - 1; max < storageTolerance {
		storageTolerance = max
	}
	if storageTolerance < 0 {
		return fmt.Errorf("%w: no storage fault tolerance available", ddserr.ErrSnapStorageFailed)
	}
	if err := o.snapWorkers(ctx, storage, uid, payload, storageTolerance, ddserr.ErrSnapStorageFailed); err != nil {
		return err
	}

	// Step 4: tlog snapshots, no failures tolerated.
	tlogWorkers := make([]Worker, len(tlogs))
	for i, t := range tlogs {
		tlogWorkers[i] = t
	}
	if err := o.snapWorkers(ctx, tlogWorkers, uid, payload, 0, ddserr.ErrSnapTLogFailed); err != nil {
		return err
	}

	// Step 5: resume popping. Past this point the error path must not
	// re-enable again.
	if err := o.forEachTLog(ctx, tlogs, uid, ddserr.ErrSnapEnableTLogPopFailed, TLog.EnablePop); err != nil {
		return err
	}
	popDisabled = false

	// Step 6: coordinators, quorum-derived tolerance.
	coords, err := o.topology.Coordinators(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: resolve coordinators: %w", err)
	}
	coordTolerance := len(coords)/2 - 1
	if coordTolerance < 0 {
		coordTolerance = 0
	}
	if coordTolerance > o.cfg.MaxCoordinatorSnapshotFaultTolerance {
		coordTolerance = o.cfg.MaxCoordinatorSnapshotFaultTolerance
	}
	if err := o.snapWorkers(ctx, coords, uid, payload, coordTolerance, ddserr.ErrSnapCoordFailed); err != nil {
		return err
	}

	if err := o.clearWriteRecovery(ctx); err != nil {
		return fmt.Errorf("snapshot: clear write-recovery marker: %w", err)
	}
	return nil
}

// forEachTLog runs op on every tlog concurrently with zero fault
// tolerance: the first absent reply fails the phase with failErr.
func (o *Orchestrator) forEachTLog(ctx context.Context, tlogs []TLog, uid uuid.UUID, failErr error, op func(TLog, context.Context, uuid.UUID) error) error {
	futures := make([]<-chan Reply, len(tlogs))
	for i, t := range tlogs {
		ch := make(chan Reply, 1)
		futures[i] = ch
		go func(t TLog, ch chan<- Reply) {
			if err := op(t, ctx, uid); err != nil {
				ch <- Reply{Present: false, Err: err}
				return
			}
			ch <- Reply{Present: true}
		}(t, ch)
	}
	_, err := WaitForMost(ctx, futures, 0, failErr, o.cfg.WaitMultiplier)
	return err
}

func (o *Orchestrator) snapWorkers(ctx context.Context, workers []Worker, uid uuid.UUID, payload string, faultTolerance int, failErr error) error {
	futures := make([]<-chan Reply, len(workers))
	for i, w := range workers {
		ch := make(chan Reply, 1)
		futures[i] = ch
		go func(w Worker, ch chan<- Reply) {
			if err := w.Snapshot(ctx, uid, payload); err != nil {
				ch <- Reply{Present: false, Err: err}
				return
			}
			ch <- Reply{Present: true}
		}(w, ch)
	}
	_, err := WaitForMost(ctx, futures, faultTolerance, failErr, o.cfg.WaitMultiplier)
	return err
}

// reenablePop is the error-path recovery: best effort, its own context so
// it still runs when the snapshot's context was cancelled.
func (o *Orchestrator) reenablePop(tlogs []TLog, uid uuid.UUID) {
	ctx := context.Background()
	for _, t := range tlogs {
		if err := t.EnablePop(ctx, uid); err != nil {
			log.Printf("snapshot: failed to re-enable tlog popping for snap %s: %v", uid, err)
		}
	}
}

type writeRecoveryRecord struct {
	SnapUID uuid.UUID `json:"snap_uid"`
}

func (o *Orchestrator) setWriteRecovery(ctx context.Context, uid uuid.UUID) error {
	encoded, err := kvstore.EncodeJSON(writeRecoveryRecord{SnapUID: uid})
	if err != nil {
		return err
	}
	return kvstore.RunTransaction(ctx, o.store, kvstore.PrioritySystem, 3, func(txn kvstore.Txn) error {
		txn.Set(kvstore.WriteRecoveryKey, encoded)
		_, err := txn.Commit(ctx)
		return err
	})
}

func (o *Orchestrator) clearWriteRecovery(ctx context.Context) error {
	return kvstore.RunTransaction(ctx, o.store, kvstore.PrioritySystem, 3, func(txn kvstore.Txn) error {
		txn.Clear(kvstore.WriteRecoveryKey)
		_, err := txn.Commit(ctx)
		return err
	})
}
