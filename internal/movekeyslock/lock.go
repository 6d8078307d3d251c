// Package movekeyslock implements the move-keys lock: the cluster-wide
// lease identifying the active distributor, acquired once at startup and
// polled read-only for the life of the supervisor.
package movekeyslock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/kvstore"
)

// DefaultPollInterval is how often Poll re-verifies ownership.
const DefaultPollInterval = 5 * time.Second

// record is the persisted (owner, epoch) pair at
// moveKeysLockOwnerKey/moveKeysLockWriteKey.
type record struct {
	Owner uuid.UUID `json:"owner"`
	Epoch uint64    `json:"epoch"`
}

// Lock is this process's handle on the move-keys lock.
type Lock struct {
	store        kvstore.TxnStore
	ownerID      uuid.UUID
	pollInterval time.Duration

	epoch uint64
}

// New creates a Lock identified by ownerID (this DD instance's identity).
// A zero pollInterval uses DefaultPollInterval.
func New(store kvstore.TxnStore, ownerID uuid.UUID, pollInterval time.Duration) *Lock {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Lock{store: store, ownerID: ownerID, pollInterval: pollInterval}
}

// Acquire writes this process as the lock owner with a monotonically
// advancing epoch, under a system-priority transaction.
func (l *Lock) Acquire(ctx context.Context) error {
	return kvstore.RunTransaction(ctx, l.store, kvstore.PrioritySystem, 5, func(txn kvstore.Txn) error {
		var cur record
		if raw, found, err := txn.Get(ctx, kvstore.MoveKeysLockWriteKey); err != nil {
			return err
		} else if found {
			if err := kvstore.DecodeJSON(raw, &cur); err != nil {
				return fmt.Errorf("movekeyslock: decode lock record: %w", err)
			}
		}

		next := record{Owner: l.ownerID, Epoch: cur.Epoch + 1}
		encoded, err := kvstore.EncodeJSON(next)
		if err != nil {
			return err
		}
		txn.Set(kvstore.MoveKeysLockOwnerKey, encoded)
		txn.Set(kvstore.MoveKeysLockWriteKey, encoded)
		if _, err := txn.Commit(ctx); err != nil {
			return err
		}
		l.epoch = next.Epoch
		return nil
	})
}

// Verify reads back the lock, read-only, and fails with
// ddserr.ErrMoveKeysConflict if it no longer names this owner at this
// epoch. The supervisor treats that as another distributor having taken
// over.
func (l *Lock) Verify(ctx context.Context) error {
	txn := l.store.Begin(kvstore.PriorityNormal)
	raw, found, err := txn.Get(ctx, kvstore.MoveKeysLockOwnerKey)
	if err != nil {
		return fmt.Errorf("movekeyslock: read lock: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: lock key absent", ddserr.ErrMoveKeysConflict)
	}
	var cur record
	if err := kvstore.DecodeJSON(raw, &cur); err != nil {
		return fmt.Errorf("movekeyslock: decode lock record: %w", err)
	}
	if cur.Owner != l.ownerID || cur.Epoch != l.epoch {
		return fmt.Errorf("%w: owned by %s epoch %d, expected %s epoch %d",
			ddserr.ErrMoveKeysConflict, cur.Owner, cur.Epoch, l.ownerID, l.epoch)
	}
	return nil
}

// Epoch returns the epoch this lock last successfully acquired.
func (l *Lock) Epoch() uint64 { return l.epoch }

// Poll verifies the lock every pollInterval until ctx is cancelled or a
// mismatch is detected, in which case it returns the mismatch error. It
// runs in its own goroutine alongside the supervisor's pipeline.
func (l *Lock) Poll(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Verify(ctx); err != nil {
				return err
			}
		}
	}
}
