package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMoreResults is the error callers wrap when a range read they expected
// to fit in one page came back truncated. Truncation of a table read is an
// invariant violation, never silently accepted.
var ErrMoreResults = errors.New("kvstore: range read truncated (more results available)")

// Transaction is a single read/write unit against the Store. Reads are
// served immediately (each a linearizable SyncRead against the current
// applied state); writes are buffered and applied atomically by Commit,
// which proposes them as one batch through the Raft log. Full optimistic
// MVCC conflict detection is not implemented; no component here depends
// on it, since writes are serialized through one log.
type Transaction struct {
	store    *Store
	priority Priority
	writes   []op

	// readVersion is set on the transaction's first read and surfaced to
	// callers that record what version their snapshot was consistent at.
	readVersion uint64
	haveRead    bool
}

// NewTransaction begins a transaction at the given priority.
func (s *Store) NewTransaction(priority Priority) *Transaction {
	return &Transaction{store: s, priority: priority}
}

// ReadVersion returns the version this transaction observed on its first
// read, or 0 if it has not read anything yet.
func (t *Transaction) ReadVersion() uint64 { return t.readVersion }

// Get reads a single key. Returns (nil, false, nil) if absent.
func (t *Transaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	res, err := t.query(ctx, &Query{Get: key})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// GetRange reads up to limit key/value pairs in [begin, end), returning
// whether the store had more to give beyond limit.
func (t *Transaction) GetRange(ctx context.Context, begin, end []byte, limit int) ([]KV, bool, error) {
	res, err := t.query(ctx, &Query{RangeBegin: begin, RangeEnd: end, RangeLimit: limit})
	if err != nil {
		return nil, false, err
	}
	return res.Range, res.More, nil
}

func (t *Transaction) query(ctx context.Context, q *Query) (*QueryResult, error) {
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	raw, err := t.store.nh.SyncRead(rctx, shardID, q)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read: %w", err)
	}
	res, ok := raw.(*QueryResult)
	if !ok {
		return nil, fmt.Errorf("kvstore: unexpected read result type %T", raw)
	}
	if !t.haveRead {
		t.readVersion = res.ReadVersion
		t.haveRead = true
	}
	return res, nil
}

// Set buffers a key/value write.
func (t *Transaction) Set(key, value []byte) {
	t.writes = append(t.writes, op{Type: opSet, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

// Clear buffers a single-key delete.
func (t *Transaction) Clear(key []byte) {
	t.writes = append(t.writes, op{Type: opClear, Key: append([]byte(nil), key...)})
}

// ClearRange buffers a [begin, end) delete.
func (t *Transaction) ClearRange(begin, end []byte) {
	t.writes = append(t.writes, op{Type: opClearRange, Key: append([]byte(nil), begin...), End: append([]byte(nil), end...)})
}

// Commit proposes the buffered writes as a single atomic batch and
// returns the commit version (the Raft index it applied at). A
// transaction with no buffered writes commits as a no-op, version 0.
func (t *Transaction) Commit(ctx context.Context) (uint64, error) {
	if len(t.writes) == 0 {
		return 0, nil
	}
	cmd, err := json.Marshal(batch{Ops: t.writes})
	if err != nil {
		return 0, err
	}
	pctx, cancel := context.WithTimeout(ctx, proposeTimeout)
	defer cancel()
	session := t.store.nh.GetNoOPSession(shardID)
	res, err := t.store.nh.SyncPropose(pctx, session, cmd)
	if err != nil {
		return 0, fmt.Errorf("kvstore: commit: %w", err)
	}
	return res.Value, nil
}

// Reset clears buffered writes and the observed read version, the "all
// partial state cleared on retry" step the initial-state reader's Phase 1
// requires between retries of the same logical transaction.
func (t *Transaction) Reset() {
	t.writes = nil
	t.readVersion = 0
	t.haveRead = false
}

// RunTransaction retries fn against a fresh Transaction until it returns a
// nil error, bounded by maxAttempts. This kvstore has no distinct
// conflict-error class (writes never conflict; they are serialized through
// the Raft log), so the only errors worth retrying are transient
// proposal/read failures and a simple bounded retry suffices.
func RunTransaction(ctx context.Context, store TxnStore, priority Priority, maxAttempts int, fn func(Txn) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := store.Begin(priority)
		if err := fn(txn); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kvstore: transaction failed after %d attempts: %w", maxAttempts, lastErr)
}
