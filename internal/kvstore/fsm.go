package kvstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// opType is the kind of mutation carried by a replicated batch entry.
type opType int

const (
	opSet opType = iota
	opClear
	opClearRange
)

// op is one mutation within a committed Transaction.
type op struct {
	Type  opType `json:"type"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
	End   []byte `json:"end,omitempty"` // exclusive, for opClearRange
}

// batch is the unit proposed to the Raft log by Transaction.Commit: every
// write a transaction buffered, applied atomically.
type batch struct {
	Ops []op `json:"ops"`
}

// Query is the read-side counterpart, dispatched via NodeHost.SyncRead so
// reads go through the same linearizable state as commits.
type Query struct {
	Get         []byte `json:"get,omitempty"`
	RangeBegin  []byte `json:"range_begin,omitempty"`
	RangeEnd    []byte `json:"range_end,omitempty"`
	RangeLimit  int    `json:"range_limit,omitempty"`
	CurrentSize bool   `json:"current_size,omitempty"`
}

// KV is a single key/value pair returned from a range read.
type KV struct {
	Key   []byte
	Value []byte
}

// QueryResult is what fsm.Lookup returns for a Query: the value (if a
// point Get), the range page plus a "more" flag for truncated pages, and
// the applied index at the time of the read, which stands in for a
// transaction's read version.
type QueryResult struct {
	Value       []byte
	Found       bool
	Range       []KV
	More        bool
	ReadVersion uint64
}

// appliedIndexKey is the local metadata key the FSM persists its last
// applied Raft index under, outside the \xff system keyspace so no table
// scan ever sees it. An on-disk state machine must report this index from
// Open so the log replays only what pebble has not yet applied.
var appliedIndexKey = []byte("\x01/appliedIndex")

// FSM is the dragonboat on-disk state machine backing the keyspace. It
// applies committed batches into a pebble instance and serves Lookup
// queries from the same applied state.
type FSM struct {
	db           *pebble.DB
	appliedIndex uint64
}

var _ sm.IOnDiskStateMachine = (*FSM)(nil)

// NewFSM opens (or creates) the pebble database at dir.
func NewFSM(dir string) (*FSM, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open pebble at %s: %w", dir, err)
	}
	return &FSM{db: db}, nil
}

// Open reports the index of the last entry pebble already holds, so the
// Raft log replays from there.
func (f *FSM) Open(stopc <-chan struct{}) (uint64, error) {
	v, closer, err := f.db.Get(appliedIndexKey)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kvstore: read applied index: %w", err)
	}
	defer closer.Close()
	var idx uint64
	if err := json.Unmarshal(v, &idx); err != nil {
		return 0, fmt.Errorf("kvstore: decode applied index: %w", err)
	}
	f.appliedIndex = idx
	return idx, nil
}

// Update applies a sequence of committed batches. Each entry's batch and
// the new applied index land in one pebble write batch, so a crash can
// never leave the index ahead of the data.
func (f *FSM) Update(entries []sm.Entry) ([]sm.Entry, error) {
	for i, entry := range entries {
		var b batch
		if err := json.Unmarshal(entry.Cmd, &b); err != nil {
			return nil, fmt.Errorf("kvstore: unmarshal batch: %w", err)
		}
		wb := f.db.NewBatch()
		for _, o := range b.Ops {
			switch o.Type {
			case opSet:
				if err := wb.Set(o.Key, o.Value, nil); err != nil {
					return nil, err
				}
			case opClear:
				if err := wb.Delete(o.Key, nil); err != nil {
					return nil, err
				}
			case opClearRange:
				if err := wb.DeleteRange(o.Key, o.End, nil); err != nil {
					return nil, err
				}
			}
		}
		idx, err := json.Marshal(entry.Index)
		if err != nil {
			return nil, err
		}
		if err := wb.Set(appliedIndexKey, idx, nil); err != nil {
			return nil, err
		}
		if err := f.db.Apply(wb, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("kvstore: apply batch: %w", err)
		}
		f.appliedIndex = entry.Index
		entries[i].Result = sm.Result{Value: entry.Index}
	}
	return entries, nil
}

// Lookup serves a Query against the current pebble state.
func (f *FSM) Lookup(query interface{}) (interface{}, error) {
	q, ok := query.(*Query)
	if !ok {
		return nil, fmt.Errorf("kvstore: unexpected query type %T", query)
	}
	result := &QueryResult{ReadVersion: f.appliedIndex}

	if q.Get != nil {
		v, closer, err := f.db.Get(q.Get)
		if err == pebble.ErrNotFound {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result.Found = true
		result.Value = append([]byte(nil), v...)
		closer.Close()
		return result, nil
	}

	if q.RangeBegin != nil {
		iter, err := f.db.NewIter(&pebble.IterOptions{LowerBound: q.RangeBegin, UpperBound: q.RangeEnd})
		if err != nil {
			return nil, err
		}
		defer iter.Close()

		limit := q.RangeLimit
		for iter.First(); iter.Valid(); iter.Next() {
			if limit > 0 && len(result.Range) >= limit {
				result.More = true
				break
			}
			result.Range = append(result.Range, KV{
				Key:   append([]byte(nil), iter.Key()...),
				Value: append([]byte(nil), iter.Value()...),
			})
		}
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return result, nil
	}

	return result, nil
}

// Sync makes everything applied so far durable.
func (f *FSM) Sync() error {
	return f.db.Flush()
}

// PrepareSnapshot pins the current pebble state; SaveSnapshot streams
// from this pin so concurrent Updates don't leak into the snapshot.
func (f *FSM) PrepareSnapshot() (interface{}, error) {
	return f.db.NewSnapshot(), nil
}

// SaveSnapshot streams every key/value pair of the pinned state out as
// newline-delimited JSON, in key order, so RecoverFromSnapshot can replay
// them in the same order.
func (f *FSM) SaveSnapshot(ctx interface{}, w io.Writer, done <-chan struct{}) error {
	snap, ok := ctx.(*pebble.Snapshot)
	if !ok {
		return fmt.Errorf("kvstore: unexpected snapshot context type %T", ctx)
	}
	defer snap.Close()

	iter, err := snap.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	enc := json.NewEncoder(w)
	for iter.First(); iter.Valid(); iter.Next() {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		if err := enc.Encode(KV{Key: iter.Key(), Value: iter.Value()}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// RecoverFromSnapshot replaces the pebble contents with the streamed
// snapshot: delete everything currently present, then replay entries.
// The applied-index key rides along inside the stream like any other key.
func (f *FSM) RecoverFromSnapshot(r io.Reader, done <-chan struct{}) error {
	if err := f.db.DeleteRange([]byte{0x00}, []byte{0xff, 0xff}, pebble.Sync); err != nil {
		return err
	}
	dec := json.NewDecoder(r)
	wb := f.db.NewBatch()
	count := 0
	for {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		var kv KV
		if err := dec.Decode(&kv); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if err := wb.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
		count++
		if count%1000 == 0 {
			if err := f.db.Apply(wb, pebble.Sync); err != nil {
				return err
			}
			wb = f.db.NewBatch()
		}
	}
	if err := f.db.Apply(wb, pebble.Sync); err != nil {
		return err
	}
	return f.refreshAppliedIndex()
}

func (f *FSM) refreshAppliedIndex() error {
	v, closer, err := f.db.Get(appliedIndexKey)
	if err == pebble.ErrNotFound {
		f.appliedIndex = 0
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(v, &f.appliedIndex)
}

// Close closes the backing pebble database.
func (f *FSM) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}
