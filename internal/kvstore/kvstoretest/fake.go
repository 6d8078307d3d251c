// Package kvstoretest provides an in-memory kvstore.TxnStore for unit
// tests of components built against that interface (movekeyslock,
// initread, snapshot, wiggler persistence), so those tests don't need to
// stand up a real dragonboat replica.
package kvstoretest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kakaiu/foundationdb/internal/kvstore"
)

// Store is a single-process, mutex-guarded ordered map standing in for
// the real transactional keyspace. Every Commit is applied atomically and
// bumps the store's version counter by one.
type Store struct {
	mu      sync.Mutex
	data    map[string][]byte
	version uint64
}

// New creates an empty fake store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

var _ kvstore.TxnStore = (*Store)(nil)

// Begin starts a transaction. Priority is accepted for interface
// compatibility but has no effect here: the fake has no queues to
// prioritize between.
func (s *Store) Begin(_ kvstore.Priority) kvstore.Txn {
	return &txn{store: s}
}

// Seed writes key/value directly, bypassing transactions, for test setup.
func (s *Store) Seed(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	s.version++
}

type writeOp struct {
	clear    bool
	clearEnd []byte
	value    []byte
}

type txn struct {
	store       *Store
	writes      map[string]writeOp
	order       []string
	readVersion uint64
	haveRead    bool
}

var _ kvstore.Txn = (*txn)(nil)

func (t *txn) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.observeVersionLocked()
	v, ok := t.store.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *txn) GetRange(_ context.Context, begin, end []byte, limit int) ([]kvstore.KV, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.observeVersionLocked()

	keys := make([]string, 0, len(t.store.data))
	for k := range t.store.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []kvstore.KV
	more := false
	for _, k := range keys {
		kb := []byte(k)
		if bytes.Compare(kb, begin) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			break
		}
		if limit > 0 && len(out) >= limit {
			more = true
			break
		}
		out = append(out, kvstore.KV{Key: kb, Value: append([]byte(nil), t.store.data[k]...)})
	}
	return out, more, nil
}

func (t *txn) observeVersionLocked() {
	if !t.haveRead {
		t.readVersion = t.store.version
		t.haveRead = true
	}
}

func (t *txn) Set(key, value []byte) {
	t.ensureWrites()
	k := string(key)
	if _, exists := t.writes[k]; !exists {
		t.order = append(t.order, k)
	}
	t.writes[k] = writeOp{value: append([]byte(nil), value...)}
}

func (t *txn) Clear(key []byte) {
	t.ensureWrites()
	k := string(key)
	if _, exists := t.writes[k]; !exists {
		t.order = append(t.order, k)
	}
	t.writes[k] = writeOp{clear: true}
}

func (t *txn) ClearRange(begin, end []byte) {
	t.ensureWrites()
	k := string(begin) + "\x00range"
	t.order = append(t.order, k)
	t.writes[k] = writeOp{clear: true, clearEnd: append([]byte(nil), end...), value: append([]byte(nil), begin...)}
}

func (t *txn) ensureWrites() {
	if t.writes == nil {
		t.writes = make(map[string]writeOp)
	}
}

func (t *txn) Commit(_ context.Context) (uint64, error) {
	if len(t.order) == 0 {
		return 0, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, k := range t.order {
		op := t.writes[k]
		switch {
		case op.clearEnd != nil || (op.clear && len(op.value) > 0):
			begin := op.value
			end := op.clearEnd
			for dk := range t.store.data {
				dkb := []byte(dk)
				if bytes.Compare(dkb, begin) >= 0 && (end == nil || bytes.Compare(dkb, end) < 0) {
					delete(t.store.data, dk)
				}
			}
		case op.clear:
			delete(t.store.data, k)
		default:
			t.store.data[k] = op.value
		}
	}
	t.store.version++
	return t.store.version, nil
}

func (t *txn) ReadVersion() uint64 { return t.readVersion }

// Dump returns a sorted snapshot of all keys, for assertions.
func (s *Store) Dump() []kvstore.KV {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kvstore.KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, kvstore.KV{Key: []byte(k), Value: s.data[k]})
	}
	return out
}

func (s *Store) String() string {
	return fmt.Sprintf("kvstoretest.Store{%d keys, version %d}", len(s.data), s.version)
}
