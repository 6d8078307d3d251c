package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
)

// cacheServerRecord is the value stored per entry under
// storageCacheServerKeys: the cache server's interface, written by the
// cluster controller when a cache role is recruited.
type cacheServerRecord struct {
	ID      uuid.UUID `json:"id"`
	Address string    `json:"address"`
}

// EncodeCacheServer encodes a storageCacheServer entry, for the tooling
// that registers cache roles and for tests.
func EncodeCacheServer(id model.ServerID, address string) ([]byte, error) {
	return kvstore.EncodeJSON(cacheServerRecord{ID: uuid.UUID(id), Address: address})
}

// CacheServerWatcher keeps the storage-cache-server table honest: it
// rescans the table periodically, tracks the set of known caches, and
// clears the entry of any cache whose process has failed so readers stop
// routing to it.
type CacheServerWatcher struct {
	store    kvstore.TxnStore
	interval time.Duration

	// IsFailed reports whether the cache server at address is gone. The
	// default never fails anything; the process wiring injects the real
	// failure monitor.
	IsFailed func(address string) bool

	mu    sync.Mutex
	known map[model.ServerID]string
}

// NewCacheServerWatcher builds a watcher polling at interval.
func NewCacheServerWatcher(store kvstore.TxnStore, interval time.Duration) *CacheServerWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CacheServerWatcher{
		store:    store,
		interval: interval,
		IsFailed: func(string) bool { return false },
		known:    make(map[model.ServerID]string),
	}
}

// Run rescans until cancelled.
func (w *CacheServerWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				log.Printf("cachewatcher: scan failed: %v", err)
			}
		}
	}
}

// scan reads the whole cache-server table, registers newly appeared
// caches, and clears entries whose servers have failed.
func (w *CacheServerWatcher) scan(ctx context.Context) error {
	prefix := kvstore.StorageCacheServerPrefix()
	txn := w.store.Begin(kvstore.PrioritySystem)
	kvs, more, err := txn.GetRange(ctx, prefix, kvstore.PrefixEnd(prefix), 0)
	if err != nil {
		return err
	}
	if more {
		return fmt.Errorf("storageCacheServer table: %w", kvstore.ErrMoreResults)
	}

	current := make(map[model.ServerID]string, len(kvs))
	w.mu.Lock()
	for _, kv := range kvs {
		var rec cacheServerRecord
		if err := kvstore.DecodeJSON(kv.Value, &rec); err != nil {
			log.Printf("cachewatcher: bad cache-server entry: %v", err)
			continue
		}
		id := model.ServerID(rec.ID)
		current[id] = rec.Address
		if _, seen := w.known[id]; !seen {
			log.Printf("cachewatcher: cache server %s at %s appeared", id, rec.Address)
		}
	}
	w.known = current
	w.mu.Unlock()

	for id, addr := range current {
		if !w.IsFailed(addr) {
			continue
		}
		log.Printf("cachewatcher: cache server %s at %s failed, clearing", id, addr)
		err := kvstore.RunTransaction(ctx, w.store, kvstore.PrioritySystem, 3, func(txn kvstore.Txn) error {
			txn.Clear(kvstore.StorageCacheServerKey(uuid.UUID(id)))
			_, err := txn.Commit(ctx)
			return err
		})
		if err != nil {
			return err
		}
		w.mu.Lock()
		delete(w.known, id)
		w.mu.Unlock()
	}
	return nil
}

// Known returns the cache servers seen on the last scan.
func (w *CacheServerWatcher) Known() map[model.ServerID]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[model.ServerID]string, len(w.known))
	for id, addr := range w.known {
		out[id] = addr
	}
	return out
}
