// Package wiggler implements the storage wiggler: a priority-ordered
// rotation of storage servers targeted for graceful replacement. Servers
// flagged as wiggle-eligible are replaced first; within each class the
// oldest server (smallest metadata CreatedTime) goes first.
package wiggler

import (
	"bytes"
	"container/heap"
	"sync"

	"github.com/kakaiu/foundationdb/internal/model"
)

// StoreType names the storage engine a server runs.
type StoreType string

const (
	StoreTypeBTreeV2   StoreType = "btree_v2"
	StoreTypeMemory    StoreType = "memory"
	StoreTypeRocksDBV1 StoreType = "rocksdb_v1"
)

// StorageMetadata is the per-server metadata the wiggle order is keyed by.
type StorageMetadata struct {
	// CreatedTime is when the server was first recruited, seconds since
	// the epoch.
	CreatedTime float64 `json:"created_time"`

	StoreType StoreType `json:"store_type"`

	// WigglePreferred marks a server the operator wants replaced ahead of
	// the normal rotation (a mismatched storage engine, usually).
	WigglePreferred bool `json:"wiggle_preferred"`
}

type item struct {
	id    model.ServerID
	meta  StorageMetadata
	index int
}

// less is the total wiggle order: preferred servers first, then ascending
// CreatedTime, then server ID bytes so the order is deterministic.
func less(a, b *item) bool {
	if a.meta.WigglePreferred != b.meta.WigglePreferred {
		return a.meta.WigglePreferred
	}
	if a.meta.CreatedTime != b.meta.CreatedTime {
		return a.meta.CreatedTime < b.meta.CreatedTime
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the addressable priority queue of wiggle candidates. Removal
// and metadata updates address entries through an O(1) handle index.
type Queue struct {
	mu    sync.Mutex
	heap  itemHeap
	index map[model.ServerID]*item

	nonEmpty chan struct{} // closed while the queue holds at least one entry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		index:    make(map[model.ServerID]*item),
		nonEmpty: make(chan struct{}),
	}
}

// AddServer inserts id with its metadata. The caller must not add an id
// that is already present; doing so is a programming error and is
// reported back so the bug is not silently absorbed into the order.
func (q *Queue) AddServer(id model.ServerID, meta StorageMetadata) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[id]; exists {
		return false
	}
	it := &item{id: id, meta: meta}
	heap.Push(&q.heap, it)
	q.index[id] = it
	if len(q.heap) == 1 {
		close(q.nonEmpty)
	}
	return true
}

// RemoveServer drops id from the queue. It is idempotent: removing an id
// that was already popped (or never added) is a no-op.
func (q *Queue) RemoveServer(id model.ServerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, it.index)
	delete(q.index, id)
	if len(q.heap) == 0 {
		q.nonEmpty = make(chan struct{})
	}
}

// UpdateMetadata repositions id under new metadata. Unknown ids and
// unchanged metadata are no-ops.
func (q *Queue) UpdateMetadata(id model.ServerID, meta StorageMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[id]
	if !ok || it.meta == meta {
		return
	}
	it.meta = meta
	heap.Fix(&q.heap, it.index)
}

// GetNextServerID pops the head of the queue. ok is false on empty.
func (q *Queue) GetNextServerID() (id model.ServerID, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return model.ServerID{}, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.index, it.id)
	if len(q.heap) == 0 {
		q.nonEmpty = make(chan struct{})
	}
	return it.id, true
}

// Len returns the number of queued servers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// NonEmpty returns a channel that is closed while the queue holds at
// least one entry; callers waiting for work select on it and re-fetch it
// after the queue drains.
func (q *Queue) NonEmpty() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nonEmpty
}
