package pipeline

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kakaiu/foundationdb/internal/model"
)

// ShardMetrics is the size accounting the tracker keeps per shard.
type ShardMetrics struct {
	Range      model.KeyRange
	ShardBytes int64
}

// ShardSizeTracker is the collaborator that sizes shards and decides
// splits and merges. Only the surface the supervisor and the metrics RPC
// consume is named here.
type ShardSizeTracker interface {
	Run(ctx context.Context) error
	RestartShardTracker(r model.KeyRange)
	Metrics(r model.KeyRange, limit int) []ShardMetrics
	Teardown(ctx context.Context)
}

// InMemoryTracker is a ShardSizeTracker stub holding synthetic per-shard
// sizes; it tracks which ranges exist but performs no split/merge policy.
type InMemoryTracker struct {
	mu     sync.Mutex
	shards map[string]ShardMetrics

	// cleanupBatch is how many entries are released between yields during
	// phased teardown; Simulated teardown clears in place instead.
	cleanupBatch int
	simulated    bool
}

// NewInMemoryTracker creates a tracker seeded from the startup shard list.
func NewInMemoryTracker(shards []model.DDShardInfo, cleanupBatch int, simulated bool) *InMemoryTracker {
	t := &InMemoryTracker{
		shards:       make(map[string]ShardMetrics),
		cleanupBatch: cleanupBatch,
		simulated:    simulated,
	}
	for i, s := range shards {
		if s.IsSentinel() {
			continue
		}
		end := model.Key(nil)
		if i+1 < len(shards) {
			end = shards[i+1].Key
		}
		r := model.KeyRange{Begin: s.Key, End: end}
		t.shards[string(s.Key)] = ShardMetrics{Range: r}
	}
	return t
}

// Run idles until cancelled, then tears the shard map down.
func (t *InMemoryTracker) Run(ctx context.Context) error {
	<-ctx.Done()
	t.Teardown(context.Background())
	return ctx.Err()
}

// RestartShardTracker re-registers r, the restart step for a shard whose
// move is being recovered.
func (t *InMemoryTracker) RestartShardTracker(r model.KeyRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shards[string(r.Begin)] = ShardMetrics{Range: r}
}

// SetShardBytes records a measured size, for tests and the metrics RPC.
func (t *InMemoryTracker) SetShardBytes(begin model.Key, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.shards[string(begin)]
	if !ok {
		return
	}
	m.ShardBytes = bytes
	t.shards[string(begin)] = m
}

// Metrics returns up to limit shard metrics overlapping r, in key order.
func (t *InMemoryTracker) Metrics(r model.KeyRange, limit int) []ShardMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ShardMetrics, 0, len(t.shards))
	for _, m := range t.shards {
		if r.Contains(m.Range.Begin) || m.Range.Contains(r.Begin) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.KeyLess(out[i].Range.Begin, out[j].Range.Begin) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Teardown releases the shard map. Outside simulation the map is cleared
// in batches with a yield between them, so endpoints still referenced by
// in-flight peers are not all torn down in one step; in simulation it is
// cleared in place.
func (t *InMemoryTracker) Teardown(ctx context.Context) {
	t.mu.Lock()
	if t.simulated {
		t.shards = make(map[string]ShardMetrics)
		t.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(t.shards))
	for k := range t.shards {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	batch := t.cleanupBatch
	if batch <= 0 {
		batch = 100
	}
	for i := 0; i < len(keys); i += batch {
		end := i + batch
		if end > len(keys) {
			end = len(keys)
		}
		t.mu.Lock()
		for _, k := range keys[i:end] {
			delete(t.shards, k)
		}
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// RelocationQueue is the collaborator that executes relocations. The stub
// below consumes the stream and records what it saw.
type RelocationQueue interface {
	Run(ctx context.Context, stream <-chan RelocateShard) error
}

// RecordingQueue consumes relocations and keeps them for inspection; it
// moves no data.
type RecordingQueue struct {
	mu       sync.Mutex
	received []RelocateShard
}

// NewRecordingQueue creates an empty queue stub.
func NewRecordingQueue() *RecordingQueue { return &RecordingQueue{} }

// Run consumes stream until cancellation.
func (q *RecordingQueue) Run(ctx context.Context, stream <-chan RelocateShard) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rs := <-stream:
			q.mu.Lock()
			q.received = append(q.received, rs)
			q.mu.Unlock()
			if rs.Cancelled {
				log.Printf("queue: cancellation for range [%x, %x)", rs.Range.Begin, rs.Range.End)
			}
		}
	}
}

// Received returns a copy of everything consumed so far.
func (q *RecordingQueue) Received() []RelocateShard {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RelocateShard(nil), q.received...)
}
