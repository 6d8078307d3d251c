// Package pipeline holds the distributor's downstream collaborators as
// named interfaces — the shard tracker, the relocation queue, the
// team collections, and the monitors — together with in-memory
// implementations rich enough to run the supervisor end to end. The
// placement policy these components would carry in a full deployment is
// intentionally not implemented here.
package pipeline

import (
	"context"
	"sync"

	"github.com/kakaiu/foundationdb/internal/model"
)

// Relocation priorities, higher is more urgent.
const (
	PriorityRecoverMove   = 110
	PriorityTeamUnhealthy = 700
)

// RelocateShard is one unit of work on the relocation stream: move (or
// cancel moving) the given range.
type RelocateShard struct {
	Range    model.KeyRange
	Priority int

	// MoveID and Move carry the persisted data-move record when the
	// relocation restarts or cancels one; MoveID is Anonymous otherwise.
	MoveID model.MoveID
	Move   *model.DataMove

	// Cancelled requests cancellation of the move rather than completion.
	Cancelled bool
}

// RelocationSender delivers relocations to the queue, either directly on
// the stream or through the event buffer depending on configuration. The
// stream is FIFO with a single consumer.
type RelocationSender struct {
	out chan RelocateShard

	// buffered selects the event-buffer path. The direct path below it
	// remains in place; this flag chooses which one runs.
	buffered bool
	buf      *EventBuffer
}

// NewRelocationSender builds a sender with the given stream capacity.
// When buffered is set, sends route through an EventBuffer that drains
// into the stream; otherwise they go straight to the stream.
func NewRelocationSender(capacity int, buffered bool) *RelocationSender {
	s := &RelocationSender{out: make(chan RelocateShard, capacity), buffered: buffered}
	if buffered {
		s.buf = NewEventBuffer(s.out)
	}
	return s
}

// Send enqueues rs. On the direct path it blocks while the stream is
// full; the buffered path never blocks.
func (s *RelocationSender) Send(ctx context.Context, rs RelocateShard) error {
	if s.buffered {
		return s.buf.Send(ctx, rs)
	}
	// Direct path.
	select {
	case s.out <- rs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream returns the consumer end.
func (s *RelocationSender) Stream() <-chan RelocateShard { return s.out }

// Run drains the event buffer when the buffered path is selected; it is a
// no-op otherwise.
func (s *RelocationSender) Run(ctx context.Context) error {
	if !s.buffered {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.buf.Run(ctx)
}

// EventBuffer decouples relocation producers from the stream consumer: an
// unbounded in-memory queue drained by its own goroutine, preserving FIFO
// order.
type EventBuffer struct {
	mu      sync.Mutex
	pending []RelocateShard
	signal  chan struct{}
	out     chan<- RelocateShard
}

// NewEventBuffer creates a buffer draining into out.
func NewEventBuffer(out chan<- RelocateShard) *EventBuffer {
	return &EventBuffer{signal: make(chan struct{}, 1), out: out}
}

// Send appends rs to the buffer. It never blocks on the consumer.
func (b *EventBuffer) Send(_ context.Context, rs RelocateShard) error {
	b.mu.Lock()
	b.pending = append(b.pending, rs)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the buffer into the output stream until ctx is cancelled.
func (b *EventBuffer) Run(ctx context.Context) error {
	for {
		b.mu.Lock()
		var next *RelocateShard
		if len(b.pending) > 0 {
			rs := b.pending[0]
			b.pending = b.pending[1:]
			next = &rs
		}
		b.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.signal:
				continue
			}
		}
		select {
		case b.out <- *next:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
