// Package snapshot implements the cluster-consistent snapshot protocol:
// freeze transaction-log popping, snapshot storage and log workers, then
// coordinators, with bounded fault tolerance at each phase.
package snapshot

import (
	"context"
	"fmt"
	"time"
)

// Reply is one worker's response at the quorum layer. Present=false means
// the worker never produced a result (timed out, dropped, unreachable)
// and counts against the fault tolerance. A present Reply still counts
// toward the quorum even when Err is set; the inner error is the caller's
// to interpret.
type Reply struct {
	Present bool
	Err     error
}

// Failure reports whether this reply counts against the fault tolerance.
func (r Reply) Failure() bool { return !r.Present }

// WaitForMost waits until all but faultTolerance of the futures have
// produced a present Reply. Once the quorum is reached it keeps
// collecting stragglers for waitMultiplier times the elapsed time, then
// returns whatever arrived. If more than faultTolerance futures fail, it
// returns failErr wrapped with the failure count.
//
// The returned slice is indexed like futures; entries that never arrived
// are zero Replies (Present=false).
func WaitForMost(ctx context.Context, futures []<-chan Reply, faultTolerance int, failErr error, waitMultiplier float64) ([]Reply, error) {
	n := len(futures)
	replies := make([]Reply, n)
	if n == 0 {
		return replies, nil
	}

	type indexed struct {
		i int
		r Reply
	}
	arrivals := make(chan indexed, n)
	for i, f := range futures {
		go func(i int, f <-chan Reply) {
			r, ok := <-f
			if !ok {
				r = Reply{} // closed without a value: absent
			}
			arrivals <- indexed{i, r}
		}(i, f)
	}

	start := time.Now()
	need := n - faultTolerance
	successes, failures, received := 0, 0, 0

	// Phase one: wait for the quorum.
	for received < n && successes < need {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case a := <-arrivals:
			replies[a.i] = a.r
			received++
			if a.r.Failure() {
				failures++
				if failures > faultTolerance {
					return replies, fmt.Errorf("%w: %d of %d failed (tolerance %d)", failErr, failures, n, faultTolerance)
				}
			} else {
				successes++
			}
		}
	}
	if received == n {
		return replies, nil
	}

	// Phase two: grace period for stragglers, proportional to how long
	// the quorum took.
	grace := time.Duration(waitMultiplier * float64(time.Since(start)))
	if grace <= 0 {
		return replies, nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for received < n {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-timer.C:
			return replies, nil
		case a := <-arrivals:
			replies[a.i] = a.r
			received++
		}
	}
	return replies, nil
}
