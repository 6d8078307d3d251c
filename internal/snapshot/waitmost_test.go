package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPhase = errors.New("phase failed")

// futureAfter yields a Reply after d. The timescale is compressed from
// the seconds in the protocol description to keep the tests fast; the
// ratios are what matter.
func futureAfter(d time.Duration, r Reply) <-chan Reply {
	ch := make(chan Reply, 1)
	go func() {
		time.Sleep(d)
		ch <- r
	}()
	return ch
}

func TestWaitForMostQuorumReturnsBeforeStragglers(t *testing.T) {
	futures := []<-chan Reply{
		futureAfter(10*time.Millisecond, Reply{Present: true}),
		futureAfter(20*time.Millisecond, Reply{Present: true}),
		futureAfter(300*time.Millisecond, Reply{Present: true}),
	}

	start := time.Now()
	replies, err := WaitForMost(context.Background(), futures, 1, errPhase, 0.0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 250*time.Millisecond, "quorum wait should not block on the slow future")
	assert.True(t, replies[0].Present)
	assert.True(t, replies[1].Present)
	assert.False(t, replies[2].Present, "slow future should still be absent")
}

func TestWaitForMostFullWaitCollectsStragglers(t *testing.T) {
	futures := []<-chan Reply{
		futureAfter(10*time.Millisecond, Reply{Present: true}),
		futureAfter(20*time.Millisecond, Reply{Present: true}),
		futureAfter(35*time.Millisecond, Reply{Present: true}),
	}

	replies, err := WaitForMost(context.Background(), futures, 1, errPhase, 1.0)
	require.NoError(t, err)
	assert.True(t, replies[2].Present, "grace period should have collected the slow future")
}

func TestWaitForMostFaultTolerance(t *testing.T) {
	mk := func() []<-chan Reply {
		return []<-chan Reply{
			futureAfter(10*time.Millisecond, Reply{Present: true}),
			futureAfter(20*time.Millisecond, Reply{Present: true}),
			futureAfter(10*time.Millisecond, Reply{Present: false, Err: errors.New("worker down")}),
		}
	}

	_, err := WaitForMost(context.Background(), mk(), 1, errPhase, 0.0)
	assert.NoError(t, err, "one failure within tolerance")

	_, err = WaitForMost(context.Background(), mk(), 0, errPhase, 0.0)
	assert.ErrorIs(t, err, errPhase, "one failure beyond tolerance")
}

func TestWaitForMostInnerErrorCountsAsSuccess(t *testing.T) {
	futures := []<-chan Reply{
		futureAfter(5*time.Millisecond, Reply{Present: true}),
		futureAfter(5*time.Millisecond, Reply{Present: true, Err: errors.New("application-level error")}),
	}
	replies, err := WaitForMost(context.Background(), futures, 0, errPhase, 0.0)
	require.NoError(t, err)
	assert.Error(t, replies[1].Err)
}

func TestWaitForMostEmpty(t *testing.T) {
	replies, err := WaitForMost(context.Background(), nil, 0, errPhase, 1.0)
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestWaitForMostContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	futures := []<-chan Reply{
		futureAfter(time.Second, Reply{Present: true}),
	}
	cancel()
	_, err := WaitForMost(ctx, futures, 0, errPhase, 0.0)
	assert.ErrorIs(t, err, context.Canceled)
}
