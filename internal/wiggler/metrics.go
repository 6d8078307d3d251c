package wiggler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
)

// smoothingFactor is the weight of history in the exponentially smoothed
// durations: new = factor*old + (1-factor)*sample.
const smoothingFactor = 0.9

// StorageWiggleMetrics records the wiggle/round timestamps and smoothed
// durations, persisted so a restarted distributor resumes mid-round.
type StorageWiggleMetrics struct {
	LastRoundStart  time.Time `json:"last_round_start"`
	LastRoundFinish time.Time `json:"last_round_finish"`

	LastWiggleStart  time.Time `json:"last_wiggle_start"`
	LastWiggleFinish time.Time `json:"last_wiggle_finish"`

	// SmoothedRoundDuration and SmoothedWiggleDuration survive ResetStats.
	SmoothedRoundDuration  time.Duration `json:"smoothed_round_duration"`
	SmoothedWiggleDuration time.Duration `json:"smoothed_wiggle_duration"`

	FinishedRounds  int `json:"finished_rounds"`
	FinishedWiggles int `json:"finished_wiggles"`
}

func smooth(old time.Duration, sample time.Duration) time.Duration {
	if old == 0 {
		return sample
	}
	return time.Duration(smoothingFactor*float64(old) + (1-smoothingFactor)*float64(sample))
}

// Wiggler owns a Queue plus the round/wiggle metrics for one region's
// rotation. Metrics are persisted under the owner's identity on every
// transition.
type Wiggler struct {
	*Queue

	store   kvstore.TxnStore
	ownerID uuid.UUID
	metrics StorageWiggleMetrics

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// New creates a Wiggler whose metrics persist under ownerID (the owning
// team collection's distributor identity).
func New(store kvstore.TxnStore, ownerID uuid.UUID) *Wiggler {
	return &Wiggler{
		Queue:   NewQueue(),
		store:   store,
		ownerID: ownerID,
		Now:     time.Now,
	}
}

// Metrics returns a copy of the current metrics.
func (w *Wiggler) Metrics() StorageWiggleMetrics { return w.metrics }

// ShouldStartNewRound reports whether the last round has finished, so the
// next wiggle opens a fresh round.
func (w *Wiggler) ShouldStartNewRound() bool {
	return !w.metrics.LastRoundFinish.Before(w.metrics.LastRoundStart)
}

// ShouldFinishRound reports whether the queue has drained, meaning the
// wiggle that just completed was the round's last.
func (w *Wiggler) ShouldFinishRound() bool {
	return w.Len() == 0
}

// StartWiggle stamps the start of a single-server wiggle (and of a new
// round if the previous one finished), then persists.
func (w *Wiggler) StartWiggle(ctx context.Context) error {
	now := w.Now()
	if w.ShouldStartNewRound() {
		w.metrics.LastRoundStart = now
	}
	w.metrics.LastWiggleStart = now
	return w.persist(ctx)
}

// FinishWiggle stamps the end of a wiggle, folds its duration into the
// smoothed wiggle duration, and closes the round when the queue is empty.
func (w *Wiggler) FinishWiggle(ctx context.Context) error {
	now := w.Now()
	w.metrics.LastWiggleFinish = now
	w.metrics.FinishedWiggles++
	if d := now.Sub(w.metrics.LastWiggleStart); d > 0 {
		w.metrics.SmoothedWiggleDuration = smooth(w.metrics.SmoothedWiggleDuration, d)
	}
	if w.ShouldFinishRound() {
		w.metrics.LastRoundFinish = now
		w.metrics.FinishedRounds++
		if d := now.Sub(w.metrics.LastRoundStart); d > 0 {
			w.metrics.SmoothedRoundDuration = smooth(w.metrics.SmoothedRoundDuration, d)
		}
	}
	return w.persist(ctx)
}

// ResetStats clears everything except the smoothed durations and persists
// the cleared record.
func (w *Wiggler) ResetStats(ctx context.Context) error {
	w.metrics = StorageWiggleMetrics{
		SmoothedRoundDuration:  w.metrics.SmoothedRoundDuration,
		SmoothedWiggleDuration: w.metrics.SmoothedWiggleDuration,
	}
	return w.persist(ctx)
}

// RestoreStats reads back the persisted metrics, keeping the zero value
// when none were ever written.
func (w *Wiggler) RestoreStats(ctx context.Context) error {
	txn := w.store.Begin(kvstore.PriorityNormal)
	raw, found, err := txn.Get(ctx, kvstore.WigglerMetricsKey(w.ownerID))
	if err != nil {
		return fmt.Errorf("wiggler: read metrics: %w", err)
	}
	if !found {
		return nil
	}
	var m StorageWiggleMetrics
	if err := kvstore.DecodeJSON(raw, &m); err != nil {
		return fmt.Errorf("wiggler: decode metrics: %w", err)
	}
	w.metrics = m
	return nil
}

func (w *Wiggler) persist(ctx context.Context) error {
	encoded, err := kvstore.EncodeJSON(w.metrics)
	if err != nil {
		return err
	}
	return kvstore.RunTransaction(ctx, w.store, kvstore.PriorityNormal, 3, func(txn kvstore.Txn) error {
		txn.Set(kvstore.WigglerMetricsKey(w.ownerID), encoded)
		_, err := txn.Commit(ctx)
		return err
	})
}

// NextServer pops the next wiggle target together with a fresh wiggle
// start stamp, the common path for a team collection running the rotation.
func (w *Wiggler) NextServer(ctx context.Context) (model.ServerID, bool, error) {
	id, ok := w.GetNextServerID()
	if !ok {
		return model.ServerID{}, false, nil
	}
	if err := w.StartWiggle(ctx); err != nil {
		return model.ServerID{}, false, err
	}
	return id, true, nil
}
