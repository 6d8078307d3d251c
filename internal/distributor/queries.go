package distributor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/kakaiu/foundationdb/internal/pipeline"
	"github.com/kakaiu/foundationdb/internal/snapshot"
)

// SetTopology wires the snapshot-capable worker topology; until set, snap
// requests fail with operation_failed.
func (s *Supervisor) SetTopology(t snapshot.Topology) { s.topology = t }

// SnapCreate serves one operator snapshot request against the live
// cluster, holding the enable flag for the duration.
func (s *Supervisor) SnapCreate(ctx context.Context, uid uuid.UUID, payload string, dbInfoChanged <-chan struct{}) error {
	if s.topology == nil {
		return fmt.Errorf("%w: no snapshot topology configured", ddserr.ErrOperationFailed)
	}
	o := snapshot.NewOrchestrator(s.store, s.topology, snapshot.Config{
		StorageTeamSize:                      s.knobs.StorageTeamSize,
		MaxStorageSnapshotFaultTolerance:     s.knobs.MaxStorageSnapshotFaultTolerance,
		MaxCoordinatorSnapshotFaultTolerance: s.knobs.MaxCoordinatorSnapshotFaultTolerance,
		WaitMultiplier:                       s.knobs.SnapshotWaitMultiplier,
	})
	return snapshot.DDSnapCreate(ctx, o, s.enable, snapshot.Request{UID: uid, Payload: payload}, dbInfoChanged, s.knobs.SnapCreateMaxTimeout)
}

// MetricsResult is the metrics RPC's payload: either the per-shard list
// or just the median size.
type MetricsResult struct {
	Shards       []pipeline.ShardMetrics
	MidShardSize int64
}

// Metrics returns shard metrics for r, or only the median shard size when
// midOnly is set.
func (s *Supervisor) Metrics(r model.KeyRange, limit int, midOnly bool) (MetricsResult, error) {
	state := s.getLive()
	if state == nil {
		return MetricsResult{}, fmt.Errorf("%w: pipeline not running", ddserr.ErrBrokenPromise)
	}
	metrics := state.tracker.Metrics(r, limit)
	if !midOnly {
		return MetricsResult{Shards: metrics}, nil
	}
	if len(metrics) == 0 {
		return MetricsResult{}, nil
	}
	sizes := make([]int64, len(metrics))
	for i, m := range metrics {
		sizes[i] = m.ShardBytes
	}
	return MetricsResult{MidShardSize: nthElement(sizes, len(sizes)/2)}, nil
}

// nthElement selects the n-th smallest value without fully sorting,
// quickselect over a scratch copy.
func nthElement(values []int64, n int) int64 {
	v := append([]int64(nil), values...)
	lo, hi := 0, len(v)-1
	for lo < hi {
		pivot := v[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for v[i] < pivot {
				i++
			}
			for v[j] > pivot {
				j--
			}
			if i <= j {
				v[i], v[j] = v[j], v[i]
				i++
				j--
			}
		}
		if n <= j {
			hi = j
		} else if n >= i {
			lo = i
		} else {
			break
		}
	}
	return v[n]
}

// CheckExclusion maps the requested address exclusions to server IDs
// through the startup server list and asks each team collection whether
// placement survives without them.
func (s *Supervisor) CheckExclusion(addresses []string) (bool, error) {
	state := s.getLive()
	if state == nil {
		return false, fmt.Errorf("%w: pipeline not running", ddserr.ErrBrokenPromise)
	}
	addrSet := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		addrSet[a] = struct{}{}
	}
	var excluded []model.ServerID
	for _, entry := range state.snapshot.AllServers {
		if _, ok := addrSet[entry.Server.Address]; ok {
			excluded = append(excluded, entry.Server.ID)
		}
	}
	if len(excluded) == 0 {
		return true, nil
	}
	for _, tc := range state.collections {
		if !tc.IsSafeToExclude(excluded) {
			return false, nil
		}
	}
	return true, nil
}

// WigglerStates reports the per-region rotation states, primary first.
func (s *Supervisor) WigglerStates() ([]pipeline.WigglerStatus, error) {
	state := s.getLive()
	if state == nil {
		return nil, fmt.Errorf("%w: pipeline not running", ddserr.ErrBrokenPromise)
	}
	out := make([]pipeline.WigglerStatus, 0, len(state.collections))
	for _, tc := range state.collections {
		out = append(out, tc.WigglerStatus())
	}
	return out, nil
}

// Queue exposes the relocation queue for inspection in tests.
func (s *Supervisor) Queue() *pipeline.RecordingQueue {
	state := s.getLive()
	if state == nil {
		return nil
	}
	return state.queue
}
