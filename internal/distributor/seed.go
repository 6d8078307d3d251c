package distributor

import (
	"context"
	"fmt"
	"log"

	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/kakaiu/foundationdb/internal/pipeline"
)

// seedPipeline turns the startup snapshot into running pipeline state:
// every shard is defined in the team-failure map, in-flight and broken
// moves become relocations on the stream, and the per-region team
// collections are built over the reconstructed team sets.
func (s *Supervisor) seedPipeline(ctx context.Context, snap *model.InitialDataDistribution, primaryDC string, remoteDCs []string, teamSize int) (*pipelineState, error) {
	shards := pipeline.NewShardsAffectedByTeamFailure()
	sender := pipeline.NewRelocationSender(len(snap.Shards)+16, s.knobs.Framework)
	tracker := pipeline.NewInMemoryTracker(snap.Shards, s.knobs.TrackerCleanupBatch, s.knobs.Simulated)
	queue := pipeline.NewRecordingQueue()

	for i, shard := range snap.Shards {
		if shard.IsSentinel() {
			continue
		}
		end := model.Key(nil)
		if i+1 < len(snap.Shards) {
			end = snap.Shards[i+1].Key
		}
		r := model.KeyRange{Begin: shard.Key, End: end}

		teams := []pipeline.Team{{Servers: shard.PrimarySrc, Primary: true}}
		if len(shard.RemoteSrc) > 0 {
			teams = append(teams, pipeline.Team{Servers: shard.RemoteSrc, Primary: false})
		}
		shards.DefineShard(r, teams)

		// A destination with no move record is a legacy in-flight move;
		// recover it, urgently if a source team is short.
		if shard.HasDest && model.IsAnonymous(shard.DestID) {
			priority := pipeline.PriorityRecoverMove
			if shard.SourceTeamSizeMismatch(teamSize) {
				priority = pipeline.PriorityTeamUnhealthy
			}
			if err := sender.Send(ctx, pipeline.RelocateShard{Range: r, Priority: priority}); err != nil {
				return nil, fmt.Errorf("seed relocation: %w", err)
			}
		}
	}

	for _, entry := range snap.DataMoveMap.Intersecting(model.AllKeys) {
		move := entry.Value
		if move == nil {
			continue
		}
		// A cancelled move, or a valid one persisted while shards are not
		// encoding location metadata, can only be recovered as a
		// cancellation.
		if move.Cancelled || (move.Valid && !s.knobs.ValidateShardLocations) {
			if err := sender.Send(ctx, pipeline.RelocateShard{
				Range:     entry.Range,
				Priority:  pipeline.PriorityRecoverMove,
				MoveID:    move.Meta.ID,
				Move:      move,
				Cancelled: true,
			}); err != nil {
				return nil, fmt.Errorf("seed cancellation: %w", err)
			}
			continue
		}

		tracker.RestartShardTracker(entry.Range)
		destTeams := []pipeline.Team{{Servers: move.PrimaryDest, Primary: true}}
		if len(move.RemoteDest) > 0 {
			destTeams = append(destTeams, pipeline.Team{Servers: move.RemoteDest, Primary: false})
		}
		shards.MoveShard(entry.Range, destTeams)
		if err := sender.Send(ctx, pipeline.RelocateShard{
			Range:    entry.Range,
			Priority: move.Meta.Priority,
			MoveID:   move.Meta.ID,
			Move:     move,
		}); err != nil {
			return nil, fmt.Errorf("seed recover-move: %w", err)
		}
	}

	collections := []*pipeline.StaticTeamCollection{
		pipeline.NewStaticTeamCollection(s.store, s.id, snap.PrimaryTeams, shards, true),
	}
	if len(remoteDCs) > 0 {
		collections = append(collections,
			pipeline.NewStaticTeamCollection(s.store, s.id, snap.RemoteTeams, shards, false))
	}

	return &pipelineState{
		snapshot:    snap,
		shards:      shards,
		tracker:     tracker,
		queue:       queue,
		sender:      sender,
		collections: collections,
		primaryDC:   primaryDC,
		remoteDCs:   remoteDCs,
	}, nil
}

// runPipeline spawns every pipeline actor and blocks until the first one
// fails, the supervisor is halted, or the context ends. Teardown honors a
// pending failed-server removal before returning.
func (s *Supervisor) runPipeline(ctx context.Context, state *pipelineState) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 16)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			} else {
				errCh <- nil
			}
		}()
	}

	spawned := 0
	spawn("lock poller", s.lock.Poll)
	spawned++
	spawn("tracker", state.tracker.Run)
	spawned++
	spawn("queue", func(ctx context.Context) error { return state.queue.Run(ctx, state.sender.Stream()) })
	spawned++
	spawn("relocation sender", state.sender.Run)
	spawned++
	for i, tc := range state.collections {
		spawn(fmt.Sprintf("team collection %d", i), tc.Run)
		spawned++
	}
	if s.knobs.EnableTenantCache {
		spawn("tenant cache", pipeline.NewTenantCacheMonitor(s.store, 0).Run)
		spawned++
	}
	spawn("physical shards", pipeline.NewPhysicalShardMonitor(state.tracker, 0, s.knobs.RemeasurePhysicalShards).Run)
	spawned++
	spawn("cache watcher", pipeline.NewCacheServerWatcher(s.store, 0).Run)
	spawned++

	var firstErr error
	select {
	case <-ctx.Done():
		firstErr = fmt.Errorf("%w: %v", ddserr.ErrActorCancelled, ctx.Err())
	case requester := <-s.halt:
		log.Printf("distributor: halted by %s", requester)
		firstErr = nil
	case err := <-errCh:
		spawned--
		firstErr = err
	}

	cancel()
	for ; spawned > 0; spawned-- {
		<-errCh
	}

	s.handleFailedServerRemoval(state)
	state.tracker.Teardown(context.Background())
	return firstErr
}

// handleFailedServerRemoval honors a pending removeFailedServer request
// during teardown: each region picks a random team and logs it, then the
// server is removed from that collection's in-memory teams and wiggle
// rotation. The failed server's ranges are not reassigned in the
// team-failure map, and its server-list entry in the keyspace is not
// cleared.
func (s *Supervisor) handleFailedServerRemoval(state *pipelineState) {
	select {
	case failed := <-s.removeFailedServer:
		for _, tc := range state.collections {
			if team, ok := tc.RandomHealthyTeam(model.AllKeys); ok {
				log.Printf("distributor: rehoming ranges of failed server %s onto team of %d", failed, len(team))
			}
			tc.RemoveServer(failed)
		}
	default:
	}
}
