package initread

import (
	"fmt"

	"github.com/kakaiu/foundationdb/internal/model"
)

// ValidationReason names the ways a shard and its data-move record can
// disagree.
type ValidationReason string

const (
	ReasonDataMoveMissing      ValidationReason = "DataMoveMissing"
	ReasonShardMissingDest     ValidationReason = "ShardMissingDest"
	ReasonDataMoveIDMissMatch  ValidationReason = "DataMoveIDMissMatch"
	ReasonDataMoveDestMissMatch ValidationReason = "DataMoveDestMissMatch"
)

// ValidationEvent is a single SevError-equivalent emitted by validateShard;
// it is reported but non-fatal — the caller continues with move.Cancelled
// set so the supervisor recovers the range as a cancellation.
type ValidationEvent struct {
	Reason ValidationReason
	Range  model.KeyRange
	Detail string
}

func (e ValidationEvent) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Reason, e.Range, e.Detail)
}

// validateShards runs validateShard over every non-sentinel shard,
// fetching its overlapping DataMove from moves, and returns every event
// raised. Moves found invalid are marked Cancelled in place.
func validateShards(shards []model.DDShardInfo, moves *model.RangeMap[*model.DataMove]) []ValidationEvent {
	var events []ValidationEvent
	for i, shard := range shards {
		if shard.IsSentinel() {
			continue
		}
		end := model.Key(nil)
		if i+1 < len(shards) {
			end = shards[i+1].Key
		}
		r := model.KeyRange{Begin: shard.Key, End: end}

		move, _ := moves.Get(shard.Key)
		if ev := validateShard(shard, r, move); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

// validateShard checks one shard against its overlapping DataMove (nil if
// none). It mutates move's Cancelled field in place when a rule fails.
func validateShard(shard model.DDShardInfo, r model.KeyRange, move *model.DataMove) *ValidationEvent {
	if move == nil {
		if !model.IsAnonymous(shard.DestID) {
			return &ValidationEvent{Reason: ReasonDataMoveMissing, Range: r}
		}
		return nil
	}
	if !move.Valid {
		return nil
	}

	if !shard.HasDest {
		move.Cancelled = true
		return &ValidationEvent{Reason: ReasonShardMissingDest, Range: r}
	}
	if shard.DestID != move.Meta.ID {
		move.Cancelled = true
		return &ValidationEvent{Reason: ReasonDataMoveIDMissMatch, Range: r,
			Detail: fmt.Sprintf("shard.destId=%s move.id=%s", shard.DestID, move.Meta.ID)}
	}
	if !model.ContainsAllOf(move.PrimaryDest, shard.PrimaryDest) || !model.ContainsAllOf(move.RemoteDest, shard.RemoteDest) {
		move.Cancelled = true
		return &ValidationEvent{Reason: ReasonDataMoveDestMissMatch, Range: r}
	}
	return nil
}
