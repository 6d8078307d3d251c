package model

// MoveMeta is the persisted header of a data move.
type MoveMeta struct {
	ID       MoveID
	Range    KeyRange
	Src      []ServerID
	Dest     []ServerID
	Priority int
}

// DataMove is a persisted record describing a planned or in-progress
// transfer of a key range from a source team to a destination team.
//
// Invariant: a valid DataMove's range must contain every DDShardInfo range
// it is associated with; the shard's DestID must equal Meta.ID; the
// shard's dest sets must be subsets of the move's dest sets. Any violation
// marks the move Cancelled and emits a structured error event (see
// internal/initread.validateShard).
type DataMove struct {
	Meta MoveMeta

	PrimarySrc  []ServerID
	RemoteSrc   []ServerID
	PrimaryDest []ServerID
	RemoteDest  []ServerID

	Valid     bool
	Cancelled bool
}

// ContainsAllOf reports whether every id in subset appears in superset,
// used to check DDShardInfo dest sets against a DataMove's dest sets.
func ContainsAllOf(superset, subset []ServerID) bool {
	if len(subset) == 0 {
		return true
	}
	set := make(map[ServerID]struct{}, len(superset))
	for _, id := range superset {
		set[id] = struct{}{}
	}
	for _, id := range subset {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
