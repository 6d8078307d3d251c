package model

// DDShardInfo is the unit of placement: a shard described by the key range
// running from Key to the next shard's Key, together with the data-move
// identifiers and teams currently responsible for it.
//
// Invariant: SrcID is never Anonymous for shards produced by the initial
// reader when move metadata is present; DestID == Anonymous iff HasDest ==
// false, or the move predates structured metadata.
type DDShardInfo struct {
	Key Key

	SrcID  MoveID
	DestID MoveID

	PrimarySrc  []ServerID
	RemoteSrc   []ServerID
	PrimaryDest []ServerID
	RemoteDest  []ServerID

	HasDest bool
}

// IsSentinel reports whether this shard is the terminating sentinel at
// AllKeys.End, carrying no team or move information.
func (s DDShardInfo) IsSentinel() bool {
	return s.SrcID == Anonymous && s.DestID == Anonymous && !s.HasDest &&
		len(s.PrimarySrc) == 0 && len(s.RemoteSrc) == 0
}

// SourceTeamSizeMismatch reports whether any source team's size differs
// from wantSize, used by the supervisor to pick recover-move priority.
func (s DDShardInfo) SourceTeamSizeMismatch(wantSize int) bool {
	return len(s.PrimarySrc) != wantSize || (len(s.RemoteSrc) != 0 && len(s.RemoteSrc) != wantSize)
}
