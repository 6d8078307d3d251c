package distributor

import "sync"

// EnableState is the process-global DD-enable flag with its two
// acknowledged transitions: the operator's persistent mode (mirroring the
// mode key in the keyspace) and the snapshot orchestrator's transient
// hold. Both must be set for the distributor to run normally. Mutations
// go through one mutex so the two writers cannot race.
type EnableState struct {
	mu              sync.Mutex
	operatorEnabled bool
	snapshotEnabled bool
}

// NewEnableState starts fully enabled.
func NewEnableState() *EnableState {
	return &EnableState{operatorEnabled: true, snapshotEnabled: true}
}

// Enabled reports whether both transitions currently allow distribution.
func (s *EnableState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorEnabled && s.snapshotEnabled
}

// SetOperator records the operator-side transition read back from the
// mode key.
func (s *EnableState) SetOperator(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operatorEnabled = enabled
}

// DisableForSnapshot atomically takes the snapshot-side hold. It returns
// false when the hold is already taken, meaning another snapshot is in
// progress.
func (s *EnableState) DisableForSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snapshotEnabled {
		return false
	}
	s.snapshotEnabled = false
	return true
}

// EnableAfterSnapshot releases the snapshot-side hold.
func (s *EnableState) EnableAfterSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotEnabled = true
}
