package pipeline

import (
	"sort"
	"sync"

	"github.com/kakaiu/foundationdb/internal/model"
)

// Team is one region's replica set for a shard.
type Team struct {
	Servers []model.ServerID
	Primary bool
}

// ShardsAffectedByTeamFailure tracks which teams serve which ranges, the
// mapping team-failure handling consults to find the ranges a dead team
// strands. The supervisor seeds it from the startup snapshot; the tracker
// and queue in this package do not update it as moves complete.
type ShardsAffectedByTeamFailure struct {
	mu      sync.RWMutex
	entries []shardEntry
}

type shardEntry struct {
	r     model.KeyRange
	teams []Team
}

// NewShardsAffectedByTeamFailure creates an empty mapping.
func NewShardsAffectedByTeamFailure() *ShardsAffectedByTeamFailure {
	return &ShardsAffectedByTeamFailure{}
}

// DefineShard sets the teams serving r, replacing any previous definition
// of exactly r. Definitions are kept sorted by range begin.
func (s *ShardsAffectedByTeamFailure) DefineShard(r model.KeyRange, teams []Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if keyEqual(s.entries[i].r.Begin, r.Begin) && keyEqual(s.entries[i].r.End, r.End) {
			s.entries[i].teams = teams
			return
		}
	}
	idx := sort.Search(len(s.entries), func(i int) bool {
		return !model.KeyLess(s.entries[i].r.Begin, r.Begin)
	})
	s.entries = append(s.entries, shardEntry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = shardEntry{r: r, teams: teams}
}

// MoveShard adds the destination teams of a move in flight to every
// defined range overlapping r, keeping the source teams alongside until the
// move completes. When no defined range overlaps r, r is added with the
// destination teams only.
func (s *ShardsAffectedByTeamFailure) MoveShard(r model.KeyRange, destTeams []Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.entries {
		e := s.entries[i].r
		if (e.End == nil || model.KeyLess(r.Begin, e.End)) && (r.End == nil || model.KeyLess(e.Begin, r.End)) {
			s.entries[i].teams = append(s.entries[i].teams, destTeams...)
			found = true
		}
	}
	if found {
		return
	}
	s.entries = append(s.entries, shardEntry{r: r, teams: destTeams})
	sort.Slice(s.entries, func(i, j int) bool {
		return model.KeyLess(s.entries[i].r.Begin, s.entries[j].r.Begin)
	})
}

// TeamsFor returns the teams covering the range containing k.
func (s *ShardsAffectedByTeamFailure) TeamsFor(k model.Key) []Team {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.r.Contains(k) {
			return e.teams
		}
	}
	return nil
}

// Ranges calls fn for every defined range in key order; fn returning
// false stops the walk.
func (s *ShardsAffectedByTeamFailure) Ranges(fn func(r model.KeyRange, teams []Team) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if !fn(e.r, e.teams) {
			return
		}
	}
}

// Len returns the number of defined ranges.
func (s *ShardsAffectedByTeamFailure) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func keyEqual(a, b model.Key) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return !model.KeyLess(a, b) && !model.KeyLess(b, a)
}
