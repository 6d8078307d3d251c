package pipeline

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/model"
	"github.com/kakaiu/foundationdb/internal/wiggler"
)

// WigglerStatus is a team collection's wiggle-rotation state as reported
// to operators.
type WigglerStatus struct {
	State      string
	LastChange time.Time
}

// TeamCollection is the per-region actor that recruits storage servers
// and forms replica teams. The recruitment and team-building policy is
// out of scope here; the supervisor and the RPC handlers depend only on
// this surface.
type TeamCollection interface {
	Run(ctx context.Context) error

	TeamCount() int
	IsSafeToExclude(excluded []model.ServerID) bool
	RandomHealthyTeam(r model.KeyRange) ([]model.ServerID, bool)
	RemoveServer(id model.ServerID)
	WigglerStatus() WigglerStatus
}

// StaticTeamCollection is an in-memory TeamCollection holding the teams
// reconstructed at startup. It does not recruit; it answers safety and
// placement queries against its fixed membership and runs the wiggle
// rotation bookkeeping.
type StaticTeamCollection struct {
	mu      sync.RWMutex
	teams   [][]model.ServerID
	shards  *ShardsAffectedByTeamFailure
	wiggler *wiggler.Wiggler
	primary bool

	wigglerState      string
	wigglerLastChange time.Time
}

// NewStaticTeamCollection builds a collection over teams (one region's
// primary or remote team set from the startup snapshot). shards is shared
// with the rest of the pipeline for coverage queries.
func NewStaticTeamCollection(store kvstore.TxnStore, distributorID uuid.UUID, teams [][]model.ServerID, shards *ShardsAffectedByTeamFailure, primary bool) *StaticTeamCollection {
	return &StaticTeamCollection{
		teams:        teams,
		shards:       shards,
		wiggler:      wiggler.New(store, distributorID),
		primary:      primary,
		wigglerState: "idle",
	}
}

// Wiggler exposes the collection's wiggle rotation.
func (tc *StaticTeamCollection) Wiggler() *wiggler.Wiggler { return tc.wiggler }

// Run restores wiggle metrics and then idles until cancelled; membership
// is static, so there is no recruitment loop to drive.
func (tc *StaticTeamCollection) Run(ctx context.Context) error {
	if err := tc.wiggler.RestoreStats(ctx); err != nil {
		log.Printf("teamcollection: restore wiggle stats: %v", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// TeamCount returns the number of teams in this region.
func (tc *StaticTeamCollection) TeamCount() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.teams)
}

// IsSafeToExclude reports whether removing excluded leaves every defined
// range with at least one intact team. Fewer than two teams overall is
// always unsafe.
func (tc *StaticTeamCollection) IsSafeToExclude(excluded []model.ServerID) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.teams) < 2 {
		return false
	}
	exSet := make(map[model.ServerID]struct{}, len(excluded))
	for _, id := range excluded {
		exSet[id] = struct{}{}
	}

	safe := true
	tc.shards.Ranges(func(r model.KeyRange, teams []Team) bool {
		covered := false
		for _, team := range teams {
			if team.Primary != tc.primary {
				continue
			}
			hit := false
			for _, id := range team.Servers {
				if _, ok := exSet[id]; ok {
					hit = true
					break
				}
			}
			if !hit {
				covered = true
				break
			}
		}
		if !covered {
			safe = false
			return false
		}
		return true
	})
	return safe
}

// RandomHealthyTeam returns a copy of a team chosen uniformly at random
// from this collection, for rehoming a range off a failed server. r is not
// consulted: teams already serving r are not excluded. ok is false when no
// team exists.
func (tc *StaticTeamCollection) RandomHealthyTeam(r model.KeyRange) ([]model.ServerID, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.teams) == 0 {
		return nil, false
	}
	team := tc.teams[rand.Intn(len(tc.teams))]
	return append([]model.ServerID(nil), team...), true
}

// RemoveServer drops id from every team and from the wiggle rotation.
func (tc *StaticTeamCollection) RemoveServer(id model.ServerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i, team := range tc.teams {
		out := team[:0]
		for _, s := range team {
			if s != id {
				out = append(out, s)
			}
		}
		tc.teams[i] = out
	}
	tc.wiggler.RemoveServer(id)
}

// WigglerStatus reports the rotation state and when it last changed.
func (tc *StaticTeamCollection) WigglerStatus() WigglerStatus {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return WigglerStatus{State: tc.wigglerState, LastChange: tc.wigglerLastChange}
}

// SetWigglerState records a rotation state transition.
func (tc *StaticTeamCollection) SetWigglerState(state string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.wigglerState != state {
		tc.wigglerState = state
		tc.wigglerLastChange = time.Now()
	}
}

var _ TeamCollection = (*StaticTeamCollection)(nil)
