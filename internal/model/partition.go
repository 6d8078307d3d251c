package model

// DatacenterLookup resolves a server ID to the datacenter it runs in.
type DatacenterLookup func(ServerID) (string, bool)

// TeamPartition is a (primary, remote) split of a server-ID vector, sorted
// within each half.
type TeamPartition struct {
	Primary []ServerID
	Remote  []ServerID
}

// TeamCache partitions server vectors into primary/remote teams by
// datacenter membership, memoizing on the raw vector so identical teams
// share one partition. Equal input vectors always yield structurally
// equal partitions.
type TeamCache struct {
	dcOf      DatacenterLookup
	remoteDCs map[string]struct{}
	cache     map[string]TeamPartition
}

// NewTeamCache builds a TeamCache. remoteDCs holds the configured remote
// datacenter IDs; a server is "remote" iff its datacenter appears here.
func NewTeamCache(dcOf DatacenterLookup, remoteDCs []string) *TeamCache {
	set := make(map[string]struct{}, len(remoteDCs))
	for _, dc := range remoteDCs {
		set[dc] = struct{}{}
	}
	return &TeamCache{dcOf: dcOf, remoteDCs: set, cache: make(map[string]TeamPartition)}
}

// Partition splits ids into (primary, remote), sorting each half and
// memoizing on the unsorted input vector's identity key.
func (c *TeamCache) Partition(ids []ServerID) TeamPartition {
	if len(ids) == 0 {
		return TeamPartition{}
	}
	key := TeamKey(ids)
	if p, ok := c.cache[key]; ok {
		return p
	}

	var primary, remote []ServerID
	for _, id := range ids {
		dc, _ := c.dcOf(id)
		if _, isRemote := c.remoteDCs[dc]; isRemote {
			remote = append(remote, id)
		} else {
			primary = append(primary, id)
		}
	}
	SortServerIDs(primary)
	SortServerIDs(remote)

	p := TeamPartition{Primary: primary, Remote: remote}
	c.cache[key] = p
	return p
}

// TeamSet deduplicates sorted server-ID vectors for InitialDataDistribution's
// PrimaryTeams/RemoteTeams sets.
type TeamSet struct {
	seen  map[string]struct{}
	teams [][]ServerID
}

// NewTeamSet creates an empty TeamSet.
func NewTeamSet() *TeamSet {
	return &TeamSet{seen: make(map[string]struct{})}
}

// Add records team if not already present (team must already be sorted).
func (s *TeamSet) Add(team []ServerID) {
	if len(team) == 0 {
		return
	}
	key := TeamKey(team)
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.teams = append(s.teams, team)
}

// Teams returns the deduplicated teams collected so far.
func (s *TeamSet) Teams() [][]ServerID { return s.teams }
