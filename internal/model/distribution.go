package model

// ProcessClass mirrors the store's coarse role classification for a
// cluster process (storage, transaction log, coordinator, test-storage...).
type ProcessClass string

const (
	ProcessClassStorage     ProcessClass = "storage"
	ProcessClassTestStorage ProcessClass = "test_storage"
	ProcessClassLog         ProcessClass = "log"
	ProcessClassCoordinator ProcessClass = "coordinator"
)

// StorageServerInterface is the minimal handle to a storage server that the
// distributor needs: its identity, the datacenter it runs in, and how to
// reach it. Full RPC dispatch to the server lives in the storage-facing
// collaborators, not here.
type StorageServerInterface struct {
	ID           ServerID
	DatacenterID string
	Address      string
}

// AllServersEntry pairs a server interface with its process class.
type AllServersEntry struct {
	Server StorageServerInterface
	Class  ProcessClass
}

// Mode is the persistent DD enable/disable mode stored at
// dataDistributionModeKey.
type Mode int

const (
	// ModeDisabled (0) means DD is persistently disabled.
	ModeDisabled Mode = 0
	// ModeEnabled (1) means DD is enabled; this is the default.
	ModeEnabled Mode = 1
)

// InitialDataDistribution is the immutable startup snapshot produced by
// getInitialDataDistribution (internal/initread). It is constructed once
// per supervisor iteration and is read-only thereafter, shared by
// reference with the tracker, queue, and team-collection actors.
type InitialDataDistribution struct {
	Mode Mode

	// InitHealthyZone is the operator-set healthy zone in effect, or nil.
	InitHealthyZone *string

	AllServers []AllServersEntry

	// Shards is contiguous over AllKeys, strictly increasing by Key,
	// terminated by a sentinel shard at AllKeys.End.
	Shards []DDShardInfo

	// PrimaryTeams and RemoteTeams are deduplicated server-ID vectors
	// (already sorted) observed while reconstructing shards.
	PrimaryTeams [][]ServerID
	RemoteTeams  [][]ServerID

	// DataMoveMap maps key ranges to the DataMove record covering them.
	DataMoveMap *RangeMap[*DataMove]
}

// Empty reports whether this is the "DD disabled" short-circuit snapshot:
// mode disabled, a lone sentinel shard, and no servers.
func (d *InitialDataDistribution) Empty() bool {
	return d.Mode == ModeDisabled && len(d.AllServers) == 0 && len(d.Shards) == 1 && d.Shards[0].IsSentinel()
}
