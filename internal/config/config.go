// Package config loads the data distributor's runtime configuration from
// environment variables, with a local env-file fallback so a process can
// be pointed at a config file without exporting anything by hand.
package config

import (
	"os"
	"strconv"
	"time"
)

// Knobs are the tunables the distributor's components read. Defaults match
// the values the rest of the codebase was written against; every knob can
// be overridden through the DD_* environment variables listed per field.
type Knobs struct {
	// StorageTeamSize is the replication factor per region (DD_STORAGE_TEAM_SIZE).
	StorageTeamSize int

	// MoveKeysLockPollInterval is how often the lock guard re-verifies
	// ownership (DD_MOVEKEYS_LOCK_POLL_INTERVAL, duration string).
	MoveKeysLockPollInterval time.Duration

	// SnapCreateMaxTimeout is the hard deadline on a cluster snapshot
	// (DD_SNAP_CREATE_MAX_TIMEOUT). 70s mirrors the simulation value.
	SnapCreateMaxTimeout time.Duration

	// MaxStorageSnapshotFaultTolerance caps how many storage workers may
	// fail to snapshot (DD_MAX_STORAGE_SNAPSHOT_FAULT_TOLERANCE).
	MaxStorageSnapshotFaultTolerance int

	// MaxCoordinatorSnapshotFaultTolerance caps coordinator snapshot
	// failures (DD_MAX_COORDINATOR_SNAPSHOT_FAULT_TOLERANCE).
	MaxCoordinatorSnapshotFaultTolerance int

	// SnapshotWaitMultiplier is the straggler grace multiplier used by the
	// quorum waits during snapshots (DD_SNAPSHOT_WAIT_MULTIPLIER).
	SnapshotWaitMultiplier float64

	// ValidateShardLocations gates the cross-validation of shards against
	// the persisted data-move table (DD_VALIDATE_SHARD_LOCATIONS).
	ValidateShardLocations bool

	// Framework routes relocations through the event buffer instead of
	// sending them directly on the relocation stream (DD_FRAMEWORK). Both
	// paths exist upstream of this setting; this flag selects which one
	// runs, it does not remove the other.
	Framework bool

	// RemeasurePhysicalShards makes the physical-shard monitor restart the
	// tracker entry of every shard it reports on each pass, which resets
	// the recorded sizes (DD_REMEASURE_PHYSICAL_SHARDS); no storage team is
	// queried for new sizes. Off by default, keeping the log-only behavior.
	RemeasurePhysicalShards bool

	// EnableTenantCache spawns the tenant-cache monitor alongside the
	// pipeline (DD_ENABLE_TENANT_CACHE).
	EnableTenantCache bool

	// TrackerCleanupBatch is how many shard-tracker entries are released
	// between yields during phased teardown (DD_TRACKER_CLEANUP_BATCH).
	TrackerCleanupBatch int

	// Simulated marks a simulation run: the shard map is cleared in place
	// on teardown instead of phased deletion (DD_SIMULATED).
	Simulated bool
}

// Default returns the knob defaults.
func Default() Knobs {
	return Knobs{
		StorageTeamSize:                      3,
		MoveKeysLockPollInterval:             5 * time.Second,
		SnapCreateMaxTimeout:                 70 * time.Second,
		MaxStorageSnapshotFaultTolerance:     1,
		MaxCoordinatorSnapshotFaultTolerance: 1,
		SnapshotWaitMultiplier:               1.0,
		ValidateShardLocations:               true,
		TrackerCleanupBatch:                  100,
	}
}

// FromEnv returns Default overridden by any DD_* environment variables
// that are set. Call LoadEnvFile first if the process is configured
// through a file.
func FromEnv() Knobs {
	k := Default()
	k.StorageTeamSize = envInt("DD_STORAGE_TEAM_SIZE", k.StorageTeamSize)
	k.MoveKeysLockPollInterval = envDuration("DD_MOVEKEYS_LOCK_POLL_INTERVAL", k.MoveKeysLockPollInterval)
	k.SnapCreateMaxTimeout = envDuration("DD_SNAP_CREATE_MAX_TIMEOUT", k.SnapCreateMaxTimeout)
	k.MaxStorageSnapshotFaultTolerance = envInt("DD_MAX_STORAGE_SNAPSHOT_FAULT_TOLERANCE", k.MaxStorageSnapshotFaultTolerance)
	k.MaxCoordinatorSnapshotFaultTolerance = envInt("DD_MAX_COORDINATOR_SNAPSHOT_FAULT_TOLERANCE", k.MaxCoordinatorSnapshotFaultTolerance)
	k.SnapshotWaitMultiplier = envFloat("DD_SNAPSHOT_WAIT_MULTIPLIER", k.SnapshotWaitMultiplier)
	k.ValidateShardLocations = envBool("DD_VALIDATE_SHARD_LOCATIONS", k.ValidateShardLocations)
	k.Framework = envBool("DD_FRAMEWORK", k.Framework)
	k.RemeasurePhysicalShards = envBool("DD_REMEASURE_PHYSICAL_SHARDS", k.RemeasurePhysicalShards)
	k.EnableTenantCache = envBool("DD_ENABLE_TENANT_CACHE", k.EnableTenantCache)
	k.TrackerCleanupBatch = envInt("DD_TRACKER_CLEANUP_BATCH", k.TrackerCleanupBatch)
	k.Simulated = envBool("DD_SIMULATED", k.Simulated)
	return k
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
