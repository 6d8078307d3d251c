// Package kvstore implements the transactional system keyspace the
// distributor reads its authoritative cluster state from: a single-shard
// dragonboat replica group whose state machine applies committed batches
// into a pebble-backed ordered key-value store.
package kvstore

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// Well-known system keys. Layout only needs to be stable within this
// repository; no other process reads it.
var (
	DataDistributionModeKey = []byte("\xff/dataDistributionMode")
	MoveKeysLockOwnerKey    = []byte("\xff/moveKeysLock/owner")
	MoveKeysLockWriteKey    = []byte("\xff/moveKeysLock/write")
	HealthyZoneKey          = []byte("\xff/healthyZone")
	WriteRecoveryKey        = []byte("\xff/writeRecovery")
	DatabaseConfigKey       = []byte("\xff/conf")

	serverListPrefix      = []byte("\xff/serverList/")
	serverTagPrefix       = []byte("\xff/serverTag/")
	keyServersPrefix      = []byte("\xff/keyServers/")
	dataMovePrefix        = []byte("\xff/dataMove/")
	datacenterReplicasPfx = []byte("\xff/datacenterReplicas/")
	storageCacheServerPfx = []byte("\xff/storageCacheServer/")
	bulkLoadPrefix        = []byte("\xff/bulkLoad/")
	wigglerMetricsPrefix  = []byte("\xff/wigglerMetrics/")
)

// KeyServersPrefix exposes the prefix so callers (initread) can build
// range-scan bounds without reaching into package internals.
func KeyServersPrefix() []byte { return append([]byte(nil), keyServersPrefix...) }

// DataMovePrefix exposes the data-move record prefix.
func DataMovePrefix() []byte { return append([]byte(nil), dataMovePrefix...) }

// BulkLoadPrefix exposes the ingest-task directory prefix.
func BulkLoadPrefix() []byte { return append([]byte(nil), bulkLoadPrefix...) }

// ServerListKey returns the key holding a StorageServerInterface record.
func ServerListKey(id uuid.UUID) []byte { return withID(serverListPrefix, id) }

// ServerListPrefix is the scan prefix for the whole server list.
func ServerListPrefix() []byte { return append([]byte(nil), serverListPrefix...) }

// ServerTagKey returns the key holding a server's tag map.
func ServerTagKey(id uuid.UUID) []byte { return withID(serverTagPrefix, id) }

// ServerTagPrefix is the scan prefix for the whole tag table.
func ServerTagPrefix() []byte { return append([]byte(nil), serverTagPrefix...) }

// KeyServersKey returns the keyServersPrefix entry for a shard boundary
// key. The stored entry's own key IS the shard boundary.
func KeyServersKey(boundary []byte) []byte {
	return append(append([]byte(nil), keyServersPrefix...), boundary...)
}

// DataMoveKey returns the key holding a DataMove record, keyed by the
// range's begin key so a scan of dataMovePrefix yields records in range
// order.
func DataMoveKey(rangeBegin []byte) []byte {
	return append(append([]byte(nil), dataMovePrefix...), rangeBegin...)
}

// DatacenterReplicasKey returns the per-datacenter replica-count key.
func DatacenterReplicasKey(dc string) []byte {
	return append(append([]byte(nil), datacenterReplicasPfx...), []byte(dc)...)
}

// DatacenterReplicasPrefix is the scan prefix for all datacenter entries.
func DatacenterReplicasPrefix() []byte { return append([]byte(nil), datacenterReplicasPfx...) }

// StorageCacheServerKey returns the watch key for a cache-server interface.
func StorageCacheServerKey(id uuid.UUID) []byte { return withID(storageCacheServerPfx, id) }

// StorageCacheServerPrefix is the scan prefix for the cache-server table.
func StorageCacheServerPrefix() []byte { return append([]byte(nil), storageCacheServerPfx...) }

// WigglerMetricsKey returns the key holding the persisted
// StorageWiggleMetrics of the wiggler owned by id (team collections pass
// the distributor's identity), not of a storage server.
func WigglerMetricsKey(id uuid.UUID) []byte { return withID(wigglerMetricsPrefix, id) }

func withID(prefix []byte, id uuid.UUID) []byte {
	b := id // 16 bytes, array value
	return append(append([]byte(nil), prefix...), b[:]...)
}

// StripPrefix removes prefix from key, returning the suffix and whether
// key actually carried that prefix.
func StripPrefix(key, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(key, prefix) {
		return nil, false
	}
	return key[len(prefix):], true
}

// PrefixEnd returns the first key strictly greater than every key sharing
// prefix, giving an exclusive range-scan upper bound for a prefix scan.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// All 0xff: unbounded.
	return nil
}

// encodeUint64 / decodeUint64 are used for epoch and version fields
// embedded in small record values.
func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
