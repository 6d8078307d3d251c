// Package model holds the data-distribution data model: key ranges, shard
// descriptors, data-move records, and the immutable startup snapshot they
// compose into.
package model

import (
	"sort"

	"github.com/google/uuid"
)

// ServerID is the stable 128-bit identity of a storage server, backed by
// uuid.UUID like every other identifier in the cluster model.
type ServerID = uuid.UUID

// MoveID identifies a DataMove record.
type MoveID = uuid.UUID

// Anonymous is the distinguished identifier marking legacy shards with no
// associated move metadata.
var Anonymous = uuid.Nil

// IsAnonymous reports whether id is the distinguished "anonymous" identifier.
func IsAnonymous(id MoveID) bool {
	return id == Anonymous
}

// SortServerIDs sorts ids in place by byte value, giving a total order over
// server-ID vectors so that two structurally-equal teams compare equal.
func SortServerIDs(ids []ServerID) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

func lessID(a, b ServerID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// TeamKey returns a stable string key for a (sorted) server-ID vector,
// used to dedup identical teams when building primary/remote team sets.
func TeamKey(ids []ServerID) string {
	b := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		b = append(b, id[:]...)
	}
	return string(b)
}
